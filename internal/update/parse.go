package update

import (
	"regexp"
	"strconv"
	"strings"
)

// upgradedRe and needToGetRe extract the upgrade package count and
// cumulative download size from an `apt-get --simulate dist-upgrade`
// transcript's summary
// line, e.g. "4 upgraded, 0 newly installed, 0 to remove and 0 not
// upgraded." plus a "Need to get 12.3 MB of archives." line.
var (
	upgradedRe = regexp.MustCompile(`(\d+) upgraded,`)
	needToGetRe = regexp.MustCompile(`Need to get ([\d.]+) ([kMG]?B) of archives`)
)

// ParseSimulateOutput extracts (packageCount, downloadSizeBytes) from a
// simulated dist-upgrade transcript. Either field is zero if its line is
// absent (e.g. nothing to upgrade).
func ParseSimulateOutput(output string) (packageCount int, downloadSize int64) {
	if m := upgradedRe.FindStringSubmatch(output); m != nil {
		packageCount, _ = strconv.Atoi(m[1])
	}
	if m := needToGetRe.FindStringSubmatch(output); m != nil {
		val, _ := strconv.ParseFloat(m[1], 64)
		downloadSize = int64(val * unitMultiplier(m[2]))
	}
	return packageCount, downloadSize
}

func unitMultiplier(unit string) float64 {
	switch unit {
	case "kB":
		return 1000
	case "MB":
		return 1000 * 1000
	case "GB":
		return 1000 * 1000 * 1000
	default:
		return 1
	}
}

// ProgressKind names one of the apt-get dist-upgrade progress counters.
type ProgressKind string

const (
	Downloading ProgressKind = "downloading"
	Unpacking   ProgressKind = "unpacking"
	SettingUp   ProgressKind = "setting_up"
)

// ParseProgressLine recognizes one line of `apt-get -y dist-upgrade`
// stdout as a progress increment. It matches the "Get:N ..." (download),
// "Unpacking ..." and "Setting up ..." line prefixes apt emits per
// package; ok is false for any other line (summary lines, blank lines,
// debconf noise).
func ParseProgressLine(line string) (kind ProgressKind, ok bool) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "Get:"):
		return Downloading, true
	case strings.HasPrefix(line, "Unpacking "):
		return Unpacking, true
	case strings.HasPrefix(line, "Setting up "):
		return SettingUp, true
	default:
		return "", false
	}
}
