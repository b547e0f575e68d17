package wifimgr

import "strings"

// splitNmcliFields splits one line of `nmcli -t` terse output on
// unescaped colons. nmcli escapes a literal ':' inside a field as `\:`.
// This is a pure function from raw string to a record and is the seam
// unit tests feed recorded transcripts through.
func splitNmcliFields(line string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false

	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// scanEntry is one row of `nmcli -t -f active,ssid,signal,security,freq
// dev wifi list`.
type scanEntry struct {
	Active   bool
	SSID     string
	Signal   int
	Security string
	Freq     int
}

func parseScanLine(line string) (scanEntry, bool) {
	f := splitNmcliFields(line)
	if len(f) < 5 || f[1] == "" {
		return scanEntry{}, false
	}
	return scanEntry{
		Active:   f[0] == "yes",
		SSID:     f[1],
		Signal:   atoiOr(f[2], 0),
		Security: f[3],
		Freq:     atoiOr(f[4], 0),
	}, true
}

func parseScanResults(output string) []scanEntry {
	var out []scanEntry
	for _, line := range splitNonEmptyLines(output) {
		if e, ok := parseScanLine(line); ok {
			out = append(out, e)
		}
	}
	return out
}

// savedEntry is one row of `nmcli -t -f name,uuid,type,802-11-wireless.mac-address,802-11-wireless.ssid,timestamp con show`.
type savedEntry struct {
	UUID      string
	Type      string
	MAC       string
	SSID      string
	Timestamp int64
}

func parseSavedLine(line string) (savedEntry, bool) {
	f := splitNmcliFields(line)
	if len(f) < 6 {
		return savedEntry{}, false
	}
	return savedEntry{
		UUID:      f[1],
		Type:      f[2],
		MAC:       strings.ToLower(f[3]),
		SSID:      f[4],
		Timestamp: atoi64Or(f[5], 0),
	}, true
}

func parseSavedConnections(output string) []savedEntry {
	var out []savedEntry
	for _, line := range splitNonEmptyLines(output) {
		if e, ok := parseSavedLine(line); ok && e.Type == "802-11-wireless" {
			out = append(out, e)
		}
	}
	return out
}

// deviceEntry is one row of `nmcli -t -f device,type,general.hwaddr,general.connection-uuid dev show`.
type deviceEntry struct {
	IfName     string
	MAC        string
	ActiveUUID string
}

func parseDeviceLine(line string) (deviceEntry, bool) {
	f := splitNmcliFields(line)
	if len(f) < 4 || f[1] != "wifi" {
		return deviceEntry{}, false
	}
	return deviceEntry{IfName: f[0], MAC: strings.ToLower(f[2]), ActiveUUID: f[3]}, true
}

func parseDevices(output string) []deviceEntry {
	var out []deviceEntry
	for _, line := range splitNonEmptyLines(output) {
		if e, ok := parseDeviceLine(line); ok {
			out = append(out, e)
		}
	}
	return out
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func atoiOr(s string, def int) int {
	n := 0
	neg := false
	any := false
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return def
		}
		any = true
		n = n*10 + int(r-'0')
	}
	if !any {
		return def
	}
	if neg {
		n = -n
	}
	return n
}

func atoi64Or(s string, def int64) int64 {
	return int64(atoiOr(s, int(def)))
}

// secretsRequired detects nmcli's "secrets required" error marker in the
// stderr of a failed `nmcli dev wifi connect`.
func secretsRequired(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "secrets were required")
}
