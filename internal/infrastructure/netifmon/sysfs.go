package netifmon

import (
	"os"
	"strconv"
	"strings"
)

// readTxBytes reads the kernel's cumulative transmit-byte counter for an
// interface from sysfs. Returns (0, err) if unavailable (e.g. non-Linux, or
// the interface has no statistics directory), in which case the caller
// simply reports a zero delta for that tick.
func readTxBytes(name string) (uint64, error) {
	data, err := os.ReadFile("/sys/class/net/" + name + "/statistics/tx_bytes")
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
