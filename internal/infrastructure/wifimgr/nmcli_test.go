package wifimgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitNmcliFields_HandlesEscapedColon(t *testing.T) {
	fields := splitNmcliFields(`yes:My\:Network:80:WPA2:2437`)
	require.Len(t, fields, 5)
	assert.Equal(t, "yes", fields[0])
	assert.Equal(t, "My:Network", fields[1])
	assert.Equal(t, "80", fields[2])
}

func TestParseScanResults(t *testing.T) {
	transcript := "yes:HomeWiFi:78:WPA2:2437\nno:Guest:40:WPA1:5180\nno::10:WPA2:2412\n"
	entries := parseScanResults(transcript)

	require.Len(t, entries, 2, "row with empty SSID must be skipped")
	assert.Equal(t, scanEntry{Active: true, SSID: "HomeWiFi", Signal: 78, Security: "WPA2", Freq: 2437}, entries[0])
	assert.Equal(t, scanEntry{Active: false, SSID: "Guest", Signal: 40, Security: "WPA1", Freq: 5180}, entries[1])
}

func TestParseSavedConnections_FiltersNonWireless(t *testing.T) {
	transcript := "home:uuid-1:802-11-wireless:AA\\:BB\\:CC\\:DD\\:EE\\:FF:HomeWiFi:1700000000\n" +
		"eth-wired:uuid-2:802-3-ethernet::eth0:1700000000\n"

	entries := parseSavedConnections(transcript)
	require.Len(t, entries, 1)
	assert.Equal(t, "uuid-1", entries[0].UUID)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", entries[0].MAC)
	assert.Equal(t, "HomeWiFi", entries[0].SSID)
}

func TestParseDevices_FiltersNonWifi(t *testing.T) {
	transcript := "wlan0:wifi:AA\\:BB\\:CC\\:DD\\:EE\\:FF:uuid-1\n" +
		"eth0:ethernet:11\\:22\\:33\\:44\\:55\\:66:\n"

	entries := parseDevices(transcript)
	require.Len(t, entries, 1)
	assert.Equal(t, "wlan0", entries[0].IfName)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", entries[0].MAC)
	assert.Equal(t, "uuid-1", entries[0].ActiveUUID)
}

func TestSecretsRequired(t *testing.T) {
	assert.True(t, secretsRequired("Error: Secrets were required, but not provided."))
	assert.False(t, secretsRequired("Error: no network with SSID 'foo' found."))
}
