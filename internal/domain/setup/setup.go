// Package setup loads the read-only, process-wide Setup document.
package setup

import (
	"encoding/json"
	"os"

	"github.com/juju/errors"
)

// Setup is the operator-facing, read-only spec written once by provisioning
// and never mutated by the daemon. It is distinct from Config (session.Config),
// which the daemon itself persists.
type Setup struct {
	// Platform is the platform tag used to select the platform-specific
	// pipeline directory.
	Platform string `json:"platform"`

	// EncoderPath and BonderPath are absolute paths to the supervised
	// children's executables.
	EncoderPath string `json:"encoder_path"`
	BonderPath  string `json:"bonder_path"`

	// PipelineRoot is the directory under which the generic and
	// platform-specific pipeline subdirectories live.
	PipelineRoot string `json:"pipeline_root"`

	// BitrateFile and UplinkIPsFile are runtime files the daemon writes and
	// the children read on hangup.
	BitrateFile   string `json:"bitrate_file"`
	UplinkIPsFile string `json:"uplink_ips_file"`

	// SSHUsername is the account SSH control (C11) manages. Empty disables
	// SSH control entirely.
	SSHUsername string `json:"ssh_username,omitempty"`

	// UpgradesEnabled gates the update orchestrator (C10); when false it is
	// inert and reports availableUpdates=false.
	UpgradesEnabled bool `json:"upgrades_enabled"`

	// RestartOnUpgrade controls whether a successful update exits the
	// daemon so a supervisor restarts it onto the new version. False when
	// absent from the document.
	RestartOnUpgrade bool `json:"restart_on_upgrade"`
}

// Load reads and decodes path into a Setup document.
func Load(path string) (*Setup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "read setup document")
	}

	var s Setup
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Annotate(err, "decode setup document")
	}

	return &s, nil
}
