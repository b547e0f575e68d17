// Package session holds the JSON documents the daemon itself persists:
// the streaming/auth Config and the AuthTokens sets.
package session

// Config is the persisted, operator-mutable document. It is written as a
// whole-file replacement by internal/store and never touched by any other
// component directly.
//
// SSHPassHash is kept only so the daemon can detect out-of-band password
// changes (C11); it travels with the on-disk document but is never
// serialized into a WS broadcast — see Sanitized.
type Config struct {
	PasswordHash string `json:"password_hash,omitempty"`
	RemoteKey    string `json:"remote_key,omitempty"`

	Delay       int    `json:"delay"`
	Pipeline    string `json:"pipeline"`
	MaxBR       int    `json:"max_br"`
	SRTLatency  int    `json:"srt_latency"`
	SRTStreamID string `json:"srt_streamid"`
	SRTLAAddr   string `json:"srtla_addr"`
	SRTLAPort   int    `json:"srtla_port"`

	SSHPass     string `json:"ssh_pass,omitempty"`
	SSHPassHash string `json:"ssh_pass_hash,omitempty"`
}

// Sanitized returns a copy with secrets stripped, suitable for broadcast to
// WS clients as the `config` message.
func (c Config) Sanitized() Config {
	c.PasswordHash = ""
	c.SSHPassHash = ""
	return c
}

// Clone returns a deep-enough copy for safe concurrent read snapshotting
// (Config has no reference fields, so this is a value copy).
func (c Config) Clone() Config { return c }
