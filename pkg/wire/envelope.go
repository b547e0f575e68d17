// Package wire defines the JSON-over-WebSocket frame shapes exchanged
// with local clients and the remote tunnel: a frame is an object whose
// keys are message types, plus an optional "id" identifying a
// remote-tunnel sender.
package wire

import (
	"bytes"
	"encoding/json"

	"github.com/fieldlink/ctrld/pkg/jsonx"
)

// Envelope is the raw top-level frame: permissive about unknown/extra
// keys (id, or message types this build doesn't recognize), unlike the
// per-type payload structs which decode strictly.
type Envelope map[string]json.RawMessage

// ID returns the frame's remote-tunnel sender id, if present.
func (e Envelope) ID() string {
	raw, ok := e["id"]
	if !ok {
		return ""
	}
	var id string
	_ = json.Unmarshal(raw, &id)
	return id
}

// Decode parses a raw frame into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return env, nil
}

// Payload strictly decodes the named key's value into dst, rejecting
// unknown fields within it. ok is false if the key is absent.
func Payload[T any](env Envelope, key string) (dst T, ok bool, err error) {
	raw, present := env[key]
	if !present {
		return dst, false, nil
	}
	if err := jsonx.ParseJSONObject(bytes.NewReader(raw), &dst); err != nil {
		return dst, true, err
	}
	return dst, true, nil
}

// Encode marshals a single-key {type: payload} frame, optionally tagged
// with a sender id for the remote tunnel to route a reply.
func Encode(msgType string, payload any, id string) ([]byte, error) {
	m := map[string]any{msgType: payload}
	if id != "" {
		m["id"] = id
	}
	return json.Marshal(m)
}
