package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ExtractsIDAndPayload(t *testing.T) {
	env, err := Decode([]byte(`{"id":"abc123","auth":{"password":"hunter2x"}}`))
	require.NoError(t, err)
	assert.Equal(t, "abc123", env.ID())

	var req AuthRequest
	req, ok, err := Payload[AuthRequest](env, "auth")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hunter2x", req.Password)
}

func TestDecode_MissingIDIsEmpty(t *testing.T) {
	env, err := Decode([]byte(`{"stop":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "", env.ID())
}

func TestPayload_AbsentKey(t *testing.T) {
	env, err := Decode([]byte(`{"keepalive":{}}`))
	require.NoError(t, err)

	_, ok, err := Payload[StartRequest](env, "start")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPayload_StrictRejectsUnknownFields(t *testing.T) {
	env, err := Decode([]byte(`{"bitrate":{"max_br":4000,"bogus":1}}`))
	require.NoError(t, err)

	_, ok, err := Payload[BitrateRequest](env, "bitrate")
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestEncode_RoundTrips(t *testing.T) {
	data, err := Encode("bitrate", BitrateResponse{MaxBR: 4000}, "")
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	resp, ok, err := Payload[BitrateResponse](env, "bitrate")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4000, resp.MaxBR)
}

func TestEncode_WithIDTagsFrame(t *testing.T) {
	data, err := Encode("stop", StopRequest{}, "sender-1")
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "sender-1", env.ID())
}
