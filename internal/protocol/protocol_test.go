package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidEnvelope(t *testing.T) {
	env, err := Decode([]byte(`{"type":"chat","data":{"room":"general","content":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeChat, env.Type)

	var req ChatRequest
	require.NoError(t, env.DecodeData(&req))
	assert.Equal(t, "general", req.Room)
	assert.Equal(t, "hi", req.Content)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"not json":     `{{{`,
		"missing type": `{"data":{}}`,
		"empty":        ``,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodeDataRequiresPayload(t *testing.T) {
	env, err := Decode([]byte(`{"type":"auth"}`))
	require.NoError(t, err)

	var req AuthRequest
	assert.Error(t, env.DecodeData(&req))
}

func TestEncodeRoundTrip(t *testing.T) {
	raw, err := Encode(TypeAuthSuccess, AuthSuccess{
		UserID:   "u1",
		Username: "alice",
		Room:     "general",
	})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeAuthSuccess, env.Type)

	var payload AuthSuccess
	require.NoError(t, env.DecodeData(&payload))
	assert.Equal(t, "alice", payload.Username)
	assert.Equal(t, "general", payload.Room)
}

func TestEncodeNilPayloadOmitsData(t *testing.T) {
	raw, err := Encode(TypeLeaveRoom, nil)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Contains(t, m, "type")
	assert.NotContains(t, m, "data")
}

func TestNewErrorShape(t *testing.T) {
	env, err := Decode(NewError(CodeRateLimited, "slow down"))
	require.NoError(t, err)
	assert.Equal(t, TypeError, env.Type)

	var reply ErrorReply
	require.NoError(t, env.DecodeData(&reply))
	assert.Equal(t, CodeRateLimited, reply.Code)
	assert.Equal(t, "slow down", reply.Message)
}
