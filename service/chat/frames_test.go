package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"send","id":"r1","body":{"conversationId":"c1","clientMessageId":"m1","content":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, FrameSend, f.Type)
	assert.Equal(t, "r1", f.ID)

	var body SendBody
	require.NoError(t, decodeBody(f, &body))
	assert.Equal(t, "c1", body.ConversationID)
	assert.Equal(t, "m1", body.ClientMessageID)
	assert.Equal(t, "hi", body.Content)
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	_, err := ParseFrame([]byte("not json"))
	assert.Error(t, err)

	_, err = ParseFrame([]byte(`{"id":"r1"}`))
	assert.Error(t, err, "missing type")
}

func TestDecodeBodyMissing(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"send"}`))
	require.NoError(t, err)
	var body SendBody
	assert.Error(t, decodeBody(f, &body))
}

func TestBuildFrameRoundTrip(t *testing.T) {
	raw := BuildFrame(FrameSendAck, "r1", &SendAckBody{
		ClientMessageID: "m1",
		Status:          "sent",
	})

	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, FrameSendAck, f.Type)
	assert.Equal(t, "r1", f.ID)
	assert.NotZero(t, f.Ts)

	var body SendAckBody
	require.NoError(t, json.Unmarshal(f.Body, &body))
	assert.Equal(t, "m1", body.ClientMessageID)
	assert.Equal(t, "sent", body.Status)
}

func TestBuildFrameNilBody(t *testing.T) {
	raw := BuildFrame(FramePong, "p1", nil)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, FramePong, f.Type)
	assert.Empty(t, f.Body)
}
