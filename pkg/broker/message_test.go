package broker

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/netprobe/pkg/types"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := NewMessage(types.MessageChat, "hello there")
	msg.Sender = "c1"
	msg.Metadata = map[string]interface{}{"room": "lobby"}

	frame, err := EncodeFrame(msg)
	require.NoError(t, err)

	body, err := ReadFrame(bytes.NewReader(frame), 8192)
	require.NoError(t, err)

	decoded, err := DecodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.Content, decoded.Content)
	assert.Equal(t, msg.Sender, decoded.Sender)
	assert.Equal(t, msg.MessageID, decoded.MessageID)
	assert.InDelta(t, msg.Timestamp, decoded.Timestamp, 0.001)
	assert.Equal(t, "lobby", decoded.Metadata["room"])
}

func TestReadFrameOversizedDrains(t *testing.T) {
	big := NewMessage(types.MessageChat, strings.Repeat("x", 2048))
	bigFrame, err := EncodeFrame(big)
	require.NoError(t, err)

	small := NewMessage(types.MessageChat, "after")
	smallFrame, err := EncodeFrame(small)
	require.NoError(t, err)

	// Stream carries an oversized frame followed by a valid one; the
	// reader must stay framed after the rejection
	stream := bytes.NewReader(append(bigFrame, smallFrame...))

	_, err = ReadFrame(stream, 1024)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	body, err := ReadFrame(stream, 1024)
	require.NoError(t, err)
	decoded, err := DecodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, "after", decoded.Content)
}

func TestReadFramePeerClosed(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), 1024)
	assert.Error(t, err)
	assert.True(t, isClosedErr(err))
}

func TestReadFrameTruncatedBody(t *testing.T) {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header, 100)
	stream := bytes.NewReader(append(header, []byte("short")...))

	_, err := ReadFrame(stream, 1024)
	assert.Error(t, err)
	assert.True(t, isClosedErr(err))
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     *types.BrokerMessage
		wantErr bool
	}{
		{
			name: "valid chat",
			msg:  &types.BrokerMessage{Type: types.MessageChat, Content: "hi"},
		},
		{
			name: "valid private",
			msg:  &types.BrokerMessage{Type: types.MessagePrivate, Content: "hi", Target: "c2"},
		},
		{
			name:    "unknown type",
			msg:     &types.BrokerMessage{Type: "bogus", Content: "hi"},
			wantErr: true,
		},
		{
			name:    "private without target",
			msg:     &types.BrokerMessage{Type: types.MessagePrivate, Content: "hi"},
			wantErr: true,
		},
		{
			name:    "content too large",
			msg:     &types.BrokerMessage{Type: types.MessageChat, Content: strings.Repeat("x", types.MaxMessageContent+1)},
			wantErr: true,
		},
		{
			name:    "nil",
			msg:     nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.msg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeMessageInvalidJSON(t *testing.T) {
	_, err := DecodeMessage([]byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
