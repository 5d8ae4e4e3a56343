package broker

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/probelab/netprobe/pkg/types"
)

// frameHeaderSize is the big-endian u32 length prefix on every frame
const frameHeaderSize = 4

var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// the configured buffer size. The oversized body has already been
	// drained so the stream stays framed.
	ErrFrameTooLarge = errors.New("frame exceeds message buffer size")

	// ErrInvalidMessage is returned for frames that fail validation
	ErrInvalidMessage = errors.New("invalid message")
)

// NewMessage builds a message of the given type with a fresh id and the
// current timestamp
func NewMessage(msgType types.MessageType, content string) *types.BrokerMessage {
	return &types.BrokerMessage{
		Type:      msgType,
		Content:   content,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		MessageID: uuid.New().String(),
	}
}

// ValidateMessage checks the structural invariants of a decoded message
func ValidateMessage(msg *types.BrokerMessage) error {
	if msg == nil {
		return fmt.Errorf("%w: empty body", ErrInvalidMessage)
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	if len(msg.Content) > types.MaxMessageContent {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidMessage, types.MaxMessageContent)
	}
	if msg.Type == types.MessagePrivate && msg.Target == "" {
		return fmt.Errorf("%w: private message requires target", ErrInvalidMessage)
	}
	return nil
}

// EncodeFrame serializes msg with its length prefix
func EncodeFrame(msg *types.BrokerMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:frameHeaderSize], uint32(len(body)))
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

// WriteMessage frames and writes msg to w
func WriteMessage(w io.Writer, msg *types.BrokerMessage) (int, error) {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(frame)
	if err != nil {
		return n, fmt.Errorf("write frame: %w", err)
	}
	return n, nil
}

// ReadFrame reads one length-prefixed body from r. A nil body with a nil
// error never happens; io.EOF on the length prefix means the peer closed
// cleanly. When the declared length exceeds maxSize the body is drained
// and ErrFrameTooLarge returned, leaving the connection usable.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if maxSize > 0 && int(length) > maxSize {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, err
		}
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// DecodeMessage parses and validates one frame body
func DecodeMessage(body []byte) (*types.BrokerMessage, error) {
	var msg types.BrokerMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := ValidateMessage(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// isClosedErr reports whether err marks a peer that went away
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe)
}
