package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"dmsync/models"
)

const (
	// ProtocolVersion is the current push protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1024 * 1024
	// MaxControlFrameSize bounds frames read before registration completes.
	MaxControlFrameSize = 16 * 1024
	// DefaultConnectionTimeout bounds TCP dial and registration.
	DefaultConnectionTimeout = 15 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeSend       = "send"
	TypeSendAck    = "send_ack"
	TypeSendError  = "send_error"
	TypeMessage    = "message"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeDisconnect = "disconnect"
	TypeError      = "error"
)

const (
	ErrorCodeUnauthorized       = "unauthorized"
	ErrorCodeUnsupportedVersion = "unsupported_version"
	ErrorCodeBadRequest         = "bad_request"
	ErrorCodeRejected           = "rejected"
	ErrorCodeInternal           = "internal"
)

var (
	// ErrFrameTooLarge indicates payload exceeds the allowed frame size.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrUnauthorized indicates the relay refused the registration token.
	ErrUnauthorized = errors.New("network: registration unauthorized")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// RegisterMessage is the first frame a client sends; it binds the
// connection to the identity carried by Token.
type RegisterMessage struct {
	Type            string `json:"type"`
	Token           string `json:"token"`
	InstanceID      string `json:"instance_id,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// RegisteredMessage acknowledges a registration.
type RegisteredMessage struct {
	Type         string `json:"type"`
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	Timestamp    int64  `json:"timestamp"`
}

// SendMessage asks the relay to persist one message from the registered user.
type SendMessage struct {
	Type       string `json:"type"`
	ClientID   string `json:"client_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"`
}

// SendAck returns the confirmed record for a send.
type SendAck struct {
	Type     string         `json:"type"`
	ClientID string         `json:"client_id"`
	Message  models.Message `json:"message"`
}

// SendError reports a send the relay refused.
type SendError struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// MessageDelivery pushes one confirmed record to a participant.
type MessageDelivery struct {
	Type    string         `json:"type"`
	Message models.Message `json:"message"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// DisconnectMessage signals graceful disconnect.
type DisconnectMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// DecodeInto unmarshals payload into a typed protocol message.
func DecodeInto[T any](payload []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode %T: %w", msg, err)
	}
	return msg, nil
}

// WriteFrame writes payload behind a 4-byte big-endian length in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(payload)), uint32(len(payload)))
	if _, err := w.Write(append(frame, payload...)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame of at most MaxFrameSize bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameLimited(r, MaxFrameSize)
}

// ReadControlFrame reads one pre-registration frame; these are capped at MaxControlFrameSize.
func ReadControlFrame(r io.Reader) ([]byte, error) {
	return readFrameLimited(r, MaxControlFrameSize)
}

func readFrameLimited(r io.Reader, limit uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout is ReadFrame bounded by a read deadline on conn.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	return withReadDeadline(conn, timeout, ReadFrame)
}

func readControlFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	return withReadDeadline(conn, timeout, ReadControlFrame)
}

func withReadDeadline(conn net.Conn, timeout time.Duration, read func(io.Reader) ([]byte, error)) ([]byte, error) {
	if timeout <= 0 {
		return read(conn)
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	return read(conn)
}

func writeJSONFrame(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
