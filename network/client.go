package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// DialOptions configures a client push connection.
type DialOptions struct {
	Token             string
	InstanceID        string
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

// RemoteError is an error frame returned by the relay.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// Dial connects to the relay, registers the identity carried by the token and
// returns a connection once the relay has acknowledged the registration.
func Dial(ctx context.Context, address string, options DialOptions) (*Connection, error) {
	if options.Token == "" {
		return nil, errors.New("token is required")
	}
	timeout := options.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set registration deadline: %w", err)
	}

	if err := writeJSONFrame(conn, RegisterMessage{
		Type:            TypeRegister,
		Token:           options.Token,
		InstanceID:      options.InstanceID,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send register: %w", err)
	}

	payload, err := ReadControlFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read registration response: %w", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if msgType == TypeError {
		_ = conn.Close()
		remote, err := DecodeInto[ErrorMessage](payload)
		if err != nil {
			return nil, fmt.Errorf("decode remote error response: %w", err)
		}
		remoteErr := &RemoteError{Code: remote.Code, Message: remote.Message}
		switch remote.Code {
		case ErrorCodeUnauthorized:
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, remoteErr)
		case ErrorCodeUnsupportedVersion:
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedVersion, remoteErr)
		}
		return nil, remoteErr
	}
	if msgType != TypeRegistered {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeRegistered, msgType)
	}

	registered, err := DecodeInto[RegisteredMessage](payload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear registration deadline: %w", err)
	}

	return newConnection(conn, ConnectionOptions{
		UserID:            registered.UserID,
		ConnectionID:      registered.ConnectionID,
		KeepAliveInterval: options.KeepAliveInterval,
		KeepAliveTimeout:  options.KeepAliveTimeout,
		FrameReadTimeout:  options.FrameReadTimeout,
		AutoRespondPing:   true,
	}), nil
}
