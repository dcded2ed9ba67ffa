package syncengine

import "errors"

var (
	// ErrIsolationViolation marks a message in which the session user is not a participant.
	ErrIsolationViolation = errors.New("syncengine: message does not involve session user")
	// ErrMalformedMessage marks an event missing a required field.
	ErrMalformedMessage = errors.New("syncengine: malformed message")
	// ErrSelfSend rejects a compose addressed to the sender.
	ErrSelfSend = errors.New("syncengine: cannot send a message to yourself")
	// ErrEmptyContent rejects a compose without text.
	ErrEmptyContent = errors.New("syncengine: message content is empty")
	// ErrSendRejected is returned by transports when the store refuses a message.
	ErrSendRejected = errors.New("syncengine: send rejected by store")
	// ErrNoTransport means no channel could carry a send right now.
	ErrNoTransport = errors.New("syncengine: no transport available")
	// ErrPushUnavailable means the push channel is not open.
	ErrPushUnavailable = errors.New("syncengine: push channel not open")
	// ErrSessionClosed is returned by calls made after the session stopped.
	ErrSessionClosed = errors.New("syncengine: session closed")
	// ErrUnknownMessage is returned by Retry for a client id the session does not hold.
	ErrUnknownMessage = errors.New("syncengine: unknown provisional message")
	// ErrNotFailed is returned by Retry for a message that has not failed.
	ErrNotFailed = errors.New("syncengine: message is not in failed state")
)
