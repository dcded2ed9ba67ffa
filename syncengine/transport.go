package syncengine

import (
	"context"

	"dmsync/models"
)

// PushStream is one registered push connection. Messages is closed when the
// stream ends; Err then reports why.
type PushStream interface {
	Messages() <-chan models.Message
	Send(ctx context.Context, message models.Message) (models.Message, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// PushDialer opens a push stream. Open returns only after the relay has
// acknowledged the identity registration.
type PushDialer interface {
	Open(ctx context.Context) (PushStream, error)
}

// PollResult is one page of a cursor poll.
type PollResult struct {
	Messages []models.Message
	// Cursor is the position to resume from.
	Cursor int64
	// More reports that another page is immediately available.
	More bool
}

// Poller reads messages visible to the session user after cursor.
type Poller interface {
	PollSince(ctx context.Context, cursor int64) (PollResult, error)
}

// ChangeSubscriber streams store change notifications for one user. The
// message channel is closed when the subscription ends; the error channel
// carries events that could not be decoded.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context, userID string) (<-chan models.Message, <-chan error, error)
}

// ReadMarker marks a partner's messages read in the store.
type ReadMarker interface {
	MarkRead(ctx context.Context, partnerID string, upTo int64) (int64, error)
}

// Sender persists a message without the push channel. Implementations
// return an error wrapping ErrSendRejected when the store refuses it.
type Sender interface {
	Send(ctx context.Context, message models.Message) (models.Message, error)
}

// RecordVerifier checks relay signatures on confirmed records.
type RecordVerifier interface {
	VerifyMessage(message models.Message) error
}

// Fault is a dropped event reported to a FaultRecorder.
type Fault struct {
	Kind    string
	Channel models.Channel
	Message models.Message
	Err     error
}

const (
	FaultIsolation = "isolation_violation"
	FaultSignature = "signature_invalid"
	FaultMalformed = "malformed_event"
)

// FaultRecorder persists security and malformed-event faults.
type FaultRecorder interface {
	RecordFault(fault Fault) error
}

// OutboxEntry is a persisted provisional send.
type OutboxEntry struct {
	Message models.Message
	Failed  bool
	Error   string
}

// Outbox persists provisional sends across restarts.
type Outbox interface {
	Load(senderID string) ([]OutboxEntry, error)
	Save(message models.Message) error
	MarkFailed(clientID, reason string) error
	MarkPending(clientID string) error
	Remove(clientID string) error
	Expire(before int64) (int64, error)
}

// Observer receives session counters. The metrics package implements it.
type Observer interface {
	Fault(kind string, channel models.Channel)
	Duplicate(channel models.Channel)
	SendOutcome(channel models.Channel, outcome string)
	PushState(state string)
}

type nopObserver struct{}

func (nopObserver) Fault(string, models.Channel)       {}
func (nopObserver) Duplicate(models.Channel)           {}
func (nopObserver) SendOutcome(models.Channel, string) {}
func (nopObserver) PushState(string)                   {}
