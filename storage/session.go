package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"dmsync/models"
	"dmsync/syncengine"
)

// Model converts a stored row to the wire record. The store sequence doubles
// as the message id.
func (m Message) Model() models.Message {
	return models.Message{
		ID:            strconv.FormatInt(m.Seq, 10),
		ClientID:      m.ClientID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Content:       m.Content,
		CreatedAt:     m.CreatedAt,
		Seq:           m.Seq,
		DeliveryState: models.DeliverySent,
		Read:          m.IsRead,
		Signature:     m.Signature,
	}
}

// SessionOutbox persists a sync session's provisional sends.
type SessionOutbox struct {
	store *Store
}

// NewSessionOutbox wraps store.
func NewSessionOutbox(store *Store) *SessionOutbox {
	return &SessionOutbox{store: store}
}

var _ syncengine.Outbox = (*SessionOutbox)(nil)

func (o *SessionOutbox) Load(senderID string) ([]syncengine.OutboxEntry, error) {
	rows, err := o.store.GetOutboxEntries(senderID)
	if err != nil {
		return nil, err
	}
	entries := make([]syncengine.OutboxEntry, 0, len(rows))
	for _, row := range rows {
		entry := syncengine.OutboxEntry{
			Message: models.Message{
				ClientID:      row.ClientID,
				SenderID:      row.SenderID,
				ReceiverID:    row.ReceiverID,
				Content:       row.Content,
				CreatedAt:     row.CreatedAt,
				DeliveryState: models.DeliveryPending,
			},
			Failed: row.State == OutboxStateFailed,
		}
		if row.LastError != nil {
			entry.Error = *row.LastError
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (o *SessionOutbox) Save(message models.Message) error {
	return o.store.SaveOutboxEntry(OutboxEntry{
		ClientID:   message.ClientID,
		SenderID:   message.SenderID,
		ReceiverID: message.ReceiverID,
		Content:    message.Content,
		CreatedAt:  message.CreatedAt,
		State:      OutboxStatePending,
	})
}

func (o *SessionOutbox) MarkFailed(clientID, reason string) error {
	return o.store.UpdateOutboxState(clientID, OutboxStateFailed, reason)
}

func (o *SessionOutbox) MarkPending(clientID string) error {
	return o.store.UpdateOutboxState(clientID, OutboxStatePending, "")
}

func (o *SessionOutbox) Remove(clientID string) error {
	return o.store.DeleteOutboxEntry(clientID)
}

func (o *SessionOutbox) Expire(before int64) (int64, error) {
	if before <= 0 {
		return 0, nil
	}
	return o.store.PruneExpiredOutbox(before)
}

// FaultLog records dropped sync events as security events.
type FaultLog struct {
	store *Store
}

// NewFaultLog wraps store.
func NewFaultLog(store *Store) *FaultLog {
	return &FaultLog{store: store}
}

var _ syncengine.FaultRecorder = (*FaultLog)(nil)

type faultDetails struct {
	Channel    string `json:"channel"`
	MessageID  string `json:"message_id,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RecordFault stores one fault. Signature failures are critical; isolation
// violations are warnings.
func (l *FaultLog) RecordFault(fault syncengine.Fault) error {
	if fault.Kind == "" {
		return errors.New("fault kind is required")
	}
	details := faultDetails{
		Channel:    string(fault.Channel),
		MessageID:  fault.Message.ID,
		ClientID:   fault.Message.ClientID,
		ReceiverID: fault.Message.ReceiverID,
	}
	if fault.Err != nil {
		details.Error = fault.Err.Error()
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode fault details: %w", err)
	}

	severity := SecuritySeverityInfo
	switch fault.Kind {
	case syncengine.FaultSignature:
		severity = SecuritySeverityCritical
	case syncengine.FaultIsolation:
		severity = SecuritySeverityWarning
	}

	var subject *string
	if fault.Message.SenderID != "" {
		sender := fault.Message.SenderID
		subject = &sender
	}
	return l.store.LogSecurityEvent(SecurityEvent{
		EventType: fault.Kind,
		SubjectID: subject,
		Details:   string(encoded),
		Severity:  severity,
	})
}
