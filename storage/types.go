package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// OutboxStatePending marks a local send still waiting for confirmation.
	OutboxStatePending = "pending"
	// OutboxStateFailed marks a local send that needs an explicit retry.
	OutboxStateFailed = "failed"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Message is the SQLite representation of a confirmed direct message.
type Message struct {
	Seq        int64
	ClientID   string
	SenderID   string
	ReceiverID string
	Content    string
	CreatedAt  int64
	IsRead     bool
	Signature  string
}

// OutboxEntry is a locally composed message not yet confirmed by the relay.
type OutboxEntry struct {
	ClientID   string
	SenderID   string
	ReceiverID string
	Content    string
	CreatedAt  int64
	State      string
	LastError  *string
	Attempts   int
	UpdatedAt  int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID        int64
	EventType string
	SubjectID *string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	SubjectID     string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateOutboxState(state string) error {
	switch state {
	case OutboxStatePending, OutboxStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid outbox state %q", state)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
