package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultSecurityEventPage = 100
	maxSecurityEventPage     = 1000
)

// SetSecurityEventRetention changes how long rejected sends, isolation
// violations and signature failures are kept. Non-positive values restore
// DefaultSecurityEventRetention.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent appends an event and drops everything older than the
// retention window in the same transaction.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if err := event.normalize(); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin security event tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO security_events (event_type, subject_id, details, severity, timestamp) VALUES (?, ?, ?, ?, ?)`,
		event.EventType, nullString(event.SubjectID), event.Details, event.Severity, event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}
	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := tx.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff); err != nil {
			return fmt.Errorf("prune security events: %w", err)
		}
	}
	return tx.Commit()
}

// GetSecurityEvents lists events newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	where, args, err := filter.clauses()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, event_type, subject_id, details, severity, timestamp FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.page(), max(filter.Offset, 0))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var (
			event   SecurityEvent
			subject sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.EventType, &subject, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		event.SubjectID = stringPtr(subject)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents deletes events recorded before cutoffTimestamp and
// reports how many rows went away.
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func (e *SecurityEvent) normalize() error {
	e.EventType = strings.TrimSpace(e.EventType)
	if e.EventType == "" {
		return errors.New("event_type is required")
	}
	if e.Severity == "" {
		e.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(e.Severity); err != nil {
		return err
	}
	if e.Details == "" {
		e.Details = "{}"
	} else if !json.Valid([]byte(e.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if e.Timestamp == 0 {
		e.Timestamp = nowUnixMilli()
	}
	if e.SubjectID != nil {
		if trimmed := strings.TrimSpace(*e.SubjectID); trimmed != "" {
			e.SubjectID = &trimmed
		} else {
			e.SubjectID = nil
		}
	}
	return nil
}

func (f SecurityEventFilter) clauses() ([]string, []any, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}

	if f.Severity != "" {
		if err := validateSecuritySeverity(f.Severity); err != nil {
			return nil, nil, err
		}
		add("severity = ?", f.Severity)
	}
	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.SubjectID != "" {
		add("subject_id = ?", f.SubjectID)
	}
	if f.FromTimestamp != nil {
		add("timestamp >= ?", *f.FromTimestamp)
	}
	if f.ToTimestamp != nil {
		add("timestamp <= ?", *f.ToTimestamp)
	}
	return where, args, nil
}

func (f SecurityEventFilter) page() int {
	switch {
	case f.Limit <= 0:
		return defaultSecurityEventPage
	case f.Limit > maxSecurityEventPage:
		return maxSecurityEventPage
	default:
		return f.Limit
	}
}
