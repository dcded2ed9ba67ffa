package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SaveOutboxEntry inserts or replaces one locally composed message.
func (s *Store) SaveOutboxEntry(entry OutboxEntry) error {
	if entry.ClientID == "" {
		return errors.New("client_id is required")
	}
	if entry.SenderID == "" || entry.ReceiverID == "" {
		return errors.New("sender_id and receiver_id are required")
	}
	if entry.Content == "" {
		return errors.New("content is required")
	}
	if entry.State == "" {
		entry.State = OutboxStatePending
	}
	if err := validateOutboxState(entry.State); err != nil {
		return err
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = nowUnixMilli()
	}
	if entry.UpdatedAt == 0 {
		entry.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO outbox (
			client_id,
			sender_id,
			receiver_id,
			content,
			created_at,
			state,
			last_error,
			attempts,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			state = excluded.state,
			last_error = excluded.last_error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`,
		entry.ClientID,
		entry.SenderID,
		entry.ReceiverID,
		entry.Content,
		entry.CreatedAt,
		entry.State,
		nullString(entry.LastError),
		entry.Attempts,
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save outbox entry %q: %w", entry.ClientID, err)
	}
	return nil
}

// GetOutboxEntries returns the outbox of senderID ordered by creation time.
func (s *Store) GetOutboxEntries(senderID string) ([]OutboxEntry, error) {
	if senderID == "" {
		return nil, errors.New("sender_id is required")
	}

	rows, err := s.db.Query(
		`SELECT
			client_id,
			sender_id,
			receiver_id,
			content,
			created_at,
			state,
			last_error,
			attempts,
			updated_at
		FROM outbox
		WHERE sender_id = ?
		ORDER BY created_at ASC, client_id ASC`,
		senderID,
	)
	if err != nil {
		return nil, fmt.Errorf("get outbox entries for %q: %w", senderID, err)
	}
	defer rows.Close()

	entries := make([]OutboxEntry, 0)
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return entries, nil
}

// UpdateOutboxState records a state change and bumps the attempt counter.
func (s *Store) UpdateOutboxState(clientID, state, lastError string) error {
	if clientID == "" {
		return errors.New("client_id is required")
	}
	if err := validateOutboxState(state); err != nil {
		return err
	}

	var lastErr *string
	if trimmed := strings.TrimSpace(lastError); trimmed != "" {
		lastErr = &trimmed
	}

	res, err := s.db.Exec(
		`UPDATE outbox
		SET state = ?, last_error = ?, attempts = attempts + 1, updated_at = ?
		WHERE client_id = ?`,
		state,
		nullString(lastErr),
		nowUnixMilli(),
		clientID,
	)
	if err != nil {
		return fmt.Errorf("update outbox state for %q: %w", clientID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for outbox update %q: %w", clientID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOutboxEntry removes a confirmed send. Missing rows are not an error.
func (s *Store) DeleteOutboxEntry(clientID string) error {
	if clientID == "" {
		return errors.New("client_id is required")
	}
	if _, err := s.db.Exec(`DELETE FROM outbox WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("delete outbox entry %q: %w", clientID, err)
	}
	return nil
}

// PruneExpiredOutbox marks pending entries created before cutoffTimestamp as failed.
func (s *Store) PruneExpiredOutbox(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`UPDATE outbox
		SET state = ?, last_error = ?, updated_at = ?
		WHERE state = ? AND created_at < ?`,
		OutboxStateFailed,
		"expired",
		nowUnixMilli(),
		OutboxStatePending,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune expired outbox: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune expired outbox: %w", err)
	}
	return rowsAffected, nil
}

func scanOutboxEntry(row scanner) (*OutboxEntry, error) {
	var (
		entry     OutboxEntry
		lastError sql.NullString
	)
	if err := row.Scan(
		&entry.ClientID,
		&entry.SenderID,
		&entry.ReceiverID,
		&entry.Content,
		&entry.CreatedAt,
		&entry.State,
		&lastError,
		&entry.Attempts,
		&entry.UpdatedAt,
	); err != nil {
		return nil, err
	}
	entry.LastError = stringPtr(lastError)
	return &entry, nil
}
