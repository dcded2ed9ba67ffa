package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `
			seq,
			client_id,
			sender_id,
			receiver_id,
			content,
			created_at,
			is_read,
			signature`

// SealFunc computes the signature of a freshly assigned message row.
type SealFunc func(message Message) (string, error)

// SaveMessage inserts a message keyed by (sender_id, client_id). A repeated
// client id for the same sender returns the stored row with created=false, so
// retried sends are idempotent. seal, when set, signs the row once its seq is
// known; the insert and the signature commit together.
func (s *Store) SaveMessage(message Message, seal SealFunc) (*Message, bool, error) {
	if message.ClientID == "" {
		return nil, false, errors.New("client_id is required")
	}
	if message.SenderID == "" {
		return nil, false, errors.New("sender_id is required")
	}
	if message.ReceiverID == "" {
		return nil, false, errors.New("receiver_id is required")
	}
	if message.SenderID == message.ReceiverID {
		return nil, false, errors.New("sender_id and receiver_id must differ")
	}
	if message.Content == "" {
		return nil, false, errors.New("content is required")
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin save message transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(
		`INSERT INTO messages (
			client_id,
			sender_id,
			receiver_id,
			content,
			created_at,
			is_read
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (sender_id, client_id) DO NOTHING`,
		message.ClientID,
		message.SenderID,
		message.ReceiverID,
		message.Content,
		message.CreatedAt,
		boolToInt(message.IsRead),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert message %q: %w", message.ClientID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("read rows affected for message %q: %w", message.ClientID, err)
	}
	created := rowsAffected == 1

	stored, err := scanMessage(tx.QueryRow(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE sender_id = ? AND client_id = ?`,
		message.SenderID,
		message.ClientID,
	))
	if err != nil {
		return nil, false, fmt.Errorf("load message %q: %w", message.ClientID, err)
	}

	if created && seal != nil {
		signature, err := seal(*stored)
		if err != nil {
			return nil, false, fmt.Errorf("seal message %d: %w", stored.Seq, err)
		}
		if _, err := tx.Exec(`UPDATE messages SET signature = ? WHERE seq = ?`, signature, stored.Seq); err != nil {
			return nil, false, fmt.Errorf("store signature for message %d: %w", stored.Seq, err)
		}
		stored.Signature = signature
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit message %q: %w", message.ClientID, err)
	}
	return stored, created, nil
}

// GetMessageBySeq fetches one message by its store sequence.
func (s *Store) GetMessageBySeq(seq int64) (*Message, error) {
	if seq <= 0 {
		return nil, errors.New("seq must be > 0")
	}

	message, err := scanMessage(s.db.QueryRow(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE seq = ?`,
		seq,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %d: %w", seq, err)
	}
	return message, nil
}

// MessagesSince returns every message visible to userID with seq > since,
// ordered by seq. since = 0 yields the full snapshot.
func (s *Store) MessagesSince(userID string, since int64, limit int) ([]Message, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if since < 0 {
		since = 0
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE seq > ? AND (sender_id = ? OR receiver_id = ?)
		ORDER BY seq ASC
		LIMIT ?`,
		since,
		userID,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages since %d for %q: %w", since, userID, err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetConversation returns the messages exchanged between two users ordered by
// created_at.
func (s *Store) GetConversation(userID, partnerID string, limit, offset int) ([]Message, error) {
	if userID == "" || partnerID == "" {
		return nil, errors.New("user_id and partner_id are required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, seq ASC
		LIMIT ? OFFSET ?`,
		userID,
		partnerID,
		partnerID,
		userID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation %q/%q: %w", userID, partnerID, err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// MarkRead flags every unread message from partnerID to readerID created at or
// before upTo as read. Rows already read are untouched, so repeating the call
// is harmless; the count of newly read rows is returned.
func (s *Store) MarkRead(readerID, partnerID string, upTo int64) (int64, error) {
	if readerID == "" || partnerID == "" {
		return 0, errors.New("reader_id and partner_id are required")
	}
	if upTo <= 0 {
		return 0, errors.New("up_to must be > 0")
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET is_read = 1
		WHERE receiver_id = ? AND sender_id = ? AND is_read = 0 AND created_at <= ?`,
		readerID,
		partnerID,
		upTo,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read %q from %q: %w", readerID, partnerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for mark read %q: %w", readerID, err)
	}
	return rowsAffected, nil
}

// UnreadCounts returns the number of unread inbound messages per sender.
func (s *Store) UnreadCounts(userID string) (map[string]int, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}

	rows, err := s.db.Query(
		`SELECT sender_id, COUNT(1)
		FROM messages
		WHERE receiver_id = ? AND is_read = 0
		GROUP BY sender_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("get unread counts for %q: %w", userID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			senderID string
			count    int
		)
		if err := rows.Scan(&senderID, &count); err != nil {
			return nil, fmt.Errorf("scan unread count row: %w", err)
		}
		counts[senderID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread count rows: %w", err)
	}
	return counts, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message   Message
		isRead    int
		signature sql.NullString
	)

	if err := row.Scan(
		&message.Seq,
		&message.ClientID,
		&message.SenderID,
		&message.ReceiverID,
		&message.Content,
		&message.CreatedAt,
		&isRead,
		&signature,
	); err != nil {
		return nil, err
	}

	message.IsRead = isRead == 1
	if signature.Valid {
		message.Signature = signature.String
	}
	return &message, nil
}
