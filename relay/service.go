// Package relay is the store side of the sync protocol: it persists and signs
// messages, fans them out over push connections and the change feed, and
// serves poll, send and mark-read over HTTP.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"dmsync/changefeed"
	"dmsync/crypto"
	"dmsync/metrics"
	"dmsync/models"
	"dmsync/network"
	"dmsync/storage"
)

const (
	// MaxContentBytes bounds one message body.
	MaxContentBytes = 16 * 1024
	// DefaultPageSize is the poll page size when the client sends none.
	DefaultPageSize = 200
	// MaxPageSize caps the poll page size.
	MaxPageSize = 1000
)

// ErrRejected marks a send the relay refuses to persist.
var ErrRejected = errors.New("relay: send rejected")

// PresenceTracker records which users hold push connections.
type PresenceTracker interface {
	Connected(ctx context.Context, userID, connectionID string) error
	Disconnected(ctx context.Context, userID, connectionID string) error
}

// Options wires a Service.
type Options struct {
	Store    *storage.Store
	Signer   *crypto.RecordSigner
	Feed     changefeed.Publisher
	Presence PresenceTracker
	Metrics  *metrics.Relay
	Logger   *zap.Logger
	Now      func() time.Time
}

// Service implements the relay's message operations.
type Service struct {
	store    *storage.Store
	signer   *crypto.RecordSigner
	feed     changefeed.Publisher
	presence PresenceTracker
	metrics  *metrics.Relay
	logger   *zap.Logger
	now      func() time.Time
	hub      *hub
}

// SendInput is one send request from an authenticated user.
type SendInput struct {
	ClientID   string
	ReceiverID string
	Content    string
}

// Page is one poll response.
type Page struct {
	Messages []models.Message
	Cursor   int64
	More     bool
}

// NewService validates options and builds a Service.
func NewService(options Options) (*Service, error) {
	if options.Store == nil {
		return nil, errors.New("relay store is required")
	}
	if options.Feed == nil {
		options.Feed = changefeed.Nop{}
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Service{
		store:    options.Store,
		signer:   options.Signer,
		feed:     options.Feed,
		presence: options.Presence,
		metrics:  options.Metrics,
		logger:   options.Logger,
		now:      options.Now,
		hub:      newHub(options.Logger),
	}, nil
}

// Accept persists one message from senderID and fans it out. A repeated
// client id returns the stored record without a second fan-out.
func (s *Service) Accept(ctx context.Context, senderID string, input SendInput) (models.Message, error) {
	return s.accept(ctx, senderID, input, "")
}

func (s *Service) accept(ctx context.Context, senderID string, input SendInput, viaConnID string) (models.Message, error) {
	if err := validateSend(senderID, input); err != nil {
		s.rejected(senderID, input, err)
		return models.Message{}, err
	}

	stored, created, err := s.store.SaveMessage(storage.Message{
		ClientID:   input.ClientID,
		SenderID:   senderID,
		ReceiverID: input.ReceiverID,
		Content:    input.Content,
		CreatedAt:  s.now().UnixMilli(),
	}, s.seal)
	if err != nil {
		return models.Message{}, fmt.Errorf("persist message: %w", err)
	}

	message := stored.Model()
	if !created {
		return message, nil
	}

	if s.metrics != nil {
		s.metrics.Accepted.Inc()
	}
	s.hub.deliver(message, viaConnID)
	if err := s.feed.Publish(ctx, message); err != nil {
		if s.metrics != nil {
			s.metrics.FeedFailures.Inc()
		}
		s.logger.Warn("change feed publish failed", zap.String("message_id", message.ID), zap.Error(err))
	}
	s.logger.Debug("message accepted",
		zap.String("message_id", message.ID),
		zap.String("sender_id", senderID),
		zap.String("receiver_id", input.ReceiverID),
	)
	return message, nil
}

func (s *Service) seal(row storage.Message) (string, error) {
	if s.signer == nil {
		return "", nil
	}
	return s.signer.SignMessage(row.Model())
}

func validateSend(senderID string, input SendInput) error {
	switch {
	case strings.TrimSpace(senderID) == "":
		return fmt.Errorf("%w: sender is required", ErrRejected)
	case strings.TrimSpace(input.ClientID) == "":
		return fmt.Errorf("%w: client_id is required", ErrRejected)
	case strings.TrimSpace(input.ReceiverID) == "":
		return fmt.Errorf("%w: receiver_id is required", ErrRejected)
	case input.ReceiverID == senderID:
		return fmt.Errorf("%w: cannot send to self", ErrRejected)
	case strings.TrimSpace(input.Content) == "":
		return fmt.Errorf("%w: content is empty", ErrRejected)
	case len(input.Content) > MaxContentBytes:
		return fmt.Errorf("%w: content exceeds %d bytes", ErrRejected, MaxContentBytes)
	case !utf8.ValidString(input.Content):
		return fmt.Errorf("%w: content is not valid UTF-8", ErrRejected)
	}
	return nil
}

func (s *Service) rejected(senderID string, input SendInput, cause error) {
	reason := strings.TrimPrefix(cause.Error(), ErrRejected.Error()+": ")
	if s.metrics != nil {
		s.metrics.Rejected.WithLabelValues(reason).Inc()
	}
	s.securityEvent("send_rejected", senderID, storage.SecuritySeverityInfo, map[string]any{
		"client_id":   input.ClientID,
		"receiver_id": input.ReceiverID,
		"reason":      reason,
	})
}

// Poll returns messages visible to userID after cursor, ordered by seq.
func (s *Service) Poll(userID string, cursor int64, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	rows, err := s.store.MessagesSince(userID, cursor, limit)
	if err != nil {
		return Page{}, err
	}
	if s.metrics != nil {
		s.metrics.Polls.Inc()
	}

	page := Page{Messages: make([]models.Message, 0, len(rows)), Cursor: cursor, More: len(rows) == limit}
	for _, row := range rows {
		page.Messages = append(page.Messages, row.Model())
		if row.Seq > page.Cursor {
			page.Cursor = row.Seq
		}
	}
	return page, nil
}

// MarkRead flags partnerID's messages to readerID up to upTo as read.
func (s *Service) MarkRead(readerID, partnerID string, upTo int64) (int64, error) {
	updated, err := s.store.MarkRead(readerID, partnerID, upTo)
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.ReadsMarked.Add(float64(updated))
	}
	return updated, nil
}

// ServePush accepts registered connections from server until ctx ends.
func (s *Service) ServePush(ctx context.Context, server *network.Server) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-server.Incoming():
			if !ok {
				return
			}
			go s.servePushConnection(ctx, conn)
		}
	}
}

func (s *Service) servePushConnection(ctx context.Context, conn *network.Connection) {
	s.hub.add(conn)
	if s.metrics != nil {
		s.metrics.Connections.Set(float64(s.hub.count()))
	}
	if s.presence != nil {
		if err := s.presence.Connected(ctx, conn.UserID(), conn.ID()); err != nil {
			s.logger.Warn("presence update failed", zap.String("user_id", conn.UserID()), zap.Error(err))
		}
	}
	s.logger.Info("push connection registered", zap.String("user_id", conn.UserID()), zap.String("connection_id", conn.ID()))

	defer func() {
		s.hub.remove(conn)
		if s.metrics != nil {
			s.metrics.Connections.Set(float64(s.hub.count()))
		}
		if s.presence != nil {
			presenceCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.presence.Disconnected(presenceCtx, conn.UserID(), conn.ID()); err != nil {
				s.logger.Warn("presence update failed", zap.String("user_id", conn.UserID()), zap.Error(err))
			}
			cancel()
		}
		_ = conn.Close()
		s.logger.Info("push connection closed", zap.String("user_id", conn.UserID()), zap.String("connection_id", conn.ID()))
	}()

	for {
		payload, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		messageType, err := network.DecodeMessageType(payload)
		if err != nil {
			s.malformedFrame(conn, err)
			continue
		}
		if messageType != network.TypeSend {
			continue
		}
		send, err := network.DecodeInto[network.SendMessage](payload)
		if err != nil {
			s.malformedFrame(conn, err)
			continue
		}
		s.handlePushSend(ctx, conn, send)
	}
}

func (s *Service) handlePushSend(ctx context.Context, conn *network.Connection, send network.SendMessage) {
	message, err := s.accept(ctx, conn.UserID(), SendInput{
		ClientID:   send.ClientID,
		ReceiverID: send.ReceiverID,
		Content:    send.Content,
	}, conn.ID())
	if err != nil {
		code := network.ErrorCodeInternal
		if errors.Is(err, ErrRejected) {
			code = network.ErrorCodeRejected
		} else {
			s.logger.Error("push send failed", zap.String("user_id", conn.UserID()), zap.Error(err))
		}
		_ = conn.SendMessage(network.SendError{
			Type:     network.TypeSendError,
			ClientID: send.ClientID,
			Code:     code,
			Message:  err.Error(),
		})
		return
	}
	_ = conn.SendMessage(network.SendAck{
		Type:     network.TypeSendAck,
		ClientID: send.ClientID,
		Message:  message,
	})
}

func (s *Service) malformedFrame(conn *network.Connection, cause error) {
	s.securityEvent("malformed_frame", conn.UserID(), storage.SecuritySeverityWarning, map[string]any{
		"connection_id": conn.ID(),
		"error":         cause.Error(),
	})
	_ = conn.SendMessage(network.ErrorMessage{
		Type:      network.TypeError,
		Code:      network.ErrorCodeBadRequest,
		Message:   "malformed frame",
		Timestamp: s.now().UnixMilli(),
	})
}

// RegistrationRejected records a refused push registration.
func (s *Service) RegistrationRejected(rejection network.RejectedRegistration) {
	details := map[string]any{
		"remote_addr": rejection.RemoteAddr,
		"code":        rejection.Code,
	}
	if rejection.Err != nil {
		details["error"] = rejection.Err.Error()
	}
	s.securityEvent("registration_rejected", "", storage.SecuritySeverityWarning, details)
}

func (s *Service) securityEvent(eventType, subject, severity string, details map[string]any) {
	encoded, err := json.Marshal(details)
	if err != nil {
		encoded = []byte("{}")
	}
	event := storage.SecurityEvent{EventType: eventType, Details: string(encoded), Severity: severity}
	if subject != "" {
		event.SubjectID = &subject
	}
	if err := s.store.LogSecurityEvent(event); err != nil {
		s.logger.Warn("security event not recorded", zap.String("event_type", eventType), zap.Error(err))
	}
}

func parseCursor(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, fmt.Errorf("invalid cursor %q", raw)
	}
	return cursor, nil
}
