// Package api serves a sync session to the rendering layer over HTTP and a
// websocket change stream.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"dmsync/models"
	"dmsync/syncengine"
)

const (
	requestTimeout = 5 * time.Second
	writeTimeout   = 10 * time.Second
)

// Engine is the session surface the API exposes.
type Engine interface {
	Conversations(ctx context.Context) ([]models.ConversationSummary, error)
	MessagesWith(ctx context.Context, partnerID string) ([]models.Message, error)
	SendMessage(ctx context.Context, partnerID, content string) (*syncengine.PendingSend, error)
	Retry(ctx context.Context, clientID string) (*syncengine.PendingSend, error)
	SelectConversation(ctx context.Context, partnerID string) error
	DeselectConversation(ctx context.Context) error
	SelectedConversation(ctx context.Context) (string, error)
	Connectivity(ctx context.Context) (syncengine.Connectivity, error)
	Subscribe() (<-chan struct{}, func())
}

// Server wires an Engine to a fiber app.
type Server struct {
	engine Engine
	logger *zap.Logger
	app    *fiber.App
}

type errorBody struct {
	Error string `json:"error"`
}

type composeRequest struct {
	Content string `json:"content"`
}

// Snapshot is one websocket frame: the full conversation list and the
// selected partner.
type Snapshot struct {
	Type          string                       `json:"type"`
	Conversations []models.ConversationSummary `json:"conversations"`
	Selected      string                       `json:"selected,omitempty"`
	Connectivity  syncengine.Connectivity      `json:"connectivity"`
}

// NewServer builds the API app.
func NewServer(engine Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: engine, logger: logger}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())

	v1 := app.Group("/v1")
	v1.Get("/conversations", s.listConversations)
	v1.Get("/conversations/:partner/messages", s.listMessages)
	v1.Post("/conversations/:partner/messages", s.sendMessage)
	v1.Post("/conversations/:partner/select", s.selectConversation)
	v1.Delete("/selection", s.deselect)
	v1.Post("/outbox/:client_id/retry", s.retry)
	v1.Get("/connectivity", s.connectivity)

	v1.Use("/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	v1.Get("/events", websocket.New(s.streamEvents))

	s.app = app
	return s
}

// App returns the fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until ctx ends.
func (s *Server) Listen(ctx context.Context, address string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(address) }()
	select {
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	case err := <-errCh:
		return err
	}
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()
	conversations, err := s.engine.Conversations(ctx)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"conversations": conversations})
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()
	messages, err := s.engine.MessagesWith(ctx, c.Params("partner"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"messages": messages})
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req composeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: "invalid body"})
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()
	handle, err := s.engine.SendMessage(ctx, c.Params("partner"), req.Content)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": handle.Message})
}

func (s *Server) selectConversation(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()
	if err := s.engine.SelectConversation(ctx, c.Params("partner")); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) deselect(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()
	if err := s.engine.DeselectConversation(ctx); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) retry(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()
	handle, err := s.engine.Retry(ctx, c.Params("client_id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": handle.Message})
}

func (s *Server) connectivity(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()
	state, err := s.engine.Connectivity(ctx)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(state)
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, syncengine.ErrSelfSend),
		errors.Is(err, syncengine.ErrEmptyContent),
		errors.Is(err, syncengine.ErrMalformedMessage):
		status = fiber.StatusBadRequest
	case errors.Is(err, syncengine.ErrUnknownMessage):
		status = fiber.StatusNotFound
	case errors.Is(err, syncengine.ErrNotFailed):
		status = fiber.StatusConflict
	case errors.Is(err, syncengine.ErrSessionClosed):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = fiber.StatusGatewayTimeout
	}
	if status == fiber.StatusInternalServerError {
		s.logger.Error("api request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(errorBody{Error: err.Error()})
}

func (s *Server) snapshot(ctx context.Context) (Snapshot, error) {
	conversations, err := s.engine.Conversations(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	selected, err := s.engine.SelectedConversation(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	connectivity, err := s.engine.Connectivity(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Type: "conversations", Conversations: conversations, Selected: selected, Connectivity: connectivity}, nil
}

// streamEvents writes a snapshot on connect and after every change until the
// client goes away or the session closes.
func (s *Server) streamEvents(conn *websocket.Conn) {
	changes, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		snapshot, err := s.snapshot(ctx)
		if err != nil {
			s.logger.Debug("event snapshot failed", zap.Error(err))
			return false
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(snapshot); err != nil {
			return false
		}
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-closed:
			return
		case _, ok := <-changes:
			if !ok || !send() {
				_ = conn.Close()
				return
			}
		}
	}
}
