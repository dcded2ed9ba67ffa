package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"dmsync/transport"
)

const localUserID = "user_id"

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// NewApp builds the relay HTTP app. metricsHandler may be nil.
func NewApp(service *Service, authenticator Authenticator, metricsHandler http.Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             MaxContentBytes * 4,
		ErrorHandler:          errorHandler(service.logger),
	})
	app.Use(recover.New())

	app.Get("/v1/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "connections": service.hub.count()})
	})
	if metricsHandler != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metricsHandler))
	}

	h := &handlers{service: service}
	api := app.Group("/v1", bearerAuth(authenticator))
	api.Get("/messages", h.poll)
	api.Post("/messages", h.send)
	api.Post("/conversations/:partner/read", h.markRead)

	return app
}

func bearerAuth(authenticator Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return writeError(c, fiber.StatusUnauthorized, "unauthorized", "missing bearer token")
		}
		userID, err := authenticator.Authenticate(parts[1])
		if err != nil {
			return writeError(c, fiber.StatusUnauthorized, "unauthorized", "invalid token")
		}
		c.Locals(localUserID, userID)
		return c.Next()
	}
}

type handlers struct {
	service *Service
}

func (h *handlers) poll(c *fiber.Ctx) error {
	cursor, err := parseCursor(c.Query("since"))
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	page, err := h.service.Poll(userOf(c), cursor, c.QueryInt("limit", DefaultPageSize))
	if err != nil {
		return err
	}
	return c.JSON(transport.MessagesPage{Messages: page.Messages, Cursor: page.Cursor, More: page.More})
}

func (h *handlers) send(c *fiber.Ctx) error {
	var req transport.SendRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	message, err := h.service.Accept(c.UserContext(), userOf(c), SendInput{
		ClientID:   req.ClientID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
	})
	if errors.Is(err, ErrRejected) {
		return writeError(c, fiber.StatusUnprocessableEntity, "rejected", err.Error())
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(transport.SendResponse{Message: message})
}

func (h *handlers) markRead(c *fiber.Ctx) error {
	partner := c.Params("partner")
	if err := validate.Var(partner, fmt.Sprintf("required,max=%d", maxIdentifierLen)); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("partner must be 1 to %d characters", maxIdentifierLen))
	}
	var req transport.ReadRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	updated, err := h.service.MarkRead(userOf(c), partner, req.UpTo)
	if err != nil {
		return err
	}
	return c.JSON(transport.ReadResponse{Updated: updated})
}

func userOf(c *fiber.Ctx) string {
	userID, _ := c.Locals(localUserID).(string)
	return userID
}

func writeError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(transport.ErrorResponse{Error: message, Code: code})
}

func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code := ""
			if fiberErr.Code == fiber.StatusBadRequest {
				code = "bad_request"
			}
			return writeError(c, fiberErr.Code, code, fiberErr.Message)
		}
		logger.Error("relay request failed", zap.String("path", c.Path()), zap.Error(err))
		return writeError(c, fiber.StatusInternalServerError, "internal", "internal error")
	}
}
