package relay

import (
	"sync"

	"go.uber.org/zap"

	"dmsync/models"
	"dmsync/network"
)

// hub tracks registered push connections per user.
type hub struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*network.Connection
	logger *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		byUser: make(map[string]map[string]*network.Connection),
		logger: logger,
	}
}

func (h *hub) add(conn *network.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.byUser[conn.UserID()]
	if !ok {
		conns = make(map[string]*network.Connection)
		h.byUser[conn.UserID()] = conns
	}
	conns[conn.ID()] = conn
}

func (h *hub) remove(conn *network.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.byUser[conn.UserID()]
	if !ok {
		return
	}
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(h.byUser, conn.UserID())
	}
}

func (h *hub) connections(userID string) []*network.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.byUser[userID]
	out := make([]*network.Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.byUser {
		total += len(conns)
	}
	return total
}

// deliver pushes message to every connection of both participants except
// skipConnID, which already receives a send_ack carrying the record.
func (h *hub) deliver(message models.Message, skipConnID string) {
	frame := network.MessageDelivery{Type: network.TypeMessage, Message: message}
	for _, userID := range []string{message.SenderID, message.ReceiverID} {
		for _, conn := range h.connections(userID) {
			if conn.ID() == skipConnID {
				continue
			}
			if err := conn.SendMessage(frame); err != nil {
				h.logger.Debug("push delivery failed",
					zap.String("user_id", userID),
					zap.String("connection_id", conn.ID()),
					zap.Error(err),
				)
			}
		}
	}
}
