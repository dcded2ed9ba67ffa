package syncengine

import (
	"sort"
	"time"

	"dmsync/models"
)

// Admission is the multiplexer's verdict on one transport event.
type Admission int

const (
	// Forward passes a message seen for the first time.
	Forward Admission = iota
	// Duplicate drops a message already forwarded.
	Duplicate
	// Supersede replaces a tracked provisional message with its confirmed record.
	Supersede
)

func (a Admission) String() string {
	switch a {
	case Forward:
		return "forward"
	case Duplicate:
		return "duplicate"
	case Supersede:
		return "supersede"
	default:
		return "unknown"
	}
}

// Decision is the result of Admit.
type Decision struct {
	Admission Admission
	// ClientID names the provisional message a Supersede replaces.
	ClientID string
}

// Multiplexer merges the push, poll and change channels into one stream of
// distinct messages. It is not safe for concurrent use; the session actor
// owns it.
type Multiplexer struct {
	tolerance time.Duration
	now       func() time.Time

	seen        map[string]time.Time
	provisional map[string]models.Message
	degraded    map[models.Channel]string
}

// NewMultiplexer returns a multiplexer matching provisional messages to
// confirmed records whose created-at differs by at most tolerance.
func NewMultiplexer(tolerance time.Duration) *Multiplexer {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Multiplexer{
		tolerance:   tolerance,
		now:         time.Now,
		seen:        make(map[string]time.Time),
		provisional: make(map[string]models.Message),
		degraded:    make(map[models.Channel]string),
	}
}

// Admit classifies one event. Events are judged in arrival order; nothing is
// buffered.
func (m *Multiplexer) Admit(event models.TransportEvent) Decision {
	message := event.Message

	if message.Provisional() {
		if message.ClientID == "" {
			return Decision{Admission: Forward}
		}
		if _, ok := m.provisional[message.ClientID]; ok {
			return Decision{Admission: Duplicate}
		}
		m.provisional[message.ClientID] = message
		return Decision{Admission: Forward}
	}

	if _, ok := m.seen[message.ID]; ok {
		return Decision{Admission: Duplicate}
	}
	m.seen[message.ID] = m.now()

	if clientID, ok := m.matchProvisional(message); ok {
		delete(m.provisional, clientID)
		return Decision{Admission: Supersede, ClientID: clientID}
	}
	return Decision{Admission: Forward}
}

func (m *Multiplexer) matchProvisional(confirmed models.Message) (string, bool) {
	if confirmed.ClientID != "" {
		pending, ok := m.provisional[confirmed.ClientID]
		if ok && pending.SenderID == confirmed.SenderID {
			return confirmed.ClientID, true
		}
		// A record naming another client id belongs to another send, even
		// with identical content.
		return "", false
	}

	// Fall back to the content tuple for records that lost their client id.
	var (
		bestID   string
		bestDiff int64 = -1
	)
	tolerance := m.tolerance.Milliseconds()
	for clientID, pending := range m.provisional {
		if pending.SenderID != confirmed.SenderID ||
			pending.ReceiverID != confirmed.ReceiverID ||
			pending.Content != confirmed.Content {
			continue
		}
		diff := pending.CreatedAt - confirmed.CreatedAt
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			continue
		}
		if bestDiff < 0 || diff < bestDiff || (diff == bestDiff && clientID < bestID) {
			bestID, bestDiff = clientID, diff
		}
	}
	return bestID, bestDiff >= 0
}

// Track registers a provisional message without forwarding it, e.g. one
// restored from the outbox.
func (m *Multiplexer) Track(message models.Message) {
	if message.Provisional() && message.ClientID != "" {
		m.provisional[message.ClientID] = message
	}
}

// Forget drops a tracked provisional message.
func (m *Multiplexer) Forget(clientID string) {
	delete(m.provisional, clientID)
}

// Prune forgets confirmed ids first seen before cutoff and returns how many
// were dropped.
func (m *Multiplexer) Prune(cutoff time.Time) int {
	pruned := 0
	for id, seenAt := range m.seen {
		if seenAt.Before(cutoff) {
			delete(m.seen, id)
			pruned++
		}
	}
	return pruned
}

// MarkDegraded records that a channel is failing.
func (m *Multiplexer) MarkDegraded(channel models.Channel, err error) {
	reason := "unavailable"
	if err != nil {
		reason = err.Error()
	}
	m.degraded[channel] = reason
}

// MarkHealthy clears a channel's degraded flag.
func (m *Multiplexer) MarkHealthy(channel models.Channel) {
	delete(m.degraded, channel)
}

// Degraded returns the failing channels, sorted.
func (m *Multiplexer) Degraded() []models.Channel {
	channels := make([]models.Channel, 0, len(m.degraded))
	for channel := range m.degraded {
		channels = append(channels, channel)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

// DegradedReason returns why a channel is degraded.
func (m *Multiplexer) DegradedReason(channel models.Channel) (string, bool) {
	reason, ok := m.degraded[channel]
	return reason, ok
}

// Reset forgets all dedup state.
func (m *Multiplexer) Reset() {
	m.seen = make(map[string]time.Time)
	m.provisional = make(map[string]models.Message)
	m.degraded = make(map[models.Channel]string)
}
