package syncengine

import (
	"fmt"
	"sort"

	"dmsync/models"
)

// IngestResult describes the effect of one Ingest or Supersede call.
type IngestResult struct {
	PartnerID string
	// Changed reports whether any visible state changed.
	Changed bool
	// AutoRead reports an inbound message marked read because its
	// conversation is selected; the store still needs a mark-read.
	AutoRead bool
}

type conversation struct {
	partnerID string
	messages  map[string]*models.Message
	lastKey   string
	lastAt    int64 // created-at of lastKey
	lastTime  int64 // never decreases
	unread    int
}

// Index is the per-session conversation index. It is a cache rebuilt from
// the store; it is not safe for concurrent use.
type Index struct {
	self          string
	guard         Guard
	conversations map[string]*conversation
	// provisional maps a client id to its partner.
	provisional map[string]string
	selected    string
}

// NewIndex returns an empty index for the session user.
func NewIndex(self string) *Index {
	return &Index{
		self:          self,
		guard:         Guard{Self: self},
		conversations: make(map[string]*conversation),
		provisional:   make(map[string]string),
	}
}

func messageKey(message models.Message) string {
	if message.ID != "" {
		return "id:" + message.ID
	}
	return "local:" + message.ClientID
}

func validateMessage(message models.Message) error {
	switch {
	case message.SenderID == "":
		return fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	case message.ReceiverID == "":
		return fmt.Errorf("%w: missing receiver", ErrMalformedMessage)
	case message.SenderID == message.ReceiverID:
		return fmt.Errorf("%w: sender equals receiver", ErrMalformedMessage)
	case message.CreatedAt <= 0:
		return fmt.Errorf("%w: missing created_at", ErrMalformedMessage)
	case message.ID == "" && message.ClientID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	return nil
}

func (x *Index) conversationFor(partnerID string) *conversation {
	conv, ok := x.conversations[partnerID]
	if !ok {
		conv = &conversation{
			partnerID: partnerID,
			messages:  make(map[string]*models.Message),
		}
		x.conversations[partnerID] = conv
	}
	return conv
}

// Ingest adds or merges one message. Re-ingesting a known message only
// merges its read flag, so ingest is idempotent. Malformed messages and
// messages not involving the session user leave the index untouched.
func (x *Index) Ingest(message models.Message) (IngestResult, error) {
	if err := validateMessage(message); err != nil {
		return IngestResult{}, err
	}
	if err := x.guard.Check(message); err != nil {
		return IngestResult{}, err
	}

	partnerID := message.PartnerOf(x.self)
	result := IngestResult{PartnerID: partnerID}
	conv := x.conversationFor(partnerID)
	key := messageKey(message)

	if existing, ok := conv.messages[key]; ok {
		if message.Read && !existing.Read {
			existing.Read = true
			if existing.Inbound(x.self) {
				conv.unread--
			}
			result.Changed = true
		}
		if deliveryRank(message.DeliveryState) > deliveryRank(existing.DeliveryState) {
			existing.DeliveryState = message.DeliveryState
			existing.Error = message.Error
			if existing.DeliveryState == models.DeliverySent {
				existing.Error = ""
			}
			result.Changed = true
		}
		return result, nil
	}

	stored := message
	if stored.DeliveryState == "" {
		if stored.Provisional() {
			stored.DeliveryState = models.DeliveryPending
		} else {
			stored.DeliveryState = models.DeliverySent
		}
	}
	if stored.Provisional() {
		x.provisional[stored.ClientID] = partnerID
	}

	if stored.Inbound(x.self) && !stored.Read {
		if x.selected == partnerID {
			stored.Read = true
			result.AutoRead = true
		} else {
			conv.unread++
		}
	}

	conv.messages[key] = &stored
	conv.advance(key, stored.CreatedAt)
	result.Changed = true
	return result, nil
}

// advance makes key the last message unless a newer one is already last.
func (c *conversation) advance(key string, createdAt int64) {
	if c.lastKey == "" || createdAt >= c.lastAt {
		c.lastKey = key
		c.lastAt = createdAt
	}
	if createdAt > c.lastTime {
		c.lastTime = createdAt
	}
}

// repickLast points lastKey at the newest stored message.
func (c *conversation) repickLast() {
	c.lastKey, c.lastAt = "", 0
	var newest *models.Message
	for _, message := range c.messages {
		if newest == nil || chronologicalLess(*newest, *message) {
			newest = message
		}
	}
	if newest != nil {
		c.lastKey = messageKey(*newest)
		c.lastAt = newest.CreatedAt
		if newest.CreatedAt > c.lastTime {
			c.lastTime = newest.CreatedAt
		}
	}
}

// deliveryRank orders delivery states so merges only move forward.
func deliveryRank(state models.DeliveryState) int {
	switch state {
	case models.DeliveryPending:
		return 1
	case models.DeliveryFailed:
		return 2
	case models.DeliverySent:
		return 3
	default:
		return 0
	}
}

// Supersede replaces the provisional message clientID with its confirmed
// record, keeping a single entry. Unknown client ids fall back to Ingest.
func (x *Index) Supersede(clientID string, confirmed models.Message) (IngestResult, error) {
	partnerID, ok := x.provisional[clientID]
	if !ok {
		return x.Ingest(confirmed)
	}
	if err := validateMessage(confirmed); err != nil {
		return IngestResult{}, err
	}
	if err := x.guard.Check(confirmed); err != nil {
		return IngestResult{}, err
	}
	if confirmed.Provisional() || confirmed.PartnerOf(x.self) != partnerID {
		return IngestResult{}, fmt.Errorf("%w: confirmation does not match provisional %s", ErrMalformedMessage, clientID)
	}

	conv := x.conversationFor(partnerID)
	localKey := "local:" + clientID
	delete(x.provisional, clientID)
	delete(conv.messages, localKey)

	stored := confirmed
	stored.DeliveryState = models.DeliverySent
	stored.Error = ""
	key := messageKey(stored)
	if _, exists := conv.messages[key]; !exists {
		conv.messages[key] = &stored
	}

	if conv.lastKey == localKey {
		conv.repickLast()
	} else {
		conv.advance(key, stored.CreatedAt)
	}
	return IngestResult{PartnerID: partnerID, Changed: true}, nil
}

// MarkFailed moves a provisional message to failed and records reason.
func (x *Index) MarkFailed(clientID, reason string) bool {
	return x.setProvisionalState(clientID, models.DeliveryFailed, reason)
}

// MarkPending moves a failed provisional message back to pending.
func (x *Index) MarkPending(clientID string) bool {
	return x.setProvisionalState(clientID, models.DeliveryPending, "")
}

func (x *Index) setProvisionalState(clientID string, state models.DeliveryState, reason string) bool {
	message, ok := x.provisionalMessage(clientID)
	if !ok {
		return false
	}
	if message.DeliveryState == state && message.Error == reason {
		return false
	}
	message.DeliveryState = state
	message.Error = reason
	return true
}

func (x *Index) provisionalMessage(clientID string) (*models.Message, bool) {
	partnerID, ok := x.provisional[clientID]
	if !ok {
		return nil, false
	}
	conv, ok := x.conversations[partnerID]
	if !ok {
		return nil, false
	}
	message, ok := conv.messages["local:"+clientID]
	return message, ok
}

// Provisional returns a copy of an unconfirmed message.
func (x *Index) Provisional(clientID string) (models.Message, bool) {
	message, ok := x.provisionalMessage(clientID)
	if !ok {
		return models.Message{}, false
	}
	return *message, true
}

// Provisionals returns every unconfirmed message in state, oldest first.
func (x *Index) Provisionals(state models.DeliveryState) []models.Message {
	var messages []models.Message
	for clientID := range x.provisional {
		message, ok := x.provisionalMessage(clientID)
		if ok && message.DeliveryState == state {
			messages = append(messages, *message)
		}
	}
	sortChronological(messages)
	return messages
}

// Select makes partnerID the active conversation, marks its unread inbound
// messages read and returns them. Selecting the active conversation again
// returns nil.
func (x *Index) Select(partnerID string) []models.Message {
	if partnerID == "" || x.selected == partnerID {
		return nil
	}
	x.selected = partnerID

	conv, ok := x.conversations[partnerID]
	if !ok {
		return nil
	}

	var marked []models.Message
	for _, message := range conv.messages {
		if message.Inbound(x.self) && !message.Read {
			message.Read = true
			marked = append(marked, *message)
		}
	}
	conv.unread = 0
	sortChronological(marked)
	return marked
}

// Deselect clears the active conversation.
func (x *Index) Deselect() {
	x.selected = ""
}

// Selected returns the active conversation partner, if any.
func (x *Index) Selected() string {
	return x.selected
}

// Summary returns one conversation summary.
func (x *Index) Summary(partnerID string) (models.ConversationSummary, bool) {
	conv, ok := x.conversations[partnerID]
	if !ok {
		return models.ConversationSummary{}, false
	}
	return conv.summary(), true
}

func (c *conversation) summary() models.ConversationSummary {
	summary := models.ConversationSummary{
		PartnerID:       c.partnerID,
		LastMessageTime: c.lastTime,
		UnreadCount:     c.unread,
	}
	if last, ok := c.messages[c.lastKey]; ok {
		summary.LastMessage = *last
	}
	return summary
}

// Conversations returns every summary, most recent first, ties broken by
// partner id.
func (x *Index) Conversations() []models.ConversationSummary {
	summaries := make([]models.ConversationSummary, 0, len(x.conversations))
	for _, conv := range x.conversations {
		summaries = append(summaries, conv.summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].LastMessageTime != summaries[j].LastMessageTime {
			return summaries[i].LastMessageTime > summaries[j].LastMessageTime
		}
		return summaries[i].PartnerID < summaries[j].PartnerID
	})
	return summaries
}

// MessagesWith returns the conversation with partnerID in chronological order.
func (x *Index) MessagesWith(partnerID string) []models.Message {
	conv, ok := x.conversations[partnerID]
	if !ok {
		return []models.Message{}
	}
	messages := make([]models.Message, 0, len(conv.messages))
	for _, message := range conv.messages {
		messages = append(messages, *message)
	}
	sortChronological(messages)
	return messages
}

// Reset drops every conversation and the selection.
func (x *Index) Reset() {
	x.conversations = make(map[string]*conversation)
	x.provisional = make(map[string]string)
	x.selected = ""
}

func sortChronological(messages []models.Message) {
	sort.Slice(messages, func(i, j int) bool {
		return chronologicalLess(messages[i], messages[j])
	})
}

func chronologicalLess(a, b models.Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	// Confirmed before provisional, then by store order.
	if a.Provisional() != b.Provisional() {
		return !a.Provisional()
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return messageKey(a) < messageKey(b)
}
