package models

// DeliveryState tracks the local lifecycle of a message.
type DeliveryState string

const (
	// DeliveryPending is a provisional message not yet confirmed by the store.
	DeliveryPending DeliveryState = "pending"
	// DeliverySent is a message the store has confirmed.
	DeliverySent DeliveryState = "sent"
	// DeliveryFailed is a provisional message the store rejected or that expired.
	DeliveryFailed DeliveryState = "failed"
)

// Message is a direct message between exactly two users.
type Message struct {
	// ID is the store-assigned id; empty for provisional messages.
	ID string `json:"id,omitempty"`
	// ClientID is the sender-assigned provisional id, echoed on the confirmed record.
	ClientID      string        `json:"client_id,omitempty"`
	SenderID      string        `json:"sender_id"`
	ReceiverID    string        `json:"receiver_id"`
	Content       string        `json:"content"`
	CreatedAt     int64         `json:"created_at"`
	Seq           int64         `json:"seq,omitempty"`
	DeliveryState DeliveryState `json:"delivery_state,omitempty"`
	Read          bool          `json:"read"`
	Signature     string        `json:"signature,omitempty"`
	// Error holds the last send failure of a failed provisional message.
	Error string `json:"error,omitempty"`
}

// Provisional reports whether the message has no store id yet.
func (m Message) Provisional() bool {
	return m.ID == ""
}

// Involves reports whether userID is one of the two participants.
func (m Message) Involves(userID string) bool {
	return userID != "" && (m.SenderID == userID || m.ReceiverID == userID)
}

// PartnerOf returns the participant other than self.
func (m Message) PartnerOf(self string) string {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Inbound reports whether the message was addressed to self.
func (m Message) Inbound(self string) bool {
	return m.ReceiverID == self && m.SenderID != self
}

// SignedFields returns the message with local-only fields cleared. It is the
// canonical form covered by the relay signature.
func (m Message) SignedFields() Message {
	return Message{
		ID:         m.ID,
		ClientID:   m.ClientID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
		Seq:        m.Seq,
	}
}
