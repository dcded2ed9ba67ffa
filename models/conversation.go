package models

// Channel names the transport a message arrived over.
type Channel string

const (
	ChannelPush    Channel = "push"
	ChannelPoll    Channel = "poll"
	ChannelChanges Channel = "changes"
	ChannelLocal   Channel = "local"
)

// TransportEvent is one message observed on one channel.
type TransportEvent struct {
	Message Message `json:"message"`
	Origin  Channel `json:"origin"`
}

// ConversationSummary is the index entry for one partner.
type ConversationSummary struct {
	PartnerID       string  `json:"partner_id"`
	LastMessage     Message `json:"last_message"`
	LastMessageTime int64   `json:"last_message_time"`
	UnreadCount     int     `json:"unread_count"`
}
