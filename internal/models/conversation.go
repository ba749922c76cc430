package models

import "time"

// Direction tells who authored a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // from the end user
	DirectionOutbound Direction = "outbound" // from the bot
)

// Conversation is the message history between one bot and one end user.
type Conversation struct {
	ID            string    `json:"id"`
	BotID         string    `json:"bot_id"`
	EndUserID     string    `json:"end_user_id"`
	StartedAt     time.Time `json:"started_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
}

// AIMetadata is recorded once, at creation, on replies produced by the AI responder.
// TokensUsed is a length-based estimate.
type AIMetadata struct {
	LatencySeconds float64 `json:"latency_seconds"`
	TokensUsed     int     `json:"tokens_used"`
	Succeeded      bool    `json:"succeeded"`
}

// Message is immutable once written.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content"`
	Direction      Direction   `json:"direction"`
	CreatedAt      time.Time   `json:"created_at"`
	AI             *AIMetadata `json:"ai,omitempty"`
}

// FromUser reports whether the end user wrote the message.
func (m Message) FromUser() bool {
	return m.Direction == DirectionInbound
}
