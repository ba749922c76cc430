package models

import "time"

// Platform identifies the messaging platform a bot is bound to.
type Platform string

const (
	PlatformTelegram  Platform = "telegram"
	PlatformInstagram Platform = "instagram"
	PlatformWhatsApp  Platform = "whatsapp"
)

// BotStatus is written back by the runtime registry after each start/stop outcome.
type BotStatus string

const (
	BotStatusPending  BotStatus = "pending"
	BotStatusActive   BotStatus = "active"
	BotStatusInactive BotStatus = "inactive"
)

// DefaultSystemPrompt is used when a bot record carries no prompt of its own.
const DefaultSystemPrompt = "You are a helpful assistant."

// Bot is a tenant-owned conversational agent bound to one messaging platform.
type Bot struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Name         string     `json:"name"`
	Platform     Platform   `json:"platform"`
	Status       BotStatus  `json:"status"`
	Credentials  string     `json:"-"`
	SystemPrompt string     `json:"system_prompt"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// Prompt returns the bot's system prompt, falling back to DefaultSystemPrompt.
func (b Bot) Prompt() string {
	if b.SystemPrompt == "" {
		return DefaultSystemPrompt
	}
	return b.SystemPrompt
}
