package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/bot-factory/internal/models"
)

// ErrNotFound is returned when a bot, conversation or analytics row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Storage is the full persistence surface used by the runtime.
type Storage interface {
	BotStorage
	ConversationStorage
	AnalyticsStorage
	Close() error
}

// BotStorage holds bot configuration records owned by the tenant-management side.
type BotStorage interface {
	GetBot(ctx context.Context, id string) (*models.Bot, error)
	ListBots(ctx context.Context) ([]models.Bot, error)
	SaveBot(ctx context.Context, bot *models.Bot) error
	UpdateBotStatus(ctx context.Context, id string, status models.BotStatus) error
	// DeleteBot removes the bot together with its conversations, messages and analytics.
	DeleteBot(ctx context.Context, id string) error
}

type ConversationStorage interface {
	FindConversation(ctx context.Context, botID, endUserID string) (*models.Conversation, error)
	// CreateConversation returns the existing row when one already exists for (botID, endUserID).
	CreateConversation(ctx context.Context, botID, endUserID string, at time.Time) (*models.Conversation, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
	// ListRecentMessages returns at most limit messages, oldest first.
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	TouchConversation(ctx context.Context, conversationID string, at time.Time, added int) error
	// ListConversations returns the bot's conversations, restricted to endUserIDs when non-empty.
	ListConversations(ctx context.Context, botID string, endUserIDs []string) ([]models.Conversation, error)
}

type AnalyticsStorage interface {
	// ComputeDailyMetrics scans the day's messages and conversations for the bot.
	ComputeDailyMetrics(ctx context.Context, botID string, day time.Time) (models.DailyMetrics, error)
	UpsertDaily(ctx context.Context, row *models.DailyAnalytics) error
	GetDaily(ctx context.Context, botID string, day time.Time) (*models.DailyAnalytics, error)
}
