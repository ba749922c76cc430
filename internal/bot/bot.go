package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/bot-factory/internal/models"
	"github.com/xaenox/bot-factory/internal/platform"
	"github.com/xaenox/bot-factory/internal/responder"
	"github.com/xaenox/bot-factory/internal/storage"
	"go.uber.org/zap"
)

// HistoryWindow is how many stored messages are fetched as AI context.
const HistoryWindow = 20

const defaultAITimeout = 30 * time.Second

const (
	WelcomeText = "Hello! I'm your AI assistant. How can I help you today?"
	HelpText    = `Just send me a message and I'll answer it.

Available commands:
/start - Start the conversation
/help - Show this help message`
)

// Sender delivers a reply to an end user on the bot's platform.
type Sender interface {
	Send(ctx context.Context, endUserID, text string) error
}

// DailyUpdater refreshes today's analytics row for a bot.
type DailyUpdater interface {
	UpdateToday(ctx context.Context, botID string) (*models.DailyAnalytics, error)
}

// Exchange describes what happened to one inbound event.
type Exchange struct {
	Discarded    bool
	Conversation *models.Conversation
	Inbound      *models.Message
	Outbound     *models.Message
	Delivered    bool
}

// Orchestrator runs the per-event pipeline for every bot. Callers must feed
// one bot's events sequentially; different bots may call concurrently.
type Orchestrator struct {
	store     storage.ConversationStorage
	responder responder.Responder
	analytics DailyUpdater
	aiTimeout time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Orchestrator)

// WithAITimeout bounds each AI call. A timeout counts as a responder failure.
func WithAITimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.aiTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func New(store storage.ConversationStorage, r responder.Responder, analytics DailyUpdater, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		responder: r,
		analytics: analytics,
		aiTimeout: defaultAITimeout,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle runs one exchange: resolve conversation, fetch history, generate,
// deliver, persist, update analytics. Failures after delivery are logged with
// enough context for manual reconciliation and returned joined.
func (o *Orchestrator) Handle(ctx context.Context, bot models.Bot, sender Sender, ev platform.Event) (*Exchange, error) {
	text := strings.TrimSpace(ev.Text)
	if ev.EndUserID == "" || text == "" {
		o.logger.Debug("Discarding event without user or text",
			zap.String("bot_id", bot.ID),
			zap.String("end_user_id", ev.EndUserID))
		return &Exchange{Discarded: true}, nil
	}

	logger := o.logger.With(
		zap.String("bot_id", bot.ID),
		zap.String("end_user_id", ev.EndUserID),
		zap.Time("event_time", ev.ReceivedAt))

	// messages are stamped when handled, not when the platform says they were sent
	handledAt := o.now().UTC()
	conv, err := o.resolveConversation(ctx, bot.ID, ev.EndUserID, handledAt)
	if err != nil {
		logger.Error("Failed to resolve conversation", zap.Error(err))
		o.deliver(ctx, sender, ev.EndUserID, responder.ErrorReplyText, logger)
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	logger = logger.With(zap.String("conversation_id", conv.ID))
	if conv.MessageCount > 0 && !handledAt.After(conv.LastMessageAt) {
		handledAt = conv.LastMessageAt.Add(time.Microsecond)
	}

	reply, meta, err := o.compose(ctx, bot, conv, ev.Command, text, logger)
	if err != nil {
		// the poller is stopping; the generated reply is dropped
		logger.Info("Exchange abandoned", zap.Error(err))
		return &Exchange{Conversation: conv}, err
	}

	exchange := &Exchange{Conversation: conv}
	exchange.Delivered = o.deliver(ctx, sender, ev.EndUserID, reply, logger)

	// the reply may already be with the user, so accounting outlives cancellation
	persistCtx := context.WithoutCancel(ctx)
	repliedAt := o.now().UTC()
	if !repliedAt.After(handledAt) {
		repliedAt = handledAt.Add(time.Microsecond)
	}

	var errs []error
	stored := 0

	inbound := &models.Message{
		ConversationID: conv.ID,
		Content:        text,
		Direction:      models.DirectionInbound,
		CreatedAt:      handledAt,
	}
	if err := o.store.AppendMessage(persistCtx, inbound); err != nil {
		logger.Error("Failed to save inbound message", zap.Error(err), zap.String("content", text))
		errs = append(errs, fmt.Errorf("save inbound message: %w", err))
	} else {
		exchange.Inbound = inbound
		stored++
	}

	outbound := &models.Message{
		ConversationID: conv.ID,
		Content:        reply,
		Direction:      models.DirectionOutbound,
		CreatedAt:      repliedAt,
		AI:             meta,
	}
	if err := o.store.AppendMessage(persistCtx, outbound); err != nil {
		logger.Error("Failed to save reply message", zap.Error(err), zap.String("content", reply))
		errs = append(errs, fmt.Errorf("save reply message: %w", err))
	} else {
		exchange.Outbound = outbound
		stored++
	}

	if stored > 0 {
		if err := o.store.TouchConversation(persistCtx, conv.ID, repliedAt, stored); err != nil {
			logger.Error("Failed to update conversation", zap.Error(err), zap.Int("added", stored))
			errs = append(errs, fmt.Errorf("update conversation: %w", err))
		} else {
			conv.LastMessageAt = repliedAt
			conv.MessageCount += stored
		}
	}

	if _, err := o.analytics.UpdateToday(persistCtx, bot.ID); err != nil {
		logger.Error("Failed to update analytics", zap.Error(err))
		errs = append(errs, fmt.Errorf("update analytics: %w", err))
	}

	return exchange, errors.Join(errs...)
}

func (o *Orchestrator) resolveConversation(ctx context.Context, botID, endUserID string, at time.Time) (*models.Conversation, error) {
	conv, err := o.store.FindConversation(ctx, botID, endUserID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return o.store.CreateConversation(ctx, botID, endUserID, at)
}

// compose picks the reply text. Commands get fixed texts; everything else goes
// to the AI responder. A nil metadata means the reply was not AI-produced.
func (o *Orchestrator) compose(ctx context.Context, bot models.Bot, conv *models.Conversation, command, text string, logger *zap.Logger) (string, *models.AIMetadata, error) {
	switch command {
	case "start":
		return WelcomeText, nil, nil
	case "help":
		return HelpText, nil, nil
	}

	history, err := o.store.ListRecentMessages(ctx, conv.ID, HistoryWindow)
	if err != nil {
		logger.Warn("Failed to load history, answering without context", zap.Error(err))
		history = nil
	}

	aiCtx, cancel := context.WithTimeout(ctx, o.aiTimeout)
	result := o.responder.Generate(aiCtx, responder.Request{
		SystemPrompt: bot.Prompt(),
		History:      history,
		Message:      text,
	})
	cancel()

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	if !result.Succeeded {
		reply := result.Text
		if reply == "" {
			reply = responder.ErrorReplyText
		}
		logger.Warn("AI responder failed, sending fallback")
		return reply, &models.AIMetadata{Succeeded: false}, nil
	}

	return result.Text, &models.AIMetadata{
		LatencySeconds: result.LatencySeconds,
		TokensUsed:     result.TokensUsed,
		Succeeded:      true,
	}, nil
}

func (o *Orchestrator) deliver(ctx context.Context, sender Sender, endUserID, text string, logger *zap.Logger) bool {
	if err := sender.Send(ctx, endUserID, text); err != nil {
		logger.Warn("Failed to deliver reply", zap.Error(err))
		return false
	}
	return true
}
