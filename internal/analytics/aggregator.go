package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/xaenox/bot-factory/internal/keymutex"
	"github.com/xaenox/bot-factory/internal/models"
	"github.com/xaenox/bot-factory/internal/storage"
	"go.uber.org/zap"
)

type dayKey struct {
	botID string
	day   string
}

// Aggregator recomputes a bot's daily rollup from the stored data after each
// exchange. Each update costs one scan of the day's messages.
type Aggregator struct {
	store  storage.AnalyticsStorage
	locks  *keymutex.Mutex[dayKey]
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Aggregator)

// WithClock overrides the time source used to pick "today".
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

func NewAggregator(store storage.AnalyticsStorage, logger *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		locks:  keymutex.New[dayKey](),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// UpdateToday refreshes today's row for the bot.
func (a *Aggregator) UpdateToday(ctx context.Context, botID string) (*models.DailyAnalytics, error) {
	return a.Update(ctx, botID, a.now())
}

// Update recomputes and upserts the row for (botID, day). Concurrent calls for
// the same pair are serialized so the read-modify-write cannot interleave.
func (a *Aggregator) Update(ctx context.Context, botID string, day time.Time) (*models.DailyAnalytics, error) {
	day = models.Day(day)
	unlock := a.locks.Lock(dayKey{botID: botID, day: day.Format("2006-01-02")})
	defer unlock()

	metrics, err := a.store.ComputeDailyMetrics(ctx, botID, day)
	if err != nil {
		return nil, fmt.Errorf("analytics: compute %s: %w", botID, err)
	}

	row := &models.DailyAnalytics{
		BotID:        botID,
		Date:         day,
		DailyMetrics: metrics,
		UpdatedAt:    a.now().UTC(),
	}
	if err := a.store.UpsertDaily(ctx, row); err != nil {
		return nil, fmt.Errorf("analytics: upsert %s: %w", botID, err)
	}

	a.logger.Debug("Daily analytics updated",
		zap.String("bot_id", botID),
		zap.Time("date", day),
		zap.Int("total_messages", metrics.TotalMessages),
		zap.Int("unique_users", metrics.UniqueUsers),
		zap.Int("new_conversations", metrics.NewConversations),
		zap.Float64("avg_response_time", metrics.AvgResponseTime))
	return row, nil
}

// Get returns the stored row for (botID, day).
func (a *Aggregator) Get(ctx context.Context, botID string, day time.Time) (*models.DailyAnalytics, error) {
	return a.store.GetDaily(ctx, botID, day)
}
