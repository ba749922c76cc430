package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/bot-factory/internal/models"
	"github.com/xaenox/bot-factory/internal/storage"
	"go.uber.org/zap/zaptest"
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func seedExchange(t *testing.T, store *storage.MemoryStorage, botID, endUser string, at time.Time, latency float64) {
	t.Helper()
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, botID, endUser, at)
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID, Content: "hi", Direction: models.DirectionInbound, CreatedAt: at,
	}))
	require.NoError(t, store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID, Content: "hello", Direction: models.DirectionOutbound, CreatedAt: at,
		AI: &models.AIMetadata{LatencySeconds: latency, TokensUsed: 3, Succeeded: true},
	}))
}

func TestUpdateToday_RecomputesFromStore(t *testing.T) {
	store := storage.NewMemoryStorage()
	seedExchange(t, store, "B", "42", fixedNow, 1.0)
	seedExchange(t, store, "B", "43", fixedNow.Add(time.Minute), 3.0)
	// yesterday's traffic must not be counted
	seedExchange(t, store, "B", "44", fixedNow.Add(-24*time.Hour), 9.0)
	// other bots must not be counted
	seedExchange(t, store, "C", "42", fixedNow, 7.0)

	agg := NewAggregator(store, zaptest.NewLogger(t), WithClock(func() time.Time { return fixedNow }))

	row, err := agg.UpdateToday(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, models.Day(fixedNow), row.Date)
	assert.Equal(t, 4, row.TotalMessages)
	assert.Equal(t, 2, row.UniqueUsers)
	assert.Equal(t, 2, row.NewConversations)
	assert.InDelta(t, 2.0, row.AvgResponseTime, 1e-9)

	stored, err := agg.Get(context.Background(), "B", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, row.DailyMetrics, stored.DailyMetrics)
}

func TestUpdate_ConcurrentSameDayKeepsSingleRow(t *testing.T) {
	store := storage.NewMemoryStorage()
	agg := NewAggregator(store, zaptest.NewLogger(t), WithClock(func() time.Time { return fixedNow }))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			conv, err := store.CreateConversation(ctx, "B", string(rune('a'+i)), fixedNow)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, store.AppendMessage(ctx, &models.Message{
				ConversationID: conv.ID, Content: "hi", Direction: models.DirectionInbound, CreatedAt: fixedNow,
			}))
			assert.NoError(t, store.AppendMessage(ctx, &models.Message{
				ConversationID: conv.ID, Content: "hello", Direction: models.DirectionOutbound, CreatedAt: fixedNow,
			}))
			_, err = agg.UpdateToday(ctx, "B")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// the last writer ran after every exchange was stored
	row, err := agg.UpdateToday(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, 50, row.TotalMessages)
	assert.Equal(t, 25, row.UniqueUsers)
	assert.Equal(t, 1, store.DailyRowCount("B"))
}

type failingStore struct {
	storage.AnalyticsStorage
	err error
}

func (f failingStore) ComputeDailyMetrics(context.Context, string, time.Time) (models.DailyMetrics, error) {
	return models.DailyMetrics{}, f.err
}

func TestUpdate_PropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	agg := NewAggregator(failingStore{err: boom}, zaptest.NewLogger(t))

	_, err := agg.UpdateToday(context.Background(), "B")
	require.ErrorIs(t, err, boom)
}
