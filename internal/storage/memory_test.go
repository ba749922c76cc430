package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/bot-factory/internal/models"
)

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		return NewMemoryStorage()
	})
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, s.SaveBot(ctx, &models.Bot{ID: "b1", Platform: models.PlatformTelegram}))
	conv, err := s.CreateConversation(ctx, "b1", "42", time.Now())
	require.NoError(t, err)

	meta := &models.AIMetadata{TokensUsed: 5, Succeeded: true}
	msg := &models.Message{ConversationID: conv.ID, Content: "hi", Direction: models.DirectionOutbound, AI: meta}
	require.NoError(t, s.AppendMessage(ctx, msg))
	meta.TokensUsed = 99

	conv.MessageCount = 1000
	got, err := s.FindConversation(ctx, "b1", "42")
	require.NoError(t, err)
	assert.Zero(t, got.MessageCount)

	msgs, err := s.ListRecentMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 5, msgs[0].AI.TokensUsed)
}

func TestMemoryStorage_DailyRowCount(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertDaily(ctx, &models.DailyAnalytics{BotID: "b1", Date: day.Add(time.Hour)}))
	require.NoError(t, s.UpsertDaily(ctx, &models.DailyAnalytics{BotID: "b1", Date: day.Add(20 * time.Hour)}))
	require.NoError(t, s.UpsertDaily(ctx, &models.DailyAnalytics{BotID: "b1", Date: day.Add(25 * time.Hour)}))
	assert.Equal(t, 2, s.DailyRowCount("b1"))
	assert.Zero(t, s.DailyRowCount("b2"))
}
