package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/bot-factory/internal/models"
)

// runStorageSuite exercises the Storage contract against any backend.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	saveBot := func(t *testing.T, s Storage, id string) *models.Bot {
		t.Helper()
		b := &models.Bot{ID: id, OwnerID: "owner", Name: "Bot " + id, Platform: models.PlatformTelegram, Credentials: "tok"}
		require.NoError(t, s.SaveBot(context.Background(), b))
		return b
	}

	t.Run("bot round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := "bot-" + time.Now().Format("150405.000000")
		saveBot(t, s, id)

		got, err := s.GetBot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.BotStatusPending, got.Status)
		assert.Equal(t, "tok", got.Credentials)

		require.NoError(t, s.UpdateBotStatus(ctx, id, models.BotStatusActive))
		got, err = s.GetBot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.BotStatusActive, got.Status)
		assert.NotNil(t, got.LastActiveAt)

		_, err = s.GetBot(ctx, "missing-"+id)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateBotStatus(ctx, "missing-"+id, models.BotStatusActive), ErrNotFound)
	})

	t.Run("save bot twice updates the record", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := "resave-" + time.Now().Format("150405.000000")
		first := saveBot(t, s, id)
		require.NoError(t, s.UpdateBotStatus(ctx, id, models.BotStatusInactive))

		again := &models.Bot{
			ID:          id,
			OwnerID:     "owner",
			Name:        "Renamed",
			Platform:    models.PlatformTelegram,
			Credentials: "tok-2",
			Status:      models.BotStatusActive,
		}
		require.NoError(t, s.SaveBot(ctx, again))

		got, err := s.GetBot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.BotStatusActive, got.Status)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, "tok-2", got.Credentials)
		assert.True(t, first.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("create conversation is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := saveBot(t, s, "conv-"+time.Now().Format("150405.000000"))

		_, err := s.FindConversation(ctx, b.ID, "42")
		require.ErrorIs(t, err, ErrNotFound)

		var wg sync.WaitGroup
		ids := make([]string, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conv, err := s.CreateConversation(ctx, b.ID, "42", day.Add(time.Hour))
				if assert.NoError(t, err) {
					ids[i] = conv.ID
				}
			}(i)
		}
		wg.Wait()
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}

		convs, err := s.ListConversations(ctx, b.ID, nil)
		require.NoError(t, err)
		assert.Len(t, convs, 1)
	})

	t.Run("append then list recent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := saveBot(t, s, "msg-"+time.Now().Format("150405.000000"))
		conv, err := s.CreateConversation(ctx, b.ID, "42", day)
		require.NoError(t, err)

		for i := 0; i < 25; i++ {
			msg := &models.Message{
				ConversationID: conv.ID,
				Content:        fmt.Sprintf("m%02d", i),
				Direction:      models.DirectionInbound,
				CreatedAt:      day.Add(time.Duration(i) * time.Minute),
			}
			require.NoError(t, s.AppendMessage(ctx, msg))
		}
		last := &models.Message{
			ConversationID: conv.ID,
			Content:        "reply",
			Direction:      models.DirectionOutbound,
			CreatedAt:      day.Add(time.Hour),
			AI:             &models.AIMetadata{LatencySeconds: 1.25, TokensUsed: 40, Succeeded: true},
		}
		require.NoError(t, s.AppendMessage(ctx, last))
		require.NotEmpty(t, last.ID)

		recent, err := s.ListRecentMessages(ctx, conv.ID, 20)
		require.NoError(t, err)
		require.Len(t, recent, 20)
		assert.Equal(t, "m06", recent[0].Content)
		got := recent[len(recent)-1]
		assert.Equal(t, last.ID, got.ID)
		assert.Equal(t, "reply", got.Content)
		assert.Equal(t, models.DirectionOutbound, got.Direction)
		assert.True(t, last.CreatedAt.Equal(got.CreatedAt))
		require.NotNil(t, got.AI)
		assert.Equal(t, *last.AI, *got.AI)

		err = s.AppendMessage(ctx, &models.Message{ConversationID: "00000000-0000-0000-0000-000000000000", Content: "x", Direction: models.DirectionInbound})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("touch conversation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := saveBot(t, s, "touch-"+time.Now().Format("150405.000000"))
		conv, err := s.CreateConversation(ctx, b.ID, "42", day)
		require.NoError(t, err)

		at := day.Add(3 * time.Hour)
		require.NoError(t, s.TouchConversation(ctx, conv.ID, at, 2))
		require.NoError(t, s.TouchConversation(ctx, conv.ID, at, 2))

		got, err := s.FindConversation(ctx, b.ID, "42")
		require.NoError(t, err)
		assert.Equal(t, 4, got.MessageCount)
		assert.True(t, at.Equal(got.LastMessageAt))
	})

	t.Run("list conversations by targets", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := saveBot(t, s, "list-"+time.Now().Format("150405.000000"))
		for _, user := range []string{"u1", "u2", "u3"} {
			_, err := s.CreateConversation(ctx, b.ID, user, day)
			require.NoError(t, err)
		}

		all, err := s.ListConversations(ctx, b.ID, nil)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		some, err := s.ListConversations(ctx, b.ID, []string{"u3", "ghost"})
		require.NoError(t, err)
		require.Len(t, some, 1)
		assert.Equal(t, "u3", some[0].EndUserID)
	})

	t.Run("daily metrics and upsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := saveBot(t, s, "stats-"+time.Now().Format("150405.000000"))

		c1, err := s.CreateConversation(ctx, b.ID, "u1", day.Add(time.Hour))
		require.NoError(t, err)
		c2, err := s.CreateConversation(ctx, b.ID, "u2", day.Add(-time.Hour))
		require.NoError(t, err)

		add := func(convID string, dir models.Direction, at time.Time, ai *models.AIMetadata) {
			require.NoError(t, s.AppendMessage(ctx, &models.Message{ConversationID: convID, Content: "x", Direction: dir, CreatedAt: at, AI: ai}))
		}
		add(c1.ID, models.DirectionInbound, day.Add(time.Hour), nil)
		add(c1.ID, models.DirectionOutbound, day.Add(time.Hour+time.Second), &models.AIMetadata{LatencySeconds: 2, Succeeded: true})
		add(c2.ID, models.DirectionInbound, day.Add(2*time.Hour), nil)
		add(c2.ID, models.DirectionOutbound, day.Add(2*time.Hour+time.Second), &models.AIMetadata{LatencySeconds: 4, Succeeded: true})
		// previous day, excluded
		add(c2.ID, models.DirectionInbound, day.Add(-time.Hour), nil)

		metrics, err := s.ComputeDailyMetrics(ctx, b.ID, day.Add(15*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 4, metrics.TotalMessages)
		assert.Equal(t, 2, metrics.UniqueUsers)
		assert.Equal(t, 1, metrics.NewConversations)
		assert.InDelta(t, 3.0, metrics.AvgResponseTime, 1e-9)

		row := &models.DailyAnalytics{BotID: b.ID, Date: day, DailyMetrics: metrics}
		require.NoError(t, s.UpsertDaily(ctx, row))
		row.TotalMessages = 10
		require.NoError(t, s.UpsertDaily(ctx, row))

		got, err := s.GetDaily(ctx, b.ID, day.Add(5*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 10, got.TotalMessages)
		assert.Equal(t, 2, got.UniqueUsers)

		_, err = s.GetDaily(ctx, b.ID, day.Add(24*time.Hour))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete bot cascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := saveBot(t, s, "del-"+time.Now().Format("150405.000000"))
		conv, err := s.CreateConversation(ctx, b.ID, "u1", day)
		require.NoError(t, err)
		require.NoError(t, s.AppendMessage(ctx, &models.Message{ConversationID: conv.ID, Content: "x", Direction: models.DirectionInbound, CreatedAt: day}))
		require.NoError(t, s.UpsertDaily(ctx, &models.DailyAnalytics{BotID: b.ID, Date: day}))

		require.NoError(t, s.DeleteBot(ctx, b.ID))

		_, err = s.GetBot(ctx, b.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindConversation(ctx, b.ID, "u1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetDaily(ctx, b.ID, day)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteBot(ctx, b.ID), ErrNotFound)
	})
}
