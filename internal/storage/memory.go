package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/bot-factory/internal/models"
)

type conversationKey struct {
	botID     string
	endUserID string
}

type dailyKey struct {
	botID string
	day   time.Time
}

// MemoryStorage keeps everything in process memory. Safe for concurrent use.
type MemoryStorage struct {
	mu            sync.RWMutex
	bots          map[string]*models.Bot
	conversations map[string]*models.Conversation
	byEndUser     map[conversationKey]string
	messages      map[string][]models.Message
	daily         map[dailyKey]*models.DailyAnalytics
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bots:          make(map[string]*models.Bot),
		conversations: make(map[string]*models.Conversation),
		byEndUser:     make(map[conversationKey]string),
		messages:      make(map[string][]models.Message),
		daily:         make(map[dailyKey]*models.DailyAnalytics),
	}
}

// Bot methods
func (s *MemoryStorage) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bot, exists := s.bots[id]
	if !exists {
		return nil, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	cp := *bot
	return &cp, nil
}

func (s *MemoryStorage) ListBots(ctx context.Context) ([]models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bots := make([]models.Bot, 0, len(s.bots))
	for _, bot := range s.bots {
		bots = append(bots, *bot)
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
	return bots, nil
}

func (s *MemoryStorage) SaveBot(ctx context.Context, bot *models.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bot.ID == "" {
		bot.ID = uuid.New().String()
	}
	if bot.Status == "" {
		bot.Status = models.BotStatusPending
	}
	if existing, ok := s.bots[bot.ID]; ok {
		bot.CreatedAt = existing.CreatedAt
	} else if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now().UTC()
	}
	cp := *bot
	s.bots[bot.ID] = &cp
	return nil
}

func (s *MemoryStorage) UpdateBotStatus(ctx context.Context, id string, status models.BotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, exists := s.bots[id]
	if !exists {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	bot.Status = status
	if status == models.BotStatusActive {
		now := time.Now().UTC()
		bot.LastActiveAt = &now
	}
	return nil
}

func (s *MemoryStorage) DeleteBot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bots[id]; !exists {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	delete(s.bots, id)
	for convID, conv := range s.conversations {
		if conv.BotID != id {
			continue
		}
		delete(s.messages, convID)
		delete(s.byEndUser, conversationKey{botID: id, endUserID: conv.EndUserID})
		delete(s.conversations, convID)
	}
	for key := range s.daily {
		if key.botID == id {
			delete(s.daily, key)
		}
	}
	return nil
}

// Conversation methods
func (s *MemoryStorage) FindConversation(ctx context.Context, botID, endUserID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byEndUser[conversationKey{botID: botID, endUserID: endUserID}]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *s.conversations[id]
	return &cp, nil
}

func (s *MemoryStorage) CreateConversation(ctx context.Context, botID, endUserID string, at time.Time) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversationKey{botID: botID, endUserID: endUserID}
	if id, exists := s.byEndUser[key]; exists {
		cp := *s.conversations[id]
		return &cp, nil
	}

	conv := &models.Conversation{
		ID:            uuid.New().String(),
		BotID:         botID,
		EndUserID:     endUserID,
		StartedAt:     at.UTC(),
		LastMessageAt: at.UTC(),
	}
	s.conversations[conv.ID] = conv
	s.byEndUser[key] = conv.ID
	cp := *conv
	return &cp, nil
}

func (s *MemoryStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[msg.ConversationID]; !exists {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	stored := *msg
	if msg.AI != nil {
		meta := *msg.AI
		stored.AI = &meta
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], stored)
	return nil
}

func (s *MemoryStorage) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}

	result := make([]models.Message, len(all)-start)
	copy(result, all[start:])
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStorage) TouchConversation(ctx context.Context, conversationID string, at time.Time, added int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	conv.LastMessageAt = at.UTC()
	conv.MessageCount += added
	return nil
}

func (s *MemoryStorage) ListConversations(ctx context.Context, botID string, endUserIDs []string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wanted map[string]struct{}
	if len(endUserIDs) > 0 {
		wanted = make(map[string]struct{}, len(endUserIDs))
		for _, id := range endUserIDs {
			wanted[id] = struct{}{}
		}
	}

	var result []models.Conversation
	for _, conv := range s.conversations {
		if conv.BotID != botID {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[conv.EndUserID]; !ok {
				continue
			}
		}
		result = append(result, *conv)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result, nil
}

// Analytics methods
func (s *MemoryStorage) ComputeDailyMetrics(ctx context.Context, botID string, day time.Time) (models.DailyMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from := models.Day(day)
	to := from.Add(24 * time.Hour)
	inDay := func(t time.Time) bool { return !t.Before(from) && t.Before(to) }

	var (
		metrics    models.DailyMetrics
		users      = make(map[string]struct{})
		latencySum float64
		latencyN   int
	)
	for convID, conv := range s.conversations {
		if conv.BotID != botID {
			continue
		}
		if inDay(conv.StartedAt) {
			metrics.NewConversations++
		}
		for _, msg := range s.messages[convID] {
			if !inDay(msg.CreatedAt) {
				continue
			}
			metrics.TotalMessages++
			users[conv.EndUserID] = struct{}{}
			if msg.Direction == models.DirectionOutbound && msg.AI != nil {
				latencySum += msg.AI.LatencySeconds
				latencyN++
			}
		}
	}
	metrics.UniqueUsers = len(users)
	if latencyN > 0 {
		metrics.AvgResponseTime = latencySum / float64(latencyN)
	}
	return metrics, nil
}

func (s *MemoryStorage) UpsertDaily(ctx context.Context, row *models.DailyAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := models.Day(row.Date)
	key := dailyKey{botID: row.BotID, day: day}
	stored := *row
	stored.Date = day
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	s.daily[key] = &stored
	return nil
}

func (s *MemoryStorage) GetDaily(ctx context.Context, botID string, day time.Time) (*models.DailyAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, exists := s.daily[dailyKey{botID: botID, day: models.Day(day)}]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

// DailyRowCount returns how many analytics rows exist for the bot.
func (s *MemoryStorage) DailyRowCount(botID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for key := range s.daily {
		if key.botID == botID {
			n++
		}
	}
	return n
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
