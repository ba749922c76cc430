package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/xaenox/bot-factory/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

const dateLayout = "2006-01-02"

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the config as a lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	return OpenPostgres(config.DSN(), logger)
}

// OpenPostgres connects with a raw DSN or URL and applies the embedded schema.
func OpenPostgres(dsn string, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err = s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	s.logger.Info("Database schema initialized")
	return nil
}

// Bot methods
func (s *PostgresStorage) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	query := `
		SELECT id, owner_id, name, platform, status, credentials, system_prompt, created_at, last_active_at
		FROM bots
		WHERE id = $1`

	bot, err := scanBot(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying bot: %w", err)
	}
	return bot, nil
}

func (s *PostgresStorage) ListBots(ctx context.Context) ([]models.Bot, error) {
	query := `
		SELECT id, owner_id, name, platform, status, credentials, system_prompt, created_at, last_active_at
		FROM bots
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying bots: %w", err)
	}
	defer rows.Close()

	var bots []models.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning bot: %w", err)
		}
		bots = append(bots, *bot)
	}
	return bots, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*models.Bot, error) {
	var (
		bot        models.Bot
		lastActive sql.NullTime
	)
	err := row.Scan(
		&bot.ID,
		&bot.OwnerID,
		&bot.Name,
		&bot.Platform,
		&bot.Status,
		&bot.Credentials,
		&bot.SystemPrompt,
		&bot.CreatedAt,
		&lastActive,
	)
	if err != nil {
		return nil, err
	}
	if lastActive.Valid {
		t := lastActive.Time
		bot.LastActiveAt = &t
	}
	return &bot, nil
}

func (s *PostgresStorage) SaveBot(ctx context.Context, bot *models.Bot) error {
	if bot.ID == "" {
		bot.ID = uuid.New().String()
	}
	if bot.Status == "" {
		bot.Status = models.BotStatusPending
	}
	if bot.SystemPrompt == "" {
		bot.SystemPrompt = models.DefaultSystemPrompt
	}

	query := `
		INSERT INTO bots (id, owner_id, name, platform, status, credentials, system_prompt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			platform = EXCLUDED.platform,
			status = EXCLUDED.status,
			credentials = EXCLUDED.credentials,
			system_prompt = EXCLUDED.system_prompt
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		bot.ID,
		bot.OwnerID,
		bot.Name,
		bot.Platform,
		bot.Status,
		bot.Credentials,
		bot.SystemPrompt,
	).Scan(&bot.CreatedAt)
	if err != nil {
		return fmt.Errorf("error saving bot: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UpdateBotStatus(ctx context.Context, id string, status models.BotStatus) error {
	query := `
		UPDATE bots
		SET status = $2,
			last_active_at = CASE WHEN $2 = 'active' THEN NOW() ELSE last_active_at END
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("error updating bot status: %w", err)
	}
	return expectAffected(result, "bot "+id)
}

func (s *PostgresStorage) DeleteBot(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting bot: %w", err)
	}
	return expectAffected(result, "bot "+id)
}

func expectAffected(result sql.Result, what string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// Conversation methods
func (s *PostgresStorage) FindConversation(ctx context.Context, botID, endUserID string) (*models.Conversation, error) {
	query := `
		SELECT id, bot_id, end_user_id, started_at, last_message_at, message_count
		FROM conversations
		WHERE bot_id = $1 AND end_user_id = $2`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, botID, endUserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStorage) CreateConversation(ctx context.Context, botID, endUserID string, at time.Time) (*models.Conversation, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO conversations (id, bot_id, end_user_id, started_at, last_message_at, message_count)
		VALUES ($1, $2, $3, $4, $4, 0)
		ON CONFLICT (bot_id, end_user_id) DO UPDATE SET bot_id = EXCLUDED.bot_id
		RETURNING id, bot_id, end_user_id, started_at, last_message_at, message_count`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, uuid.New().String(), botID, endUserID, at.UTC()))
	if err != nil {
		return nil, fmt.Errorf("error creating conversation: %w", err)
	}
	return conv, nil
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	err := row.Scan(
		&conv.ID,
		&conv.BotID,
		&conv.EndUserID,
		&conv.StartedAt,
		&conv.LastMessageAt,
		&conv.MessageCount,
	)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *PostgresStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var (
		latency   sql.NullFloat64
		tokens    sql.NullInt64
		succeeded sql.NullBool
	)
	if msg.AI != nil {
		latency = sql.NullFloat64{Float64: msg.AI.LatencySeconds, Valid: true}
		tokens = sql.NullInt64{Int64: int64(msg.AI.TokensUsed), Valid: true}
		succeeded = sql.NullBool{Bool: msg.AI.Succeeded, Valid: true}
	}

	query := `
		INSERT INTO messages (id, conversation_id, content, direction, created_at, ai_latency_seconds, ai_tokens_used, ai_succeeded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Content,
		msg.Direction,
		msg.CreatedAt.UTC(),
		latency,
		tokens,
		succeeded,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
		}
		return fmt.Errorf("error appending message: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, content, direction, created_at, ai_latency_seconds, ai_tokens_used, ai_succeeded
		FROM (
			SELECT *
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg       models.Message
			latency   sql.NullFloat64
			tokens    sql.NullInt64
			succeeded sql.NullBool
		)
		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Content,
			&msg.Direction,
			&msg.CreatedAt,
			&latency,
			&tokens,
			&succeeded,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		if latency.Valid {
			msg.AI = &models.AIMetadata{
				LatencySeconds: latency.Float64,
				TokensUsed:     int(tokens.Int64),
				Succeeded:      succeeded.Bool,
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStorage) TouchConversation(ctx context.Context, conversationID string, at time.Time, added int) error {
	query := `
		UPDATE conversations
		SET last_message_at = $2, message_count = message_count + $3
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, conversationID, at.UTC(), added)
	if err != nil {
		return fmt.Errorf("error updating conversation: %w", err)
	}
	return expectAffected(result, "conversation "+conversationID)
}

func (s *PostgresStorage) ListConversations(ctx context.Context, botID string, endUserIDs []string) ([]models.Conversation, error) {
	query := `
		SELECT id, bot_id, end_user_id, started_at, last_message_at, message_count
		FROM conversations
		WHERE bot_id = $1`
	args := []any{botID}
	if len(endUserIDs) > 0 {
		query += ` AND end_user_id = ANY($2)`
		args = append(args, pq.Array(endUserIDs))
	}
	query += ` ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning conversation: %w", err)
		}
		conversations = append(conversations, *conv)
	}
	return conversations, rows.Err()
}

// Analytics methods
func (s *PostgresStorage) ComputeDailyMetrics(ctx context.Context, botID string, day time.Time) (models.DailyMetrics, error) {
	query := `
		WITH day_messages AS (
			SELECT m.direction, m.ai_latency_seconds, c.end_user_id
			FROM messages m
			JOIN conversations c ON c.id = m.conversation_id
			WHERE c.bot_id = $1 AND m.created_at >= $2 AND m.created_at < $3
		)
		SELECT
			(SELECT COUNT(*) FROM day_messages),
			(SELECT COUNT(DISTINCT end_user_id) FROM day_messages),
			(SELECT COUNT(*) FROM conversations WHERE bot_id = $1 AND started_at >= $2 AND started_at < $3),
			(SELECT COALESCE(AVG(ai_latency_seconds), 0) FROM day_messages
				WHERE direction = 'outbound' AND ai_latency_seconds IS NOT NULL)`

	from := models.Day(day)
	to := from.Add(24 * time.Hour)

	var metrics models.DailyMetrics
	err := s.db.QueryRowContext(ctx, query, botID, from, to).Scan(
		&metrics.TotalMessages,
		&metrics.UniqueUsers,
		&metrics.NewConversations,
		&metrics.AvgResponseTime,
	)
	if err != nil {
		return models.DailyMetrics{}, fmt.Errorf("error computing daily metrics: %w", err)
	}
	return metrics, nil
}

func (s *PostgresStorage) UpsertDaily(ctx context.Context, row *models.DailyAnalytics) error {
	query := `
		INSERT INTO bot_analytics (bot_id, date, total_messages, unique_users, new_conversations, avg_response_time, updated_at)
		VALUES ($1, $2::date, $3, $4, $5, $6, NOW())
		ON CONFLICT (bot_id, date) DO UPDATE SET
			total_messages = EXCLUDED.total_messages,
			unique_users = EXCLUDED.unique_users,
			new_conversations = EXCLUDED.new_conversations,
			avg_response_time = EXCLUDED.avg_response_time,
			updated_at = EXCLUDED.updated_at
		RETURNING updated_at`

	err := s.db.QueryRowContext(ctx, query,
		row.BotID,
		models.Day(row.Date).Format(dateLayout),
		row.TotalMessages,
		row.UniqueUsers,
		row.NewConversations,
		row.AvgResponseTime,
	).Scan(&row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error upserting daily analytics: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetDaily(ctx context.Context, botID string, day time.Time) (*models.DailyAnalytics, error) {
	query := `
		SELECT bot_id, date, total_messages, unique_users, new_conversations, avg_response_time, updated_at
		FROM bot_analytics
		WHERE bot_id = $1 AND date = $2::date`

	var row models.DailyAnalytics
	err := s.db.QueryRowContext(ctx, query, botID, models.Day(day).Format(dateLayout)).Scan(
		&row.BotID,
		&row.Date,
		&row.TotalMessages,
		&row.UniqueUsers,
		&row.NewConversations,
		&row.AvgResponseTime,
		&row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying daily analytics: %w", err)
	}
	row.Date = models.Day(row.Date)
	return &row, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
