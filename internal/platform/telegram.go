package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/bot-factory/internal/models"
	"go.uber.org/zap"
)

var (
	telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{35}$`)
	setLibraryLogger     sync.Once
)

const (
	defaultPollTimeout  = 60
	defaultSendAttempts = 3
	defaultRetryDelay   = time.Second
)

// Telegram opens long-poll sessions against the Bot API.
type Telegram struct {
	endpoint     string
	client       tgbotapi.HTTPClient
	pollTimeout  int
	sendAttempts int
	retryDelay   time.Duration
	logger       *zap.Logger
}

type TelegramOption func(*Telegram)

// WithEndpoint overrides the Bot API endpoint format (see tgbotapi.APIEndpoint).
func WithEndpoint(endpoint string) TelegramOption {
	return func(t *Telegram) {
		t.endpoint = endpoint
	}
}

func WithHTTPClient(client tgbotapi.HTTPClient) TelegramOption {
	return func(t *Telegram) {
		t.client = client
	}
}

// WithPollTimeout sets the getUpdates long-poll timeout in seconds.
func WithPollTimeout(seconds int) TelegramOption {
	return func(t *Telegram) {
		t.pollTimeout = seconds
	}
}

// WithSendRetry sets how many times a send is attempted and the first backoff delay.
func WithSendRetry(attempts int, delay time.Duration) TelegramOption {
	return func(t *Telegram) {
		if attempts > 0 {
			t.sendAttempts = attempts
		}
		if delay >= 0 {
			t.retryDelay = delay
		}
	}
}

func NewTelegram(logger *zap.Logger, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		endpoint:     tgbotapi.APIEndpoint,
		client:       &http.Client{},
		pollTimeout:  defaultPollTimeout,
		sendAttempts: defaultSendAttempts,
		retryDelay:   defaultRetryDelay,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	setLibraryLogger.Do(func() {
		_ = tgbotapi.SetLogger(zap.NewStdLog(logger.Named("tgbotapi")))
	})
	return t
}

func (t *Telegram) Kind() models.Platform {
	return models.PlatformTelegram
}

// ValidToken reports whether token has the Bot API token shape.
func ValidToken(token string) bool {
	return telegramTokenPattern.MatchString(token)
}

func (t *Telegram) Open(ctx context.Context, credentials string) (Session, error) {
	token := strings.TrimSpace(credentials)
	if !ValidToken(token) {
		return nil, fmt.Errorf("telegram: malformed bot token: %w", ErrInvalidCredentials)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, t.endpoint, t.client)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound) {
			return nil, fmt.Errorf("telegram: %s: %w", apiErr.Message, ErrInvalidCredentials)
		}
		return nil, fmt.Errorf("telegram: failed to create bot: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout

	s := &telegramSession{
		api:          api,
		events:       make(chan Event),
		closed:       make(chan struct{}),
		chats:        make(map[string]int64),
		sendAttempts: t.sendAttempts,
		retryDelay:   t.retryDelay,
		logger:       t.logger.With(zap.String("telegram_bot", api.Self.UserName)),
	}
	go s.pump(api.GetUpdatesChan(u))

	s.logger.Info("Telegram session opened")
	return s, nil
}

type telegramSession struct {
	api    *tgbotapi.BotAPI
	events chan Event
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	chats map[string]int64 // end user id -> last chat seen

	sendAttempts int
	retryDelay   time.Duration
	logger       *zap.Logger
}

func (s *telegramSession) Events() <-chan Event {
	return s.events
}

// pump converts updates into events until the session closes, then drains the
// library channel so its polling goroutine can exit.
func (s *telegramSession) pump(updates tgbotapi.UpdatesChannel) {
	defer close(s.events)

	for update := range updates {
		msg := update.Message
		if msg == nil || msg.From == nil || msg.From.IsBot {
			continue
		}

		endUserID := strconv.FormatInt(msg.From.ID, 10)
		if msg.Chat != nil {
			s.mu.Lock()
			s.chats[endUserID] = msg.Chat.ID
			s.mu.Unlock()
		}

		text := msg.Text
		if text == "" {
			text = msg.Caption
		}
		ev := Event{
			EndUserID:  endUserID,
			Text:       text,
			Command:    msg.Command(),
			ReceivedAt: msg.Time().UTC(),
		}

		select {
		case s.events <- ev:
		case <-s.closed:
			for range updates {
			}
			return
		}
	}
}

func (s *telegramSession) chatFor(endUserID string) (int64, error) {
	s.mu.Lock()
	chatID, ok := s.chats[endUserID]
	s.mu.Unlock()
	if ok {
		return chatID, nil
	}
	// private chats share the user's id
	id, err := strconv.ParseInt(endUserID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid end user id %q: %w", endUserID, err)
	}
	return id, nil
}

// Send delivers text with exponential backoff. Client errors are not retried.
func (s *telegramSession) Send(ctx context.Context, endUserID, text string) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	chatID, err := s.chatFor(endUserID)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	delay := s.retryDelay
	for attempt := 1; ; attempt++ {
		_, err = s.api.Send(msg)
		if err == nil {
			return nil
		}

		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
			return fmt.Errorf("telegram: send rejected: %w", err)
		}
		if attempt >= s.sendAttempts {
			return fmt.Errorf("telegram: send failed after %d attempts: %w", attempt, err)
		}

		s.logger.Warn("Failed to send message, retrying",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

func (s *telegramSession) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.api.StopReceivingUpdates()
		s.logger.Info("Telegram session closed")
	})
	return nil
}
