// Package registry keeps track of the bots running in this process and owns
// their poller goroutines.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xaenox/bot-factory/internal/keymutex"
	"github.com/xaenox/bot-factory/internal/models"
	"github.com/xaenox/bot-factory/internal/platform"
	"github.com/xaenox/bot-factory/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultStopGrace = 5 * time.Second

// Store is the persistence the registry needs: bot records for lifecycle and
// conversations for broadcasts.
type Store interface {
	storage.BotStorage
	storage.ConversationStorage
}

// Registry runs at most one poller per bot ID. Lifecycle calls for one bot
// are serialized; calls for different bots proceed in parallel.
type Registry struct {
	platforms platform.Set
	store     Store
	handler   Handler
	stopGrace time.Duration
	logger    *zap.Logger

	lifecycle *keymutex.Mutex[string]

	mu       sync.Mutex
	pollers  map[string]*poller
	shutdown bool
}

type Option func(*Registry)

// WithStopGrace bounds how long Stop waits for a poller to finish.
func WithStopGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.stopGrace = d
		}
	}
}

func New(platforms platform.Set, store Store, handler Handler, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		platforms: platforms,
		store:     store,
		handler:   handler,
		stopGrace: defaultStopGrace,
		logger:    logger,
		lifecycle: keymutex.New[string](),
		pollers:   make(map[string]*poller),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start opens a session for b and runs its poller. A bot that is already
// running is stopped first and the outcome is AlreadyRunning.
func (r *Registry) Start(ctx context.Context, b models.Bot) (StartOutcome, error) {
	unlock := r.lifecycle.Lock(b.ID)
	defer unlock()

	logger := r.logger.With(zap.String("bot_id", b.ID), zap.String("platform", string(b.Platform)))

	if r.isShutdown() {
		return Failed, &StartError{BotID: b.ID, Reason: "registry is shutting down", Err: ErrShutdown}
	}

	replaced := false
	if old := r.take(b.ID); old != nil {
		logger.Info("Replacing running poller")
		r.halt(ctx, old)
		replaced = true
	}

	p, ok := r.platforms.Lookup(b.Platform)
	if !ok {
		return r.fail(ctx, b.ID, "unsupported platform "+string(b.Platform), ErrUnknownPlatform)
	}
	if strings.TrimSpace(b.Credentials) == "" {
		return r.fail(ctx, b.ID, "missing credentials", platform.ErrInvalidCredentials)
	}

	session, err := p.Open(ctx, b.Credentials)
	if err != nil {
		return r.fail(ctx, b.ID, "failed to open platform session", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	pl := newPoller(b, session, cancel, r.logger)

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		cancel()
		_ = session.Close()
		return Failed, &StartError{BotID: b.ID, Reason: "registry is shutting down", Err: ErrShutdown}
	}
	r.pollers[b.ID] = pl
	r.mu.Unlock()

	go pl.run(pollCtx, r.handler, r.pollerExited)

	r.setStatus(ctx, b.ID, models.BotStatusActive)

	if replaced {
		logger.Info("Bot restarted")
		return AlreadyRunning, nil
	}
	logger.Info("Bot started")
	return Started, nil
}

// Launch loads the bot record and starts it.
func (r *Registry) Launch(ctx context.Context, botID string) (StartOutcome, error) {
	b, err := r.store.GetBot(ctx, botID)
	if err != nil {
		return Failed, &StartError{BotID: botID, Reason: "failed to load bot", Err: err}
	}
	return r.Start(ctx, *b)
}

// Stop halts the bot's poller and marks it inactive. Stopping a bot that is
// not running changes nothing.
func (r *Registry) Stop(ctx context.Context, botID string) StopOutcome {
	unlock := r.lifecycle.Lock(botID)
	defer unlock()

	p := r.take(botID)
	if p == nil {
		return NotRunning
	}
	r.halt(ctx, p)
	r.setStatus(ctx, botID, models.BotStatusInactive)

	r.logger.Info("Bot stopped", zap.String("bot_id", botID))
	return Stopped
}

// StopAll halts every poller concurrently and refuses further starts. It
// leaves stored statuses untouched so StartActive resumes the same bots on
// the next boot.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	ids := make([]string, 0, len(r.pollers))
	for id := range r.pollers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			unlock := r.lifecycle.Lock(id)
			defer unlock()

			if p := r.take(id); p != nil {
				r.halt(gctx, p)
			}
			return nil
		})
	}
	err := g.Wait()

	r.logger.Info("All bots stopped", zap.Int("count", len(ids)))
	return err
}

// StartActive relaunches every bot whose stored status is active and
// returns how many are now running.
func (r *Registry) StartActive(ctx context.Context) (int, error) {
	bots, err := r.store.ListBots(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: list bots: %w", err)
	}

	started := 0
	for _, b := range bots {
		if b.Status != models.BotStatusActive {
			continue
		}
		if _, err := r.Start(ctx, b); err != nil {
			r.logger.Error("Failed to resume bot", zap.String("bot_id", b.ID), zap.Error(err))
			continue
		}
		started++
	}
	r.logger.Info("Resumed active bots", zap.Int("started", started))
	return started, nil
}

func (r *Registry) IsRunning(botID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pollers[botID]
	return ok
}

// Running returns the IDs of running bots, sorted.
func (r *Registry) Running() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pollers))
	for id := range r.pollers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) isShutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}

func (r *Registry) lookup(botID string) *poller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pollers[botID]
}

// take removes and returns the bot's poller.
func (r *Registry) take(botID string) *poller {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pollers[botID]
	delete(r.pollers, botID)
	return p
}

// halt cancels the poller, closes its session and waits for the goroutine
// within the grace period.
func (r *Registry) halt(ctx context.Context, p *poller) {
	p.cancel()
	if err := p.session.Close(); err != nil {
		p.logger.Warn("Failed to close platform session", zap.Error(err))
	}

	timer := time.NewTimer(r.stopGrace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("Poller still finishing an exchange after grace period", zap.Duration("grace", r.stopGrace))
	case <-ctx.Done():
		p.logger.Warn("Gave up waiting for poller", zap.Error(ctx.Err()))
	}
}

// pollerExited deregisters a poller whose event source ended on its own.
func (r *Registry) pollerExited(p *poller) {
	r.mu.Lock()
	current := r.pollers[p.bot.ID] == p
	if current {
		delete(r.pollers, p.bot.ID)
	}
	r.mu.Unlock()

	if !current {
		return
	}
	p.cancel()
	_ = p.session.Close()

	// a Start that slipped in after the delete owns the status now
	unlock := r.lifecycle.Lock(p.bot.ID)
	defer unlock()
	if r.IsRunning(p.bot.ID) {
		p.logger.Info("Session ended after the bot was restarted")
		return
	}
	r.setStatus(context.Background(), p.bot.ID, models.BotStatusInactive)
	p.logger.Warn("Bot deregistered after its session ended")
}

func (r *Registry) fail(ctx context.Context, botID, reason string, err error) (StartOutcome, error) {
	r.setStatus(ctx, botID, models.BotStatusInactive)
	r.logger.Error("Failed to start bot",
		zap.String("bot_id", botID),
		zap.String("reason", reason),
		zap.Error(err))
	return Failed, &StartError{BotID: botID, Reason: reason, Err: err}
}

func (r *Registry) setStatus(ctx context.Context, botID string, status models.BotStatus) {
	if err := r.store.UpdateBotStatus(context.WithoutCancel(ctx), botID, status); err != nil {
		r.logger.Warn("Failed to update bot status",
			zap.String("bot_id", botID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
