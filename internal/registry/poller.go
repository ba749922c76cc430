package registry

import (
	"context"
	"sync/atomic"

	"github.com/xaenox/bot-factory/internal/bot"
	"github.com/xaenox/bot-factory/internal/models"
	"github.com/xaenox/bot-factory/internal/platform"
	"go.uber.org/zap"
)

// Handler processes one inbound event for a bot.
type Handler interface {
	Handle(ctx context.Context, b models.Bot, sender bot.Sender, ev platform.Event) (*bot.Exchange, error)
}

// poller owns one bot's session and consumes its events in arrival order.
type poller struct {
	bot     models.Bot
	session platform.Session
	cancel  context.CancelFunc
	done    chan struct{}
	handled atomic.Int64
	logger  *zap.Logger
}

func newPoller(b models.Bot, session platform.Session, cancel context.CancelFunc, logger *zap.Logger) *poller {
	return &poller{
		bot:     b,
		session: session,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("bot_id", b.ID), zap.String("platform", string(b.Platform))),
	}
}

// run blocks until ctx is cancelled or the event source closes. onExit is
// called only when the source closed without a stop request.
func (p *poller) run(ctx context.Context, handler Handler, onExit func(*poller)) {
	defer close(p.done)

	p.logger.Info("Poller started")
	events := p.session.Events()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Poller stopped", zap.Int64("handled", p.handled.Load()))
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					p.logger.Warn("Event source closed unexpectedly")
					onExit(p)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			p.handle(ctx, handler, ev)
		}
	}
}

func (p *poller) handle(ctx context.Context, handler Handler, ev platform.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered from panic while handling event",
				zap.Any("panic", r),
				zap.String("end_user_id", ev.EndUserID),
				zap.Stack("stack"))
		}
	}()

	p.handled.Add(1)
	if _, err := handler.Handle(ctx, p.bot, p.session, ev); err != nil {
		p.logger.Warn("Exchange finished with errors",
			zap.Error(err),
			zap.String("end_user_id", ev.EndUserID))
	}
}
