// Package platform defines the messaging platform capability used by bot
// pollers and its concrete bindings.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/bot-factory/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("platform: invalid credentials")
	ErrNotImplemented     = errors.New("platform: not implemented")
	ErrSessionClosed      = errors.New("platform: session closed")
)

// NotImplementedStatus is the webhook reply of placeholder platforms.
const NotImplementedStatus = "not_implemented"

// Event is one inbound message from an end user.
type Event struct {
	EndUserID  string
	Text       string
	Command    string // without the leading slash; empty for plain text
	ReceivedAt time.Time
}

// Session is an open connection for one bot.
type Session interface {
	// Events yields inbound events until the session is closed.
	Events() <-chan Event
	Send(ctx context.Context, endUserID, text string) error
	// Close stops the event source. Safe to call more than once.
	Close() error
}

type Platform interface {
	Kind() models.Platform
	// Open validates the credentials and starts the event source.
	Open(ctx context.Context, credentials string) (Session, error)
}

// WebhookHandler is implemented by platforms that receive events over HTTP.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload []byte) map[string]string
}

// Set maps platform kinds to their bindings.
type Set map[models.Platform]Platform

func NewSet(platforms ...Platform) Set {
	s := make(Set, len(platforms))
	for _, p := range platforms {
		s[p.Kind()] = p
	}
	return s
}

func (s Set) Lookup(kind models.Platform) (Platform, bool) {
	p, ok := s[kind]
	return p, ok
}
