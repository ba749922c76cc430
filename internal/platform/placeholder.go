package platform

import (
	"context"
	"fmt"

	"github.com/xaenox/bot-factory/internal/models"
	"go.uber.org/zap"
)

// Placeholder is a declared platform with no binding yet.
type Placeholder struct {
	kind   models.Platform
	logger *zap.Logger
}

func NewInstagram(logger *zap.Logger) *Placeholder {
	return newPlaceholder(models.PlatformInstagram, logger)
}

func NewWhatsApp(logger *zap.Logger) *Placeholder {
	return newPlaceholder(models.PlatformWhatsApp, logger)
}

func newPlaceholder(kind models.Platform, logger *zap.Logger) *Placeholder {
	logger.Info("Platform initialized (placeholder)", zap.String("platform", string(kind)))
	return &Placeholder{kind: kind, logger: logger}
}

func (p *Placeholder) Kind() models.Platform {
	return p.kind
}

func (p *Placeholder) Open(ctx context.Context, credentials string) (Session, error) {
	p.logger.Info("Bot start requested - not implemented yet", zap.String("platform", string(p.kind)))
	return nil, fmt.Errorf("%s: %w", p.kind, ErrNotImplemented)
}

func (p *Placeholder) Send(ctx context.Context, endUserID, text string) error {
	p.logger.Info("Message send requested - not implemented yet",
		zap.String("platform", string(p.kind)),
		zap.String("end_user_id", endUserID))
	return fmt.Errorf("%s: %w", p.kind, ErrNotImplemented)
}

func (p *Placeholder) HandleWebhook(ctx context.Context, payload []byte) map[string]string {
	p.logger.Info("Webhook received - not implemented yet",
		zap.String("platform", string(p.kind)),
		zap.Int("payload_bytes", len(payload)))
	return map[string]string{"status": NotImplementedStatus}
}
