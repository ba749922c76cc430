package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/bot-factory/internal/models"
	"go.uber.org/zap/zaptest"
)

func TestPlaceholders(t *testing.T) {
	logger := zaptest.NewLogger(t)

	for _, p := range []*Placeholder{NewInstagram(logger), NewWhatsApp(logger)} {
		t.Run(string(p.Kind()), func(t *testing.T) {
			s, err := p.Open(context.Background(), "any-token")
			require.ErrorIs(t, err, ErrNotImplemented)
			assert.Nil(t, s)

			require.ErrorIs(t, p.Send(context.Background(), "42", "hi"), ErrNotImplemented)

			assert.Equal(t, map[string]string{"status": NotImplementedStatus}, p.HandleWebhook(context.Background(), []byte(`{}`)))
		})
	}
}

func TestSetLookup(t *testing.T) {
	logger := zaptest.NewLogger(t)
	set := NewSet(NewInstagram(logger), NewWhatsApp(logger))

	p, ok := set.Lookup(models.PlatformWhatsApp)
	require.True(t, ok)
	assert.Equal(t, models.PlatformWhatsApp, p.Kind())

	_, ok = set.Lookup(models.PlatformTelegram)
	assert.False(t, ok)

	var _ WebhookHandler = p.(*Placeholder)
}
