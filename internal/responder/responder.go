package responder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/bot-factory/internal/models"
	"go.uber.org/zap"
)

// MaxHistory bounds how many prior messages reach the model, whatever the caller fetched.
const MaxHistory = 10

const (
	EmptyReplyText = "I'm sorry, I couldn't generate a response. Please try again."
	ErrorReplyText = "I'm experiencing technical difficulties. Please try again later."
)

// Request is one generation call: the bot persona, prior turns oldest first, and the new user text.
type Request struct {
	SystemPrompt string
	History      []models.Message
	Message      string
}

// Result never carries an error. When Succeeded is false Text holds a safe fallback.
// TokensUsed is estimated from prompt and reply length, not counted by the provider.
type Result struct {
	Text           string
	TokensUsed     int
	LatencySeconds float64
	Succeeded      bool
}

type Responder interface {
	Generate(ctx context.Context, req Request) Result
}

// generateFunc performs the provider round trip and returns the raw reply.
type generateFunc func(ctx context.Context, req Request) (string, error)

// EstimateTokens approximates a token count as one token per four bytes.
func EstimateTokens(text string) int {
	return len(text) / 4
}

func capHistory(history []models.Message) []models.Message {
	if len(history) > MaxHistory {
		return history[len(history)-MaxHistory:]
	}
	return history
}

// transcript renders the request as a plain-text dialogue.
func transcript(req Request) string {
	var b strings.Builder
	b.WriteString(req.SystemPrompt)
	b.WriteString("\n\n")
	for _, msg := range req.History {
		role := "Assistant"
		if msg.FromUser() {
			role = "User"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, msg.Content)
	}
	fmt.Fprintf(&b, "User: %s\nAssistant:", req.Message)
	return b.String()
}

// run wraps a provider call with timing, fallbacks and token estimation.
func run(ctx context.Context, logger *zap.Logger, provider string, req Request, generate generateFunc) Result {
	req.History = capHistory(req.History)
	if req.SystemPrompt == "" {
		req.SystemPrompt = models.DefaultSystemPrompt
	}

	start := time.Now()
	text, err := generate(ctx, req)
	latency := time.Since(start).Seconds()

	if err != nil {
		logger.Error("AI generation failed",
			zap.String("provider", provider),
			zap.Error(err),
			zap.Float64("latency_seconds", latency))
		return Result{Text: ErrorReplyText}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		logger.Warn("AI generation returned empty reply", zap.String("provider", provider))
		return Result{Text: EmptyReplyText, LatencySeconds: latency}
	}

	return Result{
		Text:           text,
		TokensUsed:     EstimateTokens(transcript(req) + text),
		LatencySeconds: latency,
		Succeeded:      true,
	}
}

// Config selects and configures a provider.
type Config struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
}

// New builds the responder named by cfg.Provider ("openai" or "gemini").
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Responder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		return NewOpenAIResponder(cfg, logger)
	case "gemini":
		return NewGeminiResponder(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("responder: unknown provider %q", cfg.Provider)
	}
}
