package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

type GeminiResponder struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewGeminiResponder(ctx context.Context, cfg Config, logger *zap.Logger) (*GeminiResponder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("responder: gemini api key must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("responder: create gemini client: %w", err)
	}

	return &GeminiResponder{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

func (r *GeminiResponder) Generate(ctx context.Context, req Request) Result {
	return run(ctx, r.logger, "gemini", req, r.complete)
}

func (r *GeminiResponder) complete(ctx context.Context, req Request) (string, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, msg := range req.History {
		role := genai.Role(genai.RoleModel)
		if msg.FromUser() {
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(req.Message, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(r.temperature)),
	}
	if r.maxTokens > 0 {
		config.MaxOutputTokens = int32(r.maxTokens)
	}

	resp, err := r.client.Models.GenerateContent(ctx, r.model, contents, config)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
