package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RichardoC/focus-fox/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

var ErrCompletionFailure = errors.New("completion failed")

// Turn is the only shape of a message the provider ever sees.
type Turn struct {
	Role    models.Role
	Content string
}

// Dialer builds a model handle for a configuration.
type Dialer func(cfg models.ModelConfig) (llms.Model, error)

// DialOpenAI connects to an OpenAI-compatible chat completion endpoint.
func DialOpenAI(cfg models.ModelConfig) (llms.Model, error) {
	token := cfg.APIKey
	if token == "" {
		// local servers such as Ollama ignore the key but the client requires one
		token = "unused"
	}
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, err
	}
	return llm, nil
}

type Client struct {
	dial   Dialer
	logger *zap.Logger

	mu     sync.Mutex
	models map[models.ModelConfig]llms.Model
}

func New(dial Dialer, logger *zap.Logger) *Client {
	if dial == nil {
		dial = DialOpenAI
	}
	return &Client{
		dial:   dial,
		logger: logger,
		models: make(map[models.ModelConfig]llms.Model),
	}
}

func (c *Client) model(cfg models.ModelConfig) (llms.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.models[cfg]; ok {
		return m, nil
	}
	m, err := c.dial(cfg)
	if err != nil {
		return nil, err
	}
	c.models[cfg] = m
	return m, nil
}

// Stream opens one streamed completion. The returned Stream must be drained
// or closed; closing it early aborts the request.
func (c *Client) Stream(ctx context.Context, cfg models.ModelConfig, turns []Turn) (*Stream, error) {
	m, err := c.model(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: initialize model %s: %w", ErrCompletionFailure, cfg.ID, err)
	}

	content := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		content = append(content, llms.TextParts(messageType(t.Role), t.Content))
	}

	c.logger.Debug("Opening completion stream",
		zap.String("modelID", cfg.ID),
		zap.String("model", cfg.Model),
		zap.Int("turns", len(turns)))

	return startStream(ctx, m, content), nil
}

func messageType(role models.Role) llms.ChatMessageType {
	switch role {
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	default:
		return llms.ChatMessageTypeHuman
	}
}
