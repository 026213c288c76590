package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/flowbot/internal/models"
)

// DefaultBaseURL points at Mistral's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://api.mistral.ai/v1"

// OpenAIProvider calls any OpenAI-compatible chat completions endpoint.
// Bots carry their own API keys, so one client is kept per key.
type OpenAIProvider struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu      sync.Mutex
	clients map[string]*openai.Client
}

type Option func(*OpenAIProvider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAIProvider) {
		p.httpClient = c
	}
}

func NewOpenAIProvider(baseURL string, logger *zap.Logger, opts ...Option) *OpenAIProvider {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &OpenAIProvider{
		baseURL: baseURL,
		logger:  logger,
		clients: make(map[string]*openai.Client),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) client(apiKey string) *openai.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[apiKey]; ok {
		return c
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = p.baseURL
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}
	c := openai.NewClientWithConfig(cfg)
	p.clients[apiKey] = c
	return c
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return "", ErrMissingAPIKey
	}
	if req.Model == "" {
		return "", errors.New("llm: model must not be empty")
	}

	// go-openai omits a zero temperature, which leaves the server default
	temperature := float32(req.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	resp, err := p.client(req.APIKey).CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       req.Model,
			Messages:    toOpenAIMessages(req.Messages),
			MaxTokens:   req.MaxTokens,
			Temperature: temperature,
		},
	)
	if err != nil {
		p.logger.Warn("Chat completion failed",
			zap.Error(err),
			zap.String("model", req.Model))
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: no choices in response")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("llm: empty completion")
	}
	p.logger.Debug("Chat completion succeeded",
		zap.String("model", req.Model),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return content, nil
}

func toOpenAIMessages(msgs []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
