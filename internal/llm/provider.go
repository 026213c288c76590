// Package llm talks to generative completion providers.
package llm

import (
	"context"
	"errors"

	"github.com/xaenox/flowbot/internal/models"
)

var ErrMissingAPIKey = errors.New("llm: api key is empty")

// Request is one chat completion call.
type Request struct {
	APIKey      string
	Model       string
	Messages    []models.ChatMessage
	MaxTokens   int
	Temperature float64
}

// Provider turns an ordered role/content transcript into a reply.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}
