package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/xaenox/flowbot/internal/models"
	"github.com/xaenox/flowbot/internal/scenario"
	"github.com/xaenox/flowbot/internal/storage"
)

const (
	DefaultHistoryWindow = 10

	scenarioPreamble = "You are an AI assistant following a specific conversation flow."
	genericPrompt    = "You are a helpful AI assistant."
)

// ContextBuilder assembles the transcript sent to the completion provider.
type ContextBuilder struct {
	log    storage.MessageLog
	window int
}

func NewContextBuilder(log storage.MessageLog, window int) *ContextBuilder {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &ContextBuilder{log: log, window: window}
}

// Build returns the system prompt, the recent history oldest first and the
// current user text. exclude names a log entry to leave out, normally the
// user half already recorded for the current text.
func (b *ContextBuilder) Build(ctx context.Context, bot *models.Bot, conv *models.Conversation, userText string, exclude int64) ([]models.ChatMessage, error) {
	recent, err := b.log.RecentMessages(ctx, conv.ID, b.window+1)
	if err != nil {
		return nil, fmt.Errorf("processor: load history: %w", err)
	}

	history := make([]models.Message, 0, len(recent))
	for _, m := range recent {
		if exclude != 0 && m.ID == exclude {
			continue
		}
		history = append(history, m)
	}
	if len(history) > b.window {
		history = history[len(history)-b.window:]
	}

	msgs := make([]models.ChatMessage, 0, 2*len(history)+2)
	msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: SystemPrompt(bot.Scenario)})
	for _, m := range history {
		if m.UserText != "" {
			msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: m.UserText})
		}
		if m.BotText != "" {
			msgs = append(msgs, models.ChatMessage{Role: models.RoleAssistant, Content: m.BotText})
		}
	}
	msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: userText})
	return msgs, nil
}

// SystemPrompt describes the scenario's message and question steps in
// display order. Other step types contribute nothing.
func SystemPrompt(s *models.Scenario) string {
	if s == nil {
		return genericPrompt
	}

	parts := []string{scenarioPreamble}
	for _, step := range scenario.NewGraph(s).Ordered() {
		switch step.Type {
		case models.StepMessage:
			parts = append(parts, fmt.Sprintf("When at step '%s': %s", step.Name, step.Content))
		case models.StepQuestion:
			parts = append(parts, fmt.Sprintf("When asking: %s", step.Content))
		}
	}
	return strings.Join(parts, " ")
}
