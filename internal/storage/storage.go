package storage

import (
	"context"
	"errors"

	"github.com/xaenox/flowbot/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// BotRepository loads bot definitions together with their settings and
// scenario. SaveBot upserts a full definition and is used for seeding.
type BotRepository interface {
	GetBot(ctx context.Context, id int64) (*models.Bot, error)
	GetBotByToken(ctx context.Context, token string) (*models.Bot, error)
	ListBots(ctx context.Context) ([]*models.Bot, error)
	SaveBot(ctx context.Context, bot *models.Bot) error
}

// ConversationStore holds one conversation per (bot, user) pair.
// GetOrCreateConversation stores initialStepID as the current step of a new
// conversation in the same write that creates it; existing ones are returned
// unchanged.
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, botID int64, userID string, initialStepID *int64) (*models.Conversation, bool, error)
	SaveConversation(ctx context.Context, conv *models.Conversation) error
}

// MessageLog is the append-only conversation history.
type MessageLog interface {
	AppendMessage(ctx context.Context, conversationID int64, stepID *int64, userText, botText string) (*models.Message, error)
	// RecentMessages returns at most n entries, oldest first.
	RecentMessages(ctx context.Context, conversationID int64, n int) ([]models.Message, error)
}

type Storage interface {
	BotRepository
	ConversationStore
	MessageLog
	Close() error
}
