package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xaenox/flowbot/internal/models"
)

type convKey struct {
	botID  int64
	userID string
}

// MemoryStorage keeps everything in process. Values handed out are copies, so
// callers can mutate them freely until they save.
type MemoryStorage struct {
	mu            sync.RWMutex
	bots          map[int64]*models.Bot
	conversations map[int64]*models.Conversation
	byIdentity    map[convKey]int64
	messages      map[int64][]models.Message
	nextConvID    int64
	nextMsgID     int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bots:          make(map[int64]*models.Bot),
		conversations: make(map[int64]*models.Conversation),
		byIdentity:    make(map[convKey]int64),
		messages:      make(map[int64][]models.Message),
	}
}

// Bot methods
func (s *MemoryStorage) GetBot(ctx context.Context, id int64) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if bot, exists := s.bots[id]; exists {
		return cloneBot(bot), nil
	}
	return nil, fmt.Errorf("bot %d: %w", id, ErrNotFound)
}

func (s *MemoryStorage) GetBotByToken(ctx context.Context, token string) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, bot := range s.bots {
		if bot.Token == token {
			return cloneBot(bot), nil
		}
	}
	return nil, fmt.Errorf("bot by token: %w", ErrNotFound)
}

func (s *MemoryStorage) ListBots(ctx context.Context) ([]*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bots := make([]*models.Bot, 0, len(s.bots))
	for _, bot := range s.bots {
		bots = append(bots, cloneBot(bot))
	}
	return bots, nil
}

func (s *MemoryStorage) SaveBot(ctx context.Context, bot *models.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := cloneBot(bot)
	if existing, ok := s.bots[bot.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Scenario != nil {
		stored.ScenarioID = models.Int64Ptr(stored.Scenario.ID)
	}
	s.bots[bot.ID] = stored
	return nil
}

// Conversation methods
func (s *MemoryStorage) GetOrCreateConversation(ctx context.Context, botID int64, userID string, initialStepID *int64) (*models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := convKey{botID: botID, userID: userID}
	if id, exists := s.byIdentity[key]; exists {
		return cloneConversation(s.conversations[id]), false, nil
	}

	s.nextConvID++
	now := time.Now()
	conv := &models.Conversation{
		ID:             s.nextConvID,
		BotID:          botID,
		UserIdentifier: userID,
		CurrentStepID:  copyID(initialStepID),
		IsActive:       true,
		Context:        map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.conversations[conv.ID] = conv
	s.byIdentity[key] = conv.ID
	return cloneConversation(conv), true, nil
}

func (s *MemoryStorage) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; !exists {
		return fmt.Errorf("conversation %d: %w", conv.ID, ErrNotFound)
	}
	conv.UpdatedAt = time.Now()
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

// Message methods
func (s *MemoryStorage) AppendMessage(ctx context.Context, conversationID int64, stepID *int64, userText, botText string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conversationID]; !exists {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
	}
	s.nextMsgID++
	msg := models.Message{
		ID:             s.nextMsgID,
		ConversationID: conversationID,
		StepID:         copyID(stepID),
		UserText:       userText,
		BotText:        botText,
		CreatedAt:      time.Now(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return &msg, nil
}

func (s *MemoryStorage) RecentMessages(ctx context.Context, conversationID int64, n int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.messages[conversationID]
	if n <= 0 || len(log) == 0 {
		return []models.Message{}, nil
	}
	if n > len(log) {
		n = len(log)
	}
	// entries are appended in order, so the tail is already oldest-first
	out := make([]models.Message, n)
	copy(out, log[len(log)-n:])
	return out, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	return models.Int64Ptr(*id)
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.CurrentStepID = copyID(c.CurrentStepID)
	out.Context = make(map[string]any, len(c.Context))
	for k, v := range c.Context {
		out.Context[k] = v
	}
	return &out
}

func cloneBot(b *models.Bot) *models.Bot {
	out := *b
	out.ScenarioID = copyID(b.ScenarioID)
	if b.Settings != nil {
		settings := *b.Settings
		out.Settings = &settings
	}
	if b.Scenario != nil {
		sc := *b.Scenario
		sc.InitialStepID = copyID(b.Scenario.InitialStepID)
		sc.Steps = make([]models.Step, len(b.Scenario.Steps))
		for i, st := range b.Scenario.Steps {
			st.NextStepID = copyID(st.NextStepID)
			if st.Metadata != nil {
				md := make(map[string]string, len(st.Metadata))
				for k, v := range st.Metadata {
					md[k] = v
				}
				st.Metadata = md
			}
			sc.Steps[i] = st
		}
		out.Scenario = &sc
	}
	return &out
}
