package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/flowbot/internal/models"
)

func seedBot() *models.Bot {
	return &models.Bot{
		ID:       1,
		Name:     "support",
		Token:    "tok-1",
		IsActive: true,
		Settings: models.NewBotSettings("key-1"),
		Scenario: &models.Scenario{
			ID:            7,
			Name:          "welcome",
			IsActive:      true,
			InitialStepID: models.Int64Ptr(100),
			Steps: []models.Step{
				{ID: 100, Name: "greet", Type: models.StepMessage, Content: "Hi", Order: 1, NextStepID: models.Int64Ptr(200)},
				{ID: 200, Name: "ask", Type: models.StepQuestion, Content: "How can I help?", Order: 2, Metadata: map[string]string{"hint": "free text"}},
			},
		},
	}
}

func newStorages(t *testing.T) map[string]Storage {
	t.Helper()
	sqlite, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "flowbot.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
	}
}

func TestStorage_SaveAndGetBot(t *testing.T) {
	for name, s := range newStorages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveBot(ctx, seedBot()))

			bot, err := s.GetBot(ctx, 1)
			require.NoError(t, err)
			require.Equal(t, "support", bot.Name)
			require.NotNil(t, bot.Settings)
			require.Equal(t, "key-1", bot.Settings.APIKey)
			require.Equal(t, models.DefaultModel, bot.Settings.Model)
			require.Equal(t, 60, bot.Settings.MaxRequestsPerMinute)
			require.NotNil(t, bot.Scenario)
			require.Equal(t, int64(100), *bot.Scenario.InitialStepID)
			require.Len(t, bot.Scenario.Steps, 2)
			require.Equal(t, int64(200), *bot.Scenario.Steps[0].NextStepID)
			require.Equal(t, "free text", bot.Scenario.Steps[1].Metadata["hint"])

			byToken, err := s.GetBotByToken(ctx, "tok-1")
			require.NoError(t, err)
			require.Equal(t, int64(1), byToken.ID)

			bots, err := s.ListBots(ctx)
			require.NoError(t, err)
			require.Len(t, bots, 1)
		})
	}
}

func TestStorage_SaveBotReplacesSteps(t *testing.T) {
	for name, s := range newStorages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveBot(ctx, seedBot()))

			updated := seedBot()
			updated.Scenario.Steps = updated.Scenario.Steps[:1]
			updated.Scenario.Steps[0].NextStepID = nil
			updated.Scenario.Steps[0].Content = "Hello again"
			require.NoError(t, s.SaveBot(ctx, updated))

			bot, err := s.GetBot(ctx, 1)
			require.NoError(t, err)
			require.Len(t, bot.Scenario.Steps, 1)
			require.Equal(t, "Hello again", bot.Scenario.Steps[0].Content)
			require.Nil(t, bot.Scenario.Steps[0].NextStepID)
		})
	}
}

func TestStorage_GetBotNotFound(t *testing.T) {
	for name, s := range newStorages(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetBot(context.Background(), 42)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetBotByToken(context.Background(), "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorage_GetOrCreateConversation(t *testing.T) {
	for name, s := range newStorages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveBot(ctx, seedBot()))

			conv, created, err := s.GetOrCreateConversation(ctx, 1, "u-1", nil)
			require.NoError(t, err)
			require.True(t, created)
			require.True(t, conv.IsActive)
			require.Nil(t, conv.CurrentStepID)

			again, created, err := s.GetOrCreateConversation(ctx, 1, "u-1", nil)
			require.NoError(t, err)
			require.False(t, created)
			require.Equal(t, conv.ID, again.ID)

			other, created, err := s.GetOrCreateConversation(ctx, 1, "u-2", nil)
			require.NoError(t, err)
			require.True(t, created)
			require.NotEqual(t, conv.ID, other.ID)
		})
	}
}

func TestStorage_GetOrCreateConversationStoresInitialStep(t *testing.T) {
	for name, s := range newStorages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveBot(ctx, seedBot()))

			conv, created, err := s.GetOrCreateConversation(ctx, 1, "u-1", models.Int64Ptr(100))
			require.NoError(t, err)
			require.True(t, created)
			require.Equal(t, models.Int64Ptr(100), conv.CurrentStepID)

			// persisted without a SaveConversation, and not reset on reuse
			again, created, err := s.GetOrCreateConversation(ctx, 1, "u-1", models.Int64Ptr(200))
			require.NoError(t, err)
			require.False(t, created)
			require.Equal(t, models.Int64Ptr(100), again.CurrentStepID)
		})
	}
}

func TestStorage_SaveConversation(t *testing.T) {
	for name, s := range newStorages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveBot(ctx, seedBot()))

			conv, _, err := s.GetOrCreateConversation(ctx, 1, "u-1", nil)
			require.NoError(t, err)
			conv.CurrentStepID = models.Int64Ptr(200)
			conv.Context["lang"] = "en"
			require.NoError(t, s.SaveConversation(ctx, conv))

			loaded, created, err := s.GetOrCreateConversation(ctx, 1, "u-1", nil)
			require.NoError(t, err)
			require.False(t, created)
			require.Equal(t, int64(200), *loaded.CurrentStepID)
			require.Equal(t, "en", loaded.Context["lang"])

			loaded.CurrentStepID = nil
			require.NoError(t, s.SaveConversation(ctx, loaded))
			loaded, _, err = s.GetOrCreateConversation(ctx, 1, "u-1", nil)
			require.NoError(t, err)
			require.Nil(t, loaded.CurrentStepID)
		})
	}
}

func TestStorage_SaveUnknownConversation(t *testing.T) {
	for name, s := range newStorages(t) {
		t.Run(name, func(t *testing.T) {
			err := s.SaveConversation(context.Background(), &models.Conversation{ID: 999})
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorage_RecentMessagesWindow(t *testing.T) {
	for name, s := range newStorages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveBot(ctx, seedBot()))
			conv, _, err := s.GetOrCreateConversation(ctx, 1, "u-1", nil)
			require.NoError(t, err)

			for i := 0; i < 15; i++ {
				_, err := s.AppendMessage(ctx, conv.ID, nil, fmt.Sprintf("q%d", i), "")
				require.NoError(t, err)
				_, err = s.AppendMessage(ctx, conv.ID, models.Int64Ptr(100), "", fmt.Sprintf("a%d", i))
				require.NoError(t, err)
			}

			window, err := s.RecentMessages(ctx, conv.ID, 10)
			require.NoError(t, err)
			require.Len(t, window, 10)
			require.Equal(t, "q10", window[0].UserText)
			require.Equal(t, "a14", window[9].BotText)
			require.Equal(t, int64(100), *window[9].StepID)
			for i := 1; i < len(window); i++ {
				require.Greater(t, window[i].ID, window[i-1].ID)
			}

			empty, err := s.RecentMessages(ctx, conv.ID, 0)
			require.NoError(t, err)
			require.Empty(t, empty)
		})
	}
}

func TestStorage_RecentMessagesShortLog(t *testing.T) {
	for name, s := range newStorages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveBot(ctx, seedBot()))
			conv, _, err := s.GetOrCreateConversation(ctx, 1, "u-1", nil)
			require.NoError(t, err)

			_, err = s.AppendMessage(ctx, conv.ID, nil, "hello", "")
			require.NoError(t, err)

			window, err := s.RecentMessages(ctx, conv.ID, 10)
			require.NoError(t, err)
			require.Len(t, window, 1)
			require.Equal(t, "hello", window[0].UserText)
		})
	}
}

func TestMemoryStorage_ConcurrentGetOrCreate(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := s.GetOrCreateConversation(ctx, 1, "same-user", nil)
			if err != nil {
				t.Error(err)
				return
			}
			if c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, created)
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, s.SaveBot(ctx, seedBot()))

	bot, err := s.GetBot(ctx, 1)
	require.NoError(t, err)
	bot.Scenario.Steps[0].Content = "mutated"
	bot.Settings.Model = "mutated"

	fresh, err := s.GetBot(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Hi", fresh.Scenario.Steps[0].Content)
	require.Equal(t, models.DefaultModel, fresh.Settings.Model)
}

func TestDollarPlaceholders(t *testing.T) {
	require.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)",
		dollarPlaceholders("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"))
	require.Equal(t, "SELECT 1", dollarPlaceholders("SELECT 1"))
}
