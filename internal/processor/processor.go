// Package processor drives a conversation through its scenario, one turn per
// inbound message.
package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/flowbot/internal/llm"
	"github.com/xaenox/flowbot/internal/models"
	"github.com/xaenox/flowbot/internal/scenario"
	"github.com/xaenox/flowbot/internal/storage"
)

const (
	DefaultCompletionTimeout = 30 * time.Second
	DefaultFallbackReply     = "I'm sorry, I'm having trouble processing your request right now."
	DefaultRateLimitedReply  = "I'm receiving too many messages right now. Please try again in a minute."
)

type Config struct {
	HistoryWindow     int
	CompletionTimeout time.Duration
	FallbackReply     string
	RateLimitedReply  string
	RateLimitPolicy   RateLimitPolicy
}

func DefaultConfig() Config {
	return Config{
		HistoryWindow:     DefaultHistoryWindow,
		CompletionTimeout: DefaultCompletionTimeout,
		FallbackReply:     DefaultFallbackReply,
		RateLimitedReply:  DefaultRateLimitedReply,
		RateLimitPolicy:   RateLimitReply,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = d.CompletionTimeout
	}
	if strings.TrimSpace(c.FallbackReply) == "" {
		c.FallbackReply = d.FallbackReply
	}
	if strings.TrimSpace(c.RateLimitedReply) == "" {
		c.RateLimitedReply = d.RateLimitedReply
	}
	if !c.RateLimitPolicy.Valid() {
		c.RateLimitPolicy = d.RateLimitPolicy
	}
	return c
}

// Store is the persistence a processor needs.
type Store interface {
	storage.ConversationStore
	storage.MessageLog
}

type Processor struct {
	store    Store
	provider llm.Provider
	builder  *ContextBuilder
	locks    *KeyedMutex
	limiter  *RateLimiter
	handlers map[models.StepType]StepHandler
	fallback StepHandler
	cfg      Config
	logger   *zap.Logger
}

func New(store Store, provider llm.Provider, cfg Config, logger *zap.Logger) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		store:    store,
		provider: provider,
		builder:  NewContextBuilder(store, cfg.HistoryWindow),
		locks:    NewKeyedMutex(),
		limiter:  NewRateLimiter(),
		handlers: map[models.StepType]StepHandler{
			models.StepMessage:  StepHandlerFunc(messageHandler),
			models.StepQuestion: StepHandlerFunc(questionHandler),
			models.StepAPICall:  StepHandlerFunc(apiCallHandler),
		},
		fallback: StepHandlerFunc(generativeHandler),
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterHandler replaces the handler for a step type. It must be called
// before the processor serves messages.
func (p *Processor) RegisterHandler(stepType models.StepType, h StepHandler) {
	p.handlers[stepType] = h
}

func (p *Processor) handler(stepType models.StepType) StepHandler {
	if h, ok := p.handlers[stepType]; ok {
		return h
	}
	return p.fallback
}

// ProcessMessage runs one turn for userID on bot and returns the reply.
//
// Storage failures return an empty reply and the error. A *ConfigError comes
// back alongside a non-empty reply that should still be delivered. Provider
// failures are not errors: the reply is the fallback text.
func (p *Processor) ProcessMessage(ctx context.Context, bot models.Bot, userID, text string) (string, error) {
	turnID := uuid.NewString()
	logger := p.logger.With(
		zap.String("turn_id", turnID),
		zap.Int64("bot_id", bot.ID),
		zap.String("user_id", userID))

	unlock := p.locks.Lock(lockKey(bot.ID, userID))
	defer unlock()

	graph := scenario.NewGraph(bot.Scenario)

	// a new conversation is stored already positioned at the entry step
	conv, created, err := p.store.GetOrCreateConversation(ctx, bot.ID, userID, stepIDOf(graph.ResolveInitial()))
	if err != nil {
		return "", fmt.Errorf("processor: load conversation: %w", err)
	}
	logger = logger.With(zap.Int64("conversation_id", conv.ID))
	if created {
		logger.Info("Started conversation", zap.Bool("scripted", conv.CurrentStepID != nil))
	}

	// a pointer to a step that is gone means generative mode
	step := graph.Lookup(conv.CurrentStepID)
	stepID := stepIDOf(step)
	if step != nil {
		logger = logger.With(zap.Int64("step_id", step.ID))
	}

	userMsg, err := p.store.AppendMessage(ctx, conv.ID, stepID, text, "")
	if err != nil {
		return "", fmt.Errorf("processor: record user message: %w", err)
	}

	turn := &Turn{
		ID:           turnID,
		Bot:          &bot,
		Conversation: conv,
		Step:         step,
		Graph:        graph,
		UserText:     text,
		messageID:    userMsg.ID,
		p:            p,
		logger:       logger,
	}

	var (
		reply   string
		next    *models.Step
		turnErr error
	)
	if step == nil {
		reply, turnErr = turn.Complete(ctx)
	} else {
		reply, next, turnErr = p.handler(step.Type).Handle(ctx, turn)
	}
	if turnErr != nil && !IsConfigError(turnErr) {
		return "", turnErr
	}
	if strings.TrimSpace(reply) == "" {
		logger.Warn("Empty reply, using fallback")
		reply = p.cfg.FallbackReply
	}

	if _, err := p.store.AppendMessage(ctx, conv.ID, stepID, "", reply); err != nil {
		return "", fmt.Errorf("processor: record bot reply: %w", err)
	}

	conv.CurrentStepID = stepIDOf(next)
	if err := p.store.SaveConversation(ctx, conv); err != nil {
		return "", fmt.Errorf("processor: save conversation: %w", err)
	}

	logger.Debug("Processed message",
		zap.Bool("scripted", step != nil),
		zap.Bool("has_next", next != nil))
	return reply, turnErr
}

type completion struct {
	text string
	err  error
}

func (p *Processor) complete(ctx context.Context, t *Turn) (string, error) {
	settings := t.Bot.Settings
	if settings == nil {
		t.logger.Error("Bot has no settings")
		return p.cfg.FallbackReply, &ConfigError{BotID: t.Bot.ID, Err: ErrMissingSettings}
	}
	if strings.TrimSpace(settings.APIKey) == "" {
		t.logger.Error("Bot has no API key")
		return p.cfg.FallbackReply, &ConfigError{BotID: t.Bot.ID, Err: llm.ErrMissingAPIKey}
	}

	msgs, err := p.builder.Build(ctx, t.Bot, t.Conversation, t.UserText, t.messageID)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CompletionTimeout)
	defer cancel()

	if !p.admit(ctx, t.Bot.ID, settings.MaxRequestsPerMinute) {
		t.logger.Warn("Rate limit exceeded",
			zap.Int("max_requests_per_minute", settings.MaxRequestsPerMinute))
		return p.cfg.RateLimitedReply, nil
	}

	req := llm.Request{
		APIKey:      settings.APIKey,
		Model:       settings.Model,
		Messages:    msgs,
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
	}

	// the provider runs apart so a call that ignores ctx cannot hold the lock
	done := make(chan completion, 1)
	go func() {
		text, err := p.provider.Complete(ctx, req)
		done <- completion{text: text, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.logger.Warn("Completion failed", zap.Error(res.err))
			return p.cfg.FallbackReply, nil
		}
		return res.text, nil
	case <-ctx.Done():
		t.logger.Warn("Completion timed out",
			zap.Duration("timeout", p.cfg.CompletionTimeout),
			zap.Error(ctx.Err()))
		return p.cfg.FallbackReply, nil
	}
}

func (p *Processor) admit(ctx context.Context, botID int64, perMinute int) bool {
	if p.cfg.RateLimitPolicy == RateLimitWait {
		return p.limiter.Wait(ctx, botID, perMinute) == nil
	}
	return p.limiter.Allow(botID, perMinute)
}

func lockKey(botID int64, userID string) string {
	return fmt.Sprintf("%d:%s", botID, userID)
}

func stepIDOf(step *models.Step) *int64 {
	if step == nil {
		return nil
	}
	return models.Int64Ptr(step.ID)
}
