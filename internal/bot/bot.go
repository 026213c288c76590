// Package bot connects a configured bot to Telegram.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/flowbot/internal/models"
	"github.com/xaenox/flowbot/internal/processor"
	"github.com/xaenox/flowbot/internal/storage"
)

const (
	errorReply   = "❌ Sorry, I encountered an error. Please try again later."
	unknownReply = "Unknown command. Use /help to see available commands."
	helpReply    = "ℹ️ I'm an AI-powered bot. Just send me a message and I'll respond!"
)

// Sender is the part of the Telegram client the adapter talks through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Engine runs a conversation turn.
type Engine interface {
	ProcessMessage(ctx context.Context, bot models.Bot, userID, text string) (string, error)
}

// Bot relays Telegram messages for one configured bot to the engine.
type Bot struct {
	api    *tgbotapi.BotAPI
	sender Sender
	botID  int64
	bots   storage.BotRepository
	engine Engine
	logger *zap.Logger

	updates *dispatcher
}

func New(token string, botID int64, bots storage.BotRepository, engine Engine, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := NewWithSender(api, botID, bots, engine, logger)
	b.api = api
	return b, nil
}

// NewWithSender builds an adapter that only sends. Start and the webhook
// helpers need a real client and fail on it.
func NewWithSender(sender Sender, botID int64, bots storage.BotRepository, engine Engine, logger *zap.Logger) *Bot {
	b := &Bot{
		sender: sender,
		botID:  botID,
		bots:   bots,
		engine: engine,
		logger: logger.With(zap.Int64("bot_id", botID)),
	}
	b.updates = newDispatcher(b.HandleUpdate)
	return b
}

func (b *Bot) ID() int64 {
	return b.botID
}

// Start long-polls Telegram until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	if b.api == nil {
		return fmt.Errorf("bot %d: no telegram client", b.botID)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Polling for updates", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.Enqueue(ctx, update)
		}
	}
}

// Enqueue schedules update without blocking. Updates from the same chat are
// handled one after another in the order they were enqueued.
func (b *Bot) Enqueue(ctx context.Context, update tgbotapi.Update) {
	b.updates.enqueue(ctx, update)
}

// Wait blocks until all enqueued updates have been handled.
func (b *Bot) Wait() {
	b.updates.wait()
}

// HandleUpdate processes one update synchronously.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(update.CallbackQuery)
	default:
		b.logger.Debug("Unhandled update type", zap.Int("update_id", update.UpdateID))
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	b.deliver(ctx, message, content)
}

func (b *Bot) deliver(ctx context.Context, message *tgbotapi.Message, content string) {
	chatID := message.Chat.ID
	userID := strconv.FormatInt(chatID, 10)

	// re-read so settings and scenario edits apply from the next message on
	cfg, err := b.bots.GetBot(ctx, b.botID)
	if err != nil {
		b.logger.Error("Failed to load bot", zap.Error(err))
		b.sendMessage(chatID, errorReply)
		return
	}
	if !cfg.IsActive {
		b.logger.Debug("Ignoring message for inactive bot", zap.String("user_id", userID))
		return
	}

	reply, err := b.engine.ProcessMessage(ctx, *cfg, userID, content)
	if err != nil {
		if !processor.IsConfigError(err) {
			b.logger.Error("Failed to process message",
				zap.Error(err),
				zap.String("user_id", userID))
			b.sendMessage(chatID, errorReply)
			return
		}
		b.logger.Error("Bot is misconfigured",
			zap.Error(err),
			zap.String("user_id", userID))
	}

	msg := tgbotapi.NewMessage(chatID, reply)
	msg.ReplyToMessageID = message.MessageID
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send reply",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(ctx, message)
	case "help":
		b.handleHelp(message)
	default:
		b.sendMessage(message.Chat.ID, unknownReply)
	}
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	name := "AI Bot"
	if cfg, err := b.bots.GetBot(ctx, b.botID); err == nil && cfg.Name != "" {
		name = cfg.Name
	}

	welcome := fmt.Sprintf(`🤖 Welcome to %s!

I'm ready to help you with:

💬 General conversations
📚 Answering questions
🔍 Problem solving
💡 Creative tasks

Just send me a message and I'll respond!

Commands:
/start - Show this welcome message
/help - Get help information

Let's start chatting! 🎉`, name)

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Show the welcome message
/help - Show this help message

Send me any text message and I'll walk you through the conversation.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleCallback(query *tgbotapi.CallbackQuery) {
	if query.Data == "help" && query.Message != nil {
		b.sendMessage(query.Message.Chat.ID, helpReply)
	}
	if _, err := b.sender.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.logger.Error("Failed to answer callback query",
			zap.Error(err),
			zap.String("callback_id", query.ID))
	}
}

// SetWebhook registers url with Telegram as the update endpoint.
func (b *Bot) SetWebhook(url string) error {
	if b.api == nil {
		return fmt.Errorf("bot %d: no telegram client", b.botID)
	}
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("bot %d: webhook config: %w", b.botID, err)
	}
	if _, err := b.api.Request(wh); err != nil {
		return fmt.Errorf("bot %d: set webhook: %w", b.botID, err)
	}
	b.logger.Info("Webhook registered", zap.String("url", url))
	return nil
}

func (b *Bot) DeleteWebhook() error {
	if b.api == nil {
		return fmt.Errorf("bot %d: no telegram client", b.botID)
	}
	if _, err := b.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("bot %d: delete webhook: %w", b.botID, err)
	}
	return nil
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
