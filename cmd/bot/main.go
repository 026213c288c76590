package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/xaenox/flowbot/internal/bot"
	"github.com/xaenox/flowbot/internal/llm"
	"github.com/xaenox/flowbot/internal/models"
	"github.com/xaenox/flowbot/internal/processor"
	"github.com/xaenox/flowbot/internal/server"
	"github.com/xaenox/flowbot/internal/storage"
	"github.com/xaenox/flowbot/pkg/config"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func openStorage(cfg config.DatabaseConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		logger.Info("Using PostgreSQL storage", zap.String("host", cfg.Host), zap.String("dbname", cfg.DBName))
		return storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
		}, logger)
	case config.DriverSQLite:
		logger.Info("Using SQLite storage", zap.String("path", cfg.Path))
		return storage.NewSQLiteStorage(cfg.Path, logger)
	default:
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}
}

// recordWebhookURL stores the endpoint Telegram was pointed at, leaving the
// bot untouched when nothing changed. An empty url records polling mode.
func recordWebhookURL(ctx context.Context, bots storage.BotRepository, def *models.Bot, url string) error {
	if def.WebhookURL == url {
		return nil
	}
	def.WebhookURL = url
	return bots.SaveBot(ctx, def)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := openStorage(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	for _, b := range cfg.SeedBots() {
		if err := store.SaveBot(ctx, b); err != nil {
			logger.Fatal("Failed to seed bot", zap.Error(err), zap.Int64("bot_id", b.ID))
		}
	}

	provider := llm.NewOpenAIProvider(cfg.LLM.BaseURL, logger)
	engine := processor.New(store, provider, processor.Config{
		HistoryWindow:     cfg.Engine.HistoryWindow,
		CompletionTimeout: cfg.Engine.CompletionTimeout,
		FallbackReply:     cfg.Engine.FallbackReply,
		RateLimitedReply:  cfg.Engine.RateLimitedReply,
		RateLimitPolicy:   processor.RateLimitPolicy(cfg.Engine.RateLimitPolicy),
	}, logger)

	bots, err := store.ListBots(ctx)
	if err != nil {
		logger.Fatal("Failed to list bots", zap.Error(err))
	}

	webhook := cfg.Telegram.Mode == config.ModeWebhook
	srv := server.New(logger)
	var (
		wg       sync.WaitGroup
		adapters []*bot.Bot
	)

	for _, def := range bots {
		if !def.IsActive {
			logger.Info("Skipping inactive bot", zap.Int64("bot_id", def.ID))
			continue
		}

		b, err := bot.New(def.Token, def.ID, store, engine, logger)
		if err != nil {
			logger.Fatal("Failed to create bot", zap.Error(err), zap.Int64("bot_id", def.ID))
		}
		adapters = append(adapters, b)

		if webhook {
			url := strings.TrimRight(cfg.Telegram.WebhookBaseURL, "/") + "/webhook/telegram/" + def.Token
			if err := b.SetWebhook(url); err != nil {
				logger.Fatal("Failed to register webhook", zap.Error(err), zap.Int64("bot_id", def.ID))
			}
			if err := recordWebhookURL(ctx, store, def, url); err != nil {
				logger.Warn("Failed to store webhook url", zap.Error(err), zap.Int64("bot_id", def.ID))
			}
			srv.Register(def.Token, b)
			continue
		}

		if err := b.DeleteWebhook(); err != nil {
			logger.Warn("Failed to delete webhook", zap.Error(err), zap.Int64("bot_id", def.ID))
		} else if err := recordWebhookURL(ctx, store, def, ""); err != nil {
			logger.Warn("Failed to clear webhook url", zap.Error(err), zap.Int64("bot_id", def.ID))
		}
		wg.Add(1)
		go func(b *bot.Bot) {
			defer wg.Done()
			if err := b.Start(ctx); err != nil {
				logger.Error("Bot error", zap.Error(err), zap.Int64("bot_id", b.ID()))
			}
		}(b)
	}

	if webhook {
		if err := srv.Run(ctx, cfg.Telegram.ListenAddr); err != nil {
			logger.Error("Webhook server error", zap.Error(err))
		}
	}

	wg.Wait()
	// turns still queued must finish before the store is closed
	for _, b := range adapters {
		b.Wait()
	}
	srv.Close()
	logger.Info("Shutting down")
}
