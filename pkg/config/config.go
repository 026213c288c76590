package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/xaenox/flowbot/internal/models"
)

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"

	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Log      LogConfig      `mapstructure:"log"`
	Bots     []BotConfig    `mapstructure:"bots"`
}

type TelegramConfig struct {
	Mode           string `mapstructure:"mode"`
	WebhookBaseURL string `mapstructure:"webhook_base_url"`
	ListenAddr     string `mapstructure:"listen_addr"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// LLMConfig holds the provider endpoint and the settings bots inherit when
// they do not set their own. Temperature is a pointer so an explicit 0 is
// kept apart from "not set".
type LLMConfig struct {
	BaseURL     string   `mapstructure:"base_url"`
	APIKey      string   `mapstructure:"api_key"`
	Model       string   `mapstructure:"model"`
	MaxTokens   int      `mapstructure:"max_tokens"`
	Temperature *float64 `mapstructure:"temperature"`
}

type EngineConfig struct {
	HistoryWindow     int           `mapstructure:"history_window"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
	RateLimitPolicy   string        `mapstructure:"rate_limit_policy"`
	FallbackReply     string        `mapstructure:"fallback_reply"`
	RateLimitedReply  string        `mapstructure:"rate_limited_reply"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type BotConfig struct {
	ID          int64           `mapstructure:"id"`
	Name        string          `mapstructure:"name"`
	Description string          `mapstructure:"description"`
	Token       string          `mapstructure:"token"`
	Disabled    bool            `mapstructure:"disabled"`
	Settings    *SettingsConfig `mapstructure:"settings"`
	Scenario    *ScenarioConfig `mapstructure:"scenario"`
}

type SettingsConfig struct {
	APIKey               string   `mapstructure:"api_key"`
	Model                string   `mapstructure:"model"`
	MaxTokens            int      `mapstructure:"max_tokens"`
	Temperature          *float64 `mapstructure:"temperature"`
	MaxRequestsPerMinute int      `mapstructure:"max_requests_per_minute"`
}

// ScenarioConfig refers to steps by name. Steps without an id get
// scenario id * 1000 + position.
type ScenarioConfig struct {
	ID          int64        `mapstructure:"id"`
	Name        string       `mapstructure:"name"`
	Description string       `mapstructure:"description"`
	InitialStep string       `mapstructure:"initial_step"`
	Steps       []StepConfig `mapstructure:"steps"`
}

type StepConfig struct {
	ID       int64             `mapstructure:"id"`
	Name     string            `mapstructure:"name"`
	Type     string            `mapstructure:"type"`
	Content  string            `mapstructure:"content"`
	Order    int               `mapstructure:"order"`
	Next     string            `mapstructure:"next"`
	Metadata map[string]string `mapstructure:"metadata"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   DriverPostgres,
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.mode", ModePolling)
	v.SetDefault("telegram.listen_addr", ":8080")
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "data/flowbot.db")
	v.SetDefault("llm.base_url", "https://api.mistral.ai/v1")
	v.SetDefault("llm.model", models.DefaultModel)
	v.SetDefault("llm.max_tokens", models.DefaultMaxTokens)
	v.SetDefault("llm.temperature", models.DefaultTemperature)
	v.SetDefault("engine.history_window", 10)
	v.SetDefault("engine.completion_timeout", 30*time.Second)
	v.SetDefault("engine.rate_limit_policy", "reply")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads path, then lets the environment override it. A .env file
// in the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support: LLM_API_KEY, DATABASE_DRIVER, ...
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	if apiKey := v.GetString("MISTRAL_API_KEY"); apiKey != "" && config.LLM.APIKey == "" {
		config.LLM.APIKey = apiKey
	}

	// a single configured bot may take its token from the environment
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" && len(config.Bots) == 1 && config.Bots[0].Token == "" {
		config.Bots[0].Token = token
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Telegram.Mode {
	case ModePolling:
	case ModeWebhook:
		if c.Telegram.WebhookBaseURL == "" {
			return errors.New("config: telegram.webhook_base_url is required in webhook mode")
		}
	default:
		return fmt.Errorf("config: unknown telegram.mode %q", c.Telegram.Mode)
	}

	switch c.Database.Driver {
	case DriverMemory, DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}

	switch c.Engine.RateLimitPolicy {
	case "", "reply", "wait":
	default:
		return fmt.Errorf("config: unknown engine.rate_limit_policy %q", c.Engine.RateLimitPolicy)
	}

	if !validTemperature(c.LLM.Temperature) {
		return errors.New("config: llm.temperature must be between 0 and 2")
	}

	if len(c.Bots) == 0 {
		return errors.New("config: at least one bot is required")
	}
	ids := make(map[int64]bool)
	tokens := make(map[string]bool)
	for i, b := range c.Bots {
		if b.ID <= 0 {
			return fmt.Errorf("config: bots[%d]: id must be positive", i)
		}
		if strings.TrimSpace(b.Token) == "" {
			return fmt.Errorf("config: bot %d: token is required", b.ID)
		}
		if ids[b.ID] {
			return fmt.Errorf("config: duplicate bot id %d", b.ID)
		}
		if tokens[b.Token] {
			return fmt.Errorf("config: bot %d: duplicate token", b.ID)
		}
		ids[b.ID] = true
		tokens[b.Token] = true

		if b.Settings != nil && !validTemperature(b.Settings.Temperature) {
			return fmt.Errorf("config: bot %d: temperature must be between 0 and 2", b.ID)
		}

		if b.Scenario != nil {
			if err := b.Scenario.validate(); err != nil {
				return fmt.Errorf("config: bot %d: %w", b.ID, err)
			}
		}
	}
	return nil
}

func validTemperature(t *float64) bool {
	return t == nil || (*t >= 0 && *t <= 2)
}

func (s *ScenarioConfig) validate() error {
	if s.ID <= 0 {
		return errors.New("scenario id must be positive")
	}
	names := make(map[string]bool, len(s.Steps))
	for _, st := range s.Steps {
		if st.Name == "" {
			return errors.New("scenario step without name")
		}
		if names[st.Name] {
			return fmt.Errorf("duplicate step name %q", st.Name)
		}
		names[st.Name] = true

		switch models.StepType(st.Type) {
		case models.StepMessage, models.StepQuestion, models.StepAPICall, models.StepCondition:
		default:
			return fmt.Errorf("step %q: unknown type %q", st.Name, st.Type)
		}
	}
	for _, st := range s.Steps {
		if st.Next != "" && !names[st.Next] {
			return fmt.Errorf("step %q: next step %q not found", st.Name, st.Next)
		}
	}
	if s.InitialStep != "" && !names[s.InitialStep] {
		return fmt.Errorf("initial step %q not found", s.InitialStep)
	}
	return nil
}

// SeedBots converts the configured bots into models ready to save.
func (c *Config) SeedBots() []*models.Bot {
	out := make([]*models.Bot, 0, len(c.Bots))
	for _, b := range c.Bots {
		out = append(out, b.toModel(c.LLM))
	}
	return out
}

func (b BotConfig) toModel(llm LLMConfig) *models.Bot {
	bot := &models.Bot{
		ID:          b.ID,
		Name:        b.Name,
		Description: b.Description,
		Token:       b.Token,
		IsActive:    !b.Disabled,
		Settings:    b.settings(llm),
	}
	if b.Scenario != nil {
		bot.Scenario = b.Scenario.toModel()
		bot.ScenarioID = models.Int64Ptr(bot.Scenario.ID)
	}
	return bot
}

// settings fills unset fields from the llm section. Without an API key
// anywhere the bot has no settings at all.
func (b BotConfig) settings(llm LLMConfig) *models.BotSettings {
	var s SettingsConfig
	if b.Settings != nil {
		s = *b.Settings
	}
	if s.APIKey == "" {
		s.APIKey = llm.APIKey
	}
	if s.APIKey == "" {
		return nil
	}

	out := models.NewBotSettings(s.APIKey)
	if llm.Model != "" {
		out.Model = llm.Model
	}
	if llm.MaxTokens > 0 {
		out.MaxTokens = llm.MaxTokens
	}
	if llm.Temperature != nil {
		out.Temperature = *llm.Temperature
	}
	if s.Model != "" {
		out.Model = s.Model
	}
	if s.MaxTokens > 0 {
		out.MaxTokens = s.MaxTokens
	}
	if s.Temperature != nil {
		out.Temperature = *s.Temperature
	}
	if s.MaxRequestsPerMinute > 0 {
		out.MaxRequestsPerMinute = s.MaxRequestsPerMinute
	}
	return out
}

func (s *ScenarioConfig) toModel() *models.Scenario {
	sc := &models.Scenario{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		IsActive:    true,
		Steps:       make([]models.Step, len(s.Steps)),
	}

	ids := make(map[string]int64, len(s.Steps))
	for i, st := range s.Steps {
		id := st.ID
		if id == 0 {
			id = s.ID*1000 + int64(i) + 1
		}
		ids[st.Name] = id
	}

	for i, st := range s.Steps {
		order := st.Order
		if order == 0 {
			order = i + 1
		}
		step := models.Step{
			ID:         ids[st.Name],
			ScenarioID: s.ID,
			Name:       st.Name,
			Type:       models.StepType(st.Type),
			Content:    st.Content,
			Order:      order,
			Metadata:   st.Metadata,
		}
		if next, ok := ids[st.Next]; ok {
			step.NextStepID = models.Int64Ptr(next)
		}
		sc.Steps[i] = step
	}
	if id, ok := ids[s.InitialStep]; ok {
		sc.InitialStepID = models.Int64Ptr(id)
	}
	return sc
}
