package models

import "time"

// StepType selects how a scenario step handles a turn.
type StepType string

const (
	StepMessage   StepType = "message"
	StepQuestion  StepType = "question"
	StepAPICall   StepType = "api_call"
	StepCondition StepType = "condition" // reserved, handled as generative
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Bot is an owner's deployed assistant bound to a messaging channel.
type Bot struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Token       string       `json:"-"`
	WebhookURL  string       `json:"webhook_url,omitempty"`
	IsActive    bool         `json:"is_active"`
	ScenarioID  *int64       `json:"scenario_id,omitempty"`
	Scenario    *Scenario    `json:"scenario,omitempty"`
	Settings    *BotSettings `json:"settings,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// BotSettings holds the generative model configuration of a bot.
type BotSettings struct {
	APIKey               string  `json:"-"`
	Model                string  `json:"model"`
	MaxTokens            int     `json:"max_tokens"`
	Temperature          float64 `json:"temperature"`
	MaxRequestsPerMinute int     `json:"max_requests_per_minute"`
}

// Scenario is an operator-authored conversation flow.
type Scenario struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	InitialStepID *int64    `json:"initial_step_id,omitempty"`
	IsActive      bool      `json:"is_active"`
	Steps         []Step    `json:"steps"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Step is one node of a scenario. Order is used for prompt assembly only,
// traversal follows NextStepID.
type Step struct {
	ID         int64             `json:"id"`
	ScenarioID int64             `json:"scenario_id"`
	Name       string            `json:"name"`
	Type       StepType          `json:"step_type"`
	Content    string            `json:"content"`
	Order      int               `json:"order"`
	NextStepID *int64            `json:"next_step_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Conversation is the run-time state of a scenario for one bot/user pair.
// A nil CurrentStepID means generative mode.
type Conversation struct {
	ID             int64          `json:"id"`
	BotID          int64          `json:"bot_id"`
	UserIdentifier string         `json:"user_identifier"`
	CurrentStepID  *int64         `json:"current_step_id,omitempty"`
	IsActive       bool           `json:"is_active"`
	Context        map[string]any `json:"context"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Message is one half of a turn in the conversation log.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	StepID         *int64    `json:"step_id,omitempty"`
	UserText       string    `json:"user_message,omitempty"`
	BotText        string    `json:"bot_message,omitempty"`
	CreatedAt      time.Time `json:"timestamp"`
}

// ChatMessage is the provider-agnostic role/content pair sent to the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
