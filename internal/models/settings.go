package models

const (
	DefaultModel                = "mistral-small-latest"
	DefaultMaxTokens            = 500
	DefaultTemperature          = 0.7
	DefaultMaxRequestsPerMinute = 60
)

// NewBotSettings returns settings populated with the default model
// configuration.
func NewBotSettings(apiKey string) *BotSettings {
	return &BotSettings{
		APIKey:               apiKey,
		Model:                DefaultModel,
		MaxTokens:            DefaultMaxTokens,
		Temperature:          DefaultTemperature,
		MaxRequestsPerMinute: DefaultMaxRequestsPerMinute,
	}
}

// Int64Ptr is a helper for the optional id fields.
func Int64Ptr(v int64) *int64 {
	return &v
}
