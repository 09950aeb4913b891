package config

// Config represents the main Sightline assistant configuration
type Config struct {
	// Server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Backend RPC
	Backend BackendConfig `json:"backend" mapstructure:"backend"`

	// Model providers
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Models per capability tier
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Rate limiting for the chat endpoint
	RateLimit RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`

	// Conversation history store
	History HistoryConfig `json:"history" mapstructure:"history"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host      string `json:"host" mapstructure:"host"`
	Port      int    `json:"port" mapstructure:"port"`
	AdminPort int    `json:"admin_port" mapstructure:"admin_port"`
}

// BackendConfig holds the analytics backend RPC endpoint configuration
type BackendConfig struct {
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// ProvidersConfig holds model provider credentials
type ProvidersConfig struct {
	OpenAIAPIKey    string `json:"openai_api_key" mapstructure:"openai_api_key"`
	AnthropicAPIKey string `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
}

// ModelsConfig maps agent capability tiers to concrete models
type ModelsConfig struct {
	Router     string `json:"router" mapstructure:"router"`
	Specialist string `json:"specialist" mapstructure:"specialist"`
	Max        string `json:"max" mapstructure:"max"`
}

// RateLimitConfig holds chat endpoint rate limiting
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int `json:"max_concurrent" mapstructure:"max_concurrent"`
	RetryAfterSeconds int `json:"retry_after_seconds" mapstructure:"retry_after_seconds"`
}

// HistoryConfig holds conversation history store settings
type HistoryConfig struct {
	Path            string `json:"path" mapstructure:"path"`
	RetentionDays   int    `json:"retention_days" mapstructure:"retention_days"`
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8090,
			AdminPort: 9090,
		},
		Backend: BackendConfig{
			BaseURL:        "http://127.0.0.1:4000/rpc",
			TimeoutSeconds: 30,
		},
		Models: ModelsConfig{
			Router:     "gpt-4o-mini",
			Specialist: "gpt-4o",
			Max:        "claude-sonnet-4-20250514",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 12,
			MaxConcurrent:     4,
			RetryAfterSeconds: 60,
		},
		History: HistoryConfig{
			RetentionDays:   90,
			CleanupSchedule: "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}
