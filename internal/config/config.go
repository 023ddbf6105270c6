package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	LLM      LLMConfig      `yaml:"llm"`
	Chat     ChatConfig     `yaml:"chat"`
	Agents   AgentsConfig   `yaml:"agents"`
	Stripe   StripeConfig   `yaml:"stripe"`
	Redis    RedisConfig    `yaml:"redis"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// AuthConfig describes the external identity provider whose bearer tokens we
// accept. Tokens are verified locally with the provider's shared HS256 secret.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// LLMConfig selects the chat model provider and its credentials.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // openai (default), anthropic, ollama, gemini
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// ChatConfig tunes the streaming chat session manager.
type ChatConfig struct {
	StreamCharDelayMs int `yaml:"stream_char_delay_ms"` // per-character pacing, 0 disables
	HistoryLimit      int `yaml:"history_limit"`        // prior messages loaded per prompt
}

// AgentConfig is one external job-producing agent service.
type AgentConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // total wall-clock budget per job
}

type AgentsConfig struct {
	Ingestion    AgentConfig `yaml:"ingestion"`
	Orchestrator AgentConfig `yaml:"orchestrator"`
	Revision     AgentConfig `yaml:"revision"`
	Precedent    AgentConfig `yaml:"precedent"`
}

// StripeConfig holds the webhook verification secret for the payment provider.
type StripeConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
}

// RedisConfig enables the asynq-backed message persistence queue. When
// disabled the in-process queue is used instead.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, err
		}
		cfg = &fileCfg
	}

	cfg.overrideFromEnv()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "draftbridge.db",
		},
		Auth: AuthConfig{
			JWTSecret: "draftbridge-secret-change-in-production",
		},
		LLM: LLMConfig{
			Provider:  "openai",
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			MaxTokens: 500,
		},
		Chat: ChatConfig{
			StreamCharDelayMs: 5,
			HistoryLimit:      24,
		},
		Agents: AgentsConfig{
			Ingestion:    AgentConfig{URL: "http://localhost:8001", TimeoutSeconds: 300},
			Orchestrator: AgentConfig{URL: "http://localhost:8002", TimeoutSeconds: 600},
			Revision:     AgentConfig{URL: "http://localhost:8003", TimeoutSeconds: 120},
			Precedent:    AgentConfig{URL: "http://localhost:8004", TimeoutSeconds: 300},
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		LogLevel: "info",
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}
	if baseURL := os.Getenv("LLM_BASE_URL"); baseURL != "" {
		c.LLM.BaseURL = baseURL
	}
	if apiKey := os.Getenv("LLM_API_KEY"); apiKey != "" {
		c.LLM.APIKey = apiKey
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if secret := os.Getenv("STRIPE_WEBHOOK_SECRET"); secret != "" {
		c.Stripe.WebhookSecret = secret
	}
	if url := os.Getenv("INGESTION_AGENT_URL"); url != "" {
		c.Agents.Ingestion.URL = url
	}
	if url := os.Getenv("ORCHESTRATOR_AGENT_URL"); url != "" {
		c.Agents.Orchestrator.URL = url
	}
	if url := os.Getenv("REVISION_AGENT_URL"); url != "" {
		c.Agents.Revision.URL = url
	}
	if url := os.Getenv("PRECEDENT_AGENT_URL"); url != "" {
		c.Agents.Precedent.URL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
