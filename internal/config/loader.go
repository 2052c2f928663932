package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"datastory/internal/capability"
	"datastory/internal/logger"
)

// Config is the full application configuration: defaults from config.yaml,
// secrets and overrides from the environment.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      logger.Config  `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" envconfig:"SERVER_ADDR"`
}

type LLMConfig struct {
	Model       string  `yaml:"model" envconfig:"LLM_MODEL"`
	BaseURL     string  `yaml:"base_url" envconfig:"LLM_BASE_URL"`
	APIKey      string  `yaml:"-" envconfig:"LLM_API_KEY"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type WorkflowConfig struct {
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
	RetryDelayMillis   int `yaml:"retry_delay_millis"`
	EventBuffer        int `yaml:"event_buffer"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	RedisURL   string `yaml:"-" envconfig:"REDIS_URL"`
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides.
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %w", err)
	}

	if err := envconfig.Process("", &config); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(config *Config) {
	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 1500
	}
	if config.Workflow.CallTimeoutSeconds == 0 {
		config.Workflow.CallTimeoutSeconds = 60
	}
	if config.Workflow.RetryDelayMillis == 0 {
		config.Workflow.RetryDelayMillis = 500
	}
	if config.Workflow.EventBuffer == 0 {
		config.Workflow.EventBuffer = 16
	}
	if config.Storage.SQLitePath == "" {
		config.Storage.SQLitePath = "data/datasets.db"
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "console"
	}
}

// BuildLLMConfig creates the capability chat-model configuration.
func BuildLLMConfig(config *Config) capability.LLMConfig {
	return capability.LLMConfig{
		Model:       config.LLM.Model,
		APIKey:      config.LLM.APIKey,
		BaseURL:     config.LLM.BaseURL,
		MaxTokens:   config.LLM.MaxTokens,
		Temperature: config.LLM.Temperature,
	}
}

// CallTimeout returns the per-capability-call deadline.
func (w WorkflowConfig) CallTimeout() time.Duration {
	return time.Duration(w.CallTimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed delay before a capability retry.
func (w WorkflowConfig) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelayMillis) * time.Millisecond
}
