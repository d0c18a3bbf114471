// Package config loads bot configuration from defaults, an optional config
// file, a .env file and AIBOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, with dots replaced
// by underscores (telegram.token -> AIBOT_TELEGRAM_TOKEN).
const EnvPrefix = "AIBOT"

// DefaultConfigFile is read when present and no file is given explicitly.
const DefaultConfigFile = "config.json"

// MinMessageLength leaves room for a part label plus some text.
const MinMessageLength = 32

const (
	BackendOpenRouter = "openrouter"
	BackendDummy      = "dummy"

	TransportTelegram = "telegram"
	TransportDummy    = "dummy"
)

type TelegramConfig struct {
	Token        string
	APIEndpoint  string
	FileEndpoint string
	PollTimeout  int
	SendRate     float64
}

type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	Referer string
	Title   string
	Timeout time.Duration
}

type DummyConfig struct {
	BackendScript   string
	TransportScript string
	SendScript      string
}

type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

type LoggingConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Config is read once at startup and never mutated afterwards.
type Config struct {
	Telegram   TelegramConfig
	OpenRouter OpenRouterConfig
	Dummy      DummyConfig
	Breaker    BreakerConfig
	Logging    LoggingConfig

	Model             string
	MaxMessageLength  int
	MaxMessagesPerDay int
	MemorySize        int
	ContextSize       int
	MaxTokens         int
	Temperature       float32
	AdminIDs          []int64
	DBPath            string
	Backend           string
	Transport         string
	MaxConcurrent     int
	PipelineTimeout   time.Duration
}


// LoadOptions selects the optional files Load reads.
type LoadOptions struct {
	// ConfigFile must exist when set. When empty, DefaultConfigFile is
	// read if present.
	ConfigFile string
	// EnvFile defaults to ".env"; a missing file is ignored.
	EnvFile string
}

// ApplyDefaults registers every key with its default value.
func ApplyDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.api_endpoint", "")
	v.SetDefault("telegram.file_endpoint", "")
	v.SetDefault("telegram.poll_timeout_seconds", 30)
	v.SetDefault("telegram.send_rate_per_second", 20.0)

	v.SetDefault("openrouter.api_key", "")
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.referer", "")
	v.SetDefault("openrouter.title", "")
	v.SetDefault("openrouter.timeout_seconds", 120)

	v.SetDefault("model", "google/gemini-2.0-flash-lite-001")
	v.SetDefault("max_message_length", 4000)
	v.SetDefault("max_messages_per_day", 50)
	v.SetDefault("memory_size", 10)
	v.SetDefault("context_size", 5)
	v.SetDefault("max_tokens", 1000)
	v.SetDefault("temperature", 0.7)
	v.SetDefault("admin_ids", []string{})
	v.SetDefault("db_path", "bot_data.db")
	v.SetDefault("backend", BackendOpenRouter)
	v.SetDefault("transport", TransportTelegram)
	v.SetDefault("max_concurrent", 16)
	v.SetDefault("pipeline_timeout_seconds", 180)

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown_seconds", 30)

	v.SetDefault("dummy.backend_script", "ok")
	v.SetDefault("dummy.transport_script", "ok")
	v.SetDefault("dummy.send_script", "ok")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
}

// New returns a viper instance with defaults and env binding.
func New() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration and validates it.
func Load(opts LoadOptions) (Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	v := New()
	if err := readConfigFile(v, opts.ConfigFile); err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

func readConfigFile(v *viper.Viper, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err != nil {
			return nil
		}
		path = DefaultConfigFile
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

// FromViper builds and validates a Config from an already-populated viper.
func FromViper(v *viper.Viper) (Config, error) {
	adminIDs, err := parseIDs(v.GetStringSlice("admin_ids"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Telegram: TelegramConfig{
			Token:        firstString(v, "telegram.token", "telegram_bot_token"),
			APIEndpoint:  v.GetString("telegram.api_endpoint"),
			FileEndpoint: v.GetString("telegram.file_endpoint"),
			PollTimeout:  v.GetInt("telegram.poll_timeout_seconds"),
			SendRate:     v.GetFloat64("telegram.send_rate_per_second"),
		},
		OpenRouter: OpenRouterConfig{
			APIKey:  firstString(v, "openrouter.api_key", "openrouter_api_key"),
			BaseURL: v.GetString("openrouter.base_url"),
			Referer: v.GetString("openrouter.referer"),
			Title:   v.GetString("openrouter.title"),
			Timeout: time.Duration(v.GetInt("openrouter.timeout_seconds")) * time.Second,
		},
		Dummy: DummyConfig{
			BackendScript:   v.GetString("dummy.backend_script"),
			TransportScript: v.GetString("dummy.transport_script"),
			SendScript:      v.GetString("dummy.send_script"),
		},
		Breaker: BreakerConfig{
			Threshold: v.GetInt("breaker.threshold"),
			Cooldown:  time.Duration(v.GetInt("breaker.cooldown_seconds")) * time.Second,
		},
		Logging: LoggingConfig{
			Level:     v.GetString("logging.level"),
			Format:    v.GetString("logging.format"),
			AddSource: v.GetBool("logging.add_source"),
		},
		Model:             strings.TrimSpace(v.GetString("model")),
		MaxMessageLength:  v.GetInt("max_message_length"),
		MaxMessagesPerDay: v.GetInt("max_messages_per_day"),
		MemorySize:        v.GetInt("memory_size"),
		ContextSize:       v.GetInt("context_size"),
		MaxTokens:         v.GetInt("max_tokens"),
		Temperature:       float32(v.GetFloat64("temperature")),
		AdminIDs:          adminIDs,
		DBPath:            v.GetString("db_path"),
		Backend:           strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		Transport:         strings.ToLower(strings.TrimSpace(v.GetString("transport"))),
		MaxConcurrent:     v.GetInt("max_concurrent"),
		PipelineTimeout:   time.Duration(v.GetInt("pipeline_timeout_seconds")) * time.Second,
	}
	if cfg.ContextSize > cfg.MemorySize {
		cfg.ContextSize = cfg.MemorySize
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid key.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendOpenRouter:
		if c.OpenRouter.APIKey == "" {
			return fmt.Errorf("openrouter.api_key is required when backend=%s", BackendOpenRouter)
		}
	case BackendDummy:
	default:
		return fmt.Errorf("backend: unknown value %q", c.Backend)
	}
	switch c.Transport {
	case TransportTelegram:
		if c.Telegram.Token == "" {
			return fmt.Errorf("telegram.token is required when transport=%s", TransportTelegram)
		}
	case TransportDummy:
	default:
		return fmt.Errorf("transport: unknown value %q", c.Transport)
	}
	if c.Model == "" {
		return errors.New("model must not be empty")
	}
	if c.MaxMessageLength < MinMessageLength {
		return fmt.Errorf("max_message_length must be at least %d, got %d", MinMessageLength, c.MaxMessageLength)
	}
	if c.MaxMessagesPerDay < 1 {
		return fmt.Errorf("max_messages_per_day must be positive, got %d", c.MaxMessagesPerDay)
	}
	if c.MemorySize < 1 {
		return fmt.Errorf("memory_size must be positive, got %d", c.MemorySize)
	}
	if c.ContextSize < 0 {
		return fmt.Errorf("context_size must not be negative, got %d", c.ContextSize)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be within [0, 2], got %g", c.Temperature)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.PipelineTimeout < 0 {
		return fmt.Errorf("pipeline_timeout_seconds must not be negative, got %s", c.PipelineTimeout)
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be positive, got %d", c.Breaker.Threshold)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("db_path must not be empty")
	}
	return nil
}

// firstString returns the first non-empty value among keys. Later keys are
// the flat names older config.json files use.
func firstString(v *viper.Viper, keys ...string) string {
	for _, key := range keys {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			return s
		}
	}
	return ""
}

// parseIDs accepts list entries and comma/space separated strings.
func parseIDs(raw []string) ([]int64, error) {
	var ids []int64
	for _, item := range raw {
		for _, field := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' }) {
			id, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("admin_ids: invalid user id %q", field)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
