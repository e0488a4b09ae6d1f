package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"line-gateway/internal/domain"
)

// DatabaseType selects the storage backend.
type DatabaseType string

const (
	DatabaseSQLite   DatabaseType = "sqlite"
	DatabasePostgres DatabaseType = "postgresql"
	DatabaseDynamoDB DatabaseType = "dynamodb"
)

// Config is the process-wide configuration. It is loaded once in main and
// never mutated afterwards.
type Config struct {
	ChannelAccessToken string `env:"LINE_CHANNEL_ACCESS_TOKEN"`
	ChannelSecret      string `env:"LINE_CHANNEL_SECRET"`
	LineAPIBaseURL     string `env:"LINE_API_BASE_URL" envDefault:"https://api.line.me/v2/bot"`

	OldSystemWebhookURL string `env:"OLD_SYSTEM_WEBHOOK_URL"`
	NewSystemWebhookURL string `env:"NEW_SYSTEM_WEBHOOK_URL"`

	ReplyModeRaw      string `env:"REPLY_MODE" envDefault:"unified"`
	ReplyPushFallback bool   `env:"REPLY_PUSH_FALLBACK" envDefault:"false"`

	OldSystemKeywordsRaw string `env:"OLD_SYSTEM_KEYWORDS" envDefault:"開發票,地址,預約,轉帳,繳費"`
	HighValueKeywordsRaw string `env:"HIGH_VALUE_KEYWORDS" envDefault:"設立公司,開公司,創業"`

	DatabaseTypeRaw string `env:"DATABASE_TYPE" envDefault:"sqlite"`
	DatabaseURL     string `env:"DATABASE_URL" envDefault:"sqlite:///./conversations.db"`
	DynamoDBTable   string `env:"DYNAMODB_TABLE"`

	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`

	ForwardTimeout    time.Duration `env:"FORWARD_TIMEOUT" envDefault:"30s"`
	NotifyTimeout     time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`
	LineAPITimeout    time.Duration `env:"LINE_API_TIMEOUT" envDefault:"30s"`
	SideEffectTimeout time.Duration `env:"SIDE_EFFECT_TIMEOUT" envDefault:"15s"`

	Host  string `env:"HOST" envDefault:"0.0.0.0"`
	Port  int    `env:"PORT" envDefault:"8000"`
	Debug bool   `env:"DEBUG" envDefault:"false"`

	ParamPrefix string `env:"PARAM_PREFIX"`
	AdminAPIKey string `env:"ADMIN_API_KEY"`

	// Derived by Load.
	ReplyMode         domain.ReplyMode
	DatabaseType      DatabaseType
	OldSystemKeywords []string
	HighValueKeywords []string
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFrom parses the given key/value map instead of the process environment.
func LoadFrom(environment map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) finalize() error {
	mode, err := domain.ParseReplyMode(c.ReplyModeRaw)
	if err != nil {
		return fmt.Errorf("config: REPLY_MODE: %w", err)
	}
	c.ReplyMode = mode

	dbType, err := parseDatabaseType(c.DatabaseTypeRaw)
	if err != nil {
		return err
	}
	c.DatabaseType = dbType
	if dbType == DatabaseDynamoDB && strings.TrimSpace(c.DynamoDBTable) == "" {
		return errors.New("config: DYNAMODB_TABLE is required when DATABASE_TYPE=dynamodb")
	}
	if dbType != DatabaseDynamoDB && strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("config: DATABASE_URL must not be empty")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT out of range: %d", c.Port)
	}
	if c.ForwardTimeout <= 0 {
		return errors.New("config: FORWARD_TIMEOUT must be positive")
	}

	c.OldSystemKeywords = SplitKeywords(c.OldSystemKeywordsRaw)
	c.HighValueKeywords = SplitKeywords(c.HighValueKeywordsRaw)
	c.ParamPrefix = strings.TrimRight(strings.TrimSpace(c.ParamPrefix), "/")
	return nil
}

func parseDatabaseType(s string) (DatabaseType, error) {
	switch t := DatabaseType(strings.ToLower(strings.TrimSpace(s))); t {
	case DatabaseSQLite, DatabasePostgres, DatabaseDynamoDB:
		return t, nil
	case "postgres":
		return DatabasePostgres, nil
	default:
		return "", fmt.Errorf("config: unknown DATABASE_TYPE %q", s)
	}
}

// SplitKeywords splits a comma-separated list, trimming entries and dropping
// empty ones. Order is preserved because it defines match precedence.
func SplitKeywords(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if kw := strings.TrimSpace(part); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// Addr is the listen address for the standalone HTTP server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// EventBudget bounds the work one event can take on the main path: a forward,
// a reply plus its push fallback, and the wait for side effects.
func (c Config) EventBudget() time.Duration {
	return c.ForwardTimeout + 2*c.LineAPITimeout + c.SideEffectTimeout
}
