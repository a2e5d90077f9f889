package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Env holds the environment overrides. Unset variables leave the file
// value untouched.
type Env struct {
	BotToken    string  `env:"BOT_TOKEN"`
	AdminIDs    []int64 `env:"ADMIN_IDS"`
	Timezone    string  `env:"TIMEZONE"`
	DatabaseURL string  `env:"DATABASE_URL"`
	Port        int     `env:"PORT"`
	LogLevel    string  `env:"LOG_LEVEL"`
	RedisURL    string  `env:"REDIS_URL"`
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("dotenv %s: %w", path, err)
	}
	return nil
}

// ReadEnv decodes the overrides from the process environment.
func ReadEnv(ctx context.Context) (Env, error) {
	return ReadEnvWith(ctx, envconfig.OsLookuper())
}

func ReadEnvWith(ctx context.Context, l envconfig.Lookuper) (Env, error) {
	var e Env
	if err := envconfig.ProcessWith(ctx, &e, l); err != nil {
		return Env{}, fmt.Errorf("env: %w", err)
	}
	return e, nil
}

// Apply copies every set variable onto cfg.
func (e Env) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if s := strings.TrimSpace(e.BotToken); s != "" {
		cfg.Telegram.Token = s
	}
	if len(e.AdminIDs) > 0 {
		cfg.Telegram.AdminIDs = append([]int64(nil), e.AdminIDs...)
	}
	if s := strings.TrimSpace(e.Timezone); s != "" {
		cfg.Timezone = s
	}
	if s := strings.TrimSpace(e.DatabaseURL); s != "" {
		applyDatabaseURL(&cfg.Storage, s)
	}
	if e.Port > 0 {
		cfg.Health.Port = e.Port
	}
	if s := strings.TrimSpace(e.LogLevel); s != "" {
		cfg.Logging.Level = strings.ToLower(s)
	}
	if s := strings.TrimSpace(e.RedisURL); s != "" {
		cfg.Session.Driver = "redis"
		cfg.Session.RedisURL = s
	}
}

// applyDatabaseURL accepts postgres URLs and sqlite paths
// ("sqlite://bot.db", "file:bot.db" or a bare path).
func applyDatabaseURL(sc *StorageConfig, url string) {
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		sc.Driver = "postgres"
		sc.DSN = url
	case strings.HasPrefix(lower, "sqlite://"):
		sc.Driver = "sqlite"
		sc.Path = url[len("sqlite://"):]
	case strings.HasPrefix(lower, "file:"):
		sc.Driver = "sqlite"
		sc.Path = url
	case strings.Contains(url, "="):
		// key=value postgres DSN
		sc.Driver = "postgres"
		sc.DSN = url
	default:
		sc.Driver = "sqlite"
		sc.Path = url
	}
}
