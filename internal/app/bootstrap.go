package app

import (
	"context"
	"fmt"
	"strings"

	"postbot/internal/config"
)

// Options locate the configuration sources.
type Options struct {
	// ConfigPath is a JSON or YAML file. It may be missing when BOT_TOKEN
	// is set in the environment.
	ConfigPath string
	// EnvFile defaults to ".env" in the working directory.
	EnvFile string
}

// StopReason is logged with the shutdown sequence.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// loadConfig reads .env, the environment and the config file, in that
// order of precedence from lowest to highest: file, then environment.
func loadConfig(ctx context.Context, opts Options) (*config.ConfigManager, *config.Config, error) {
	if err := config.LoadDotEnv(opts.EnvFile); err != nil {
		return nil, nil, err
	}
	env, err := config.ReadEnv(ctx)
	if err != nil {
		return nil, nil, err
	}

	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfgm.AllowMissing(strings.TrimSpace(env.BotToken) != "")
	cfgm.SetOverlay(env.Apply)

	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return cfgm, cfg, nil
}
