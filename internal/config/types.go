package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimezone is used when neither the file nor TIMEZONE sets one.
const DefaultTimezone = "Europe/Moscow"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	// Timezone is an IANA zone name. It defines "today" for quotas and the
	// interpretation of wall-clock times typed by users.
	Timezone string        `json:"timezone,omitempty"`
	Logging  LoggingConfig `json:"logging"`
	Storage  StorageConfig `json:"storage"`
	Session  SessionConfig `json:"session,omitempty"`

	Posting    PostingConfig    `json:"posting,omitempty"`
	Publisher  PublisherConfig  `json:"publisher,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler,omitempty"`
	TaskEngine TaskEngineConfig `json:"task_engine,omitempty"`
	Router     RouterConfig     `json:"router,omitempty"`

	// Notifier may be omitted; it then runs enabled with defaults.
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Broadcast   BroadcastConfig   `json:"broadcast,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Health      HealthConfig      `json:"health,omitempty"`
	Bot         BotConfig         `json:"bot,omitempty"`
}

type TelegramConfig struct {
	Token    string  `json:"token"`
	AdminIDs []int64 `json:"admin_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// DeliveryRate caps channel posts per second across the bot.
	DeliveryRate int    `json:"delivery_rate,omitempty"`
	APIURL       string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string                `json:"level"`
	Console  bool                  `json:"console"`
	File     LoggingFileConfig     `json:"file,omitempty"`
	Telegram LoggingTelegramConfig `json:"telegram,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegramConfig forwards warnings and errors to an admin chat.
// ChatID zero means the first admin id.
type LoggingTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence backend: "sqlite" (default),
// "postgres" or "memory".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SessionConfig selects where compose dialogs live: "memory" or "redis".
type SessionConfig struct {
	Driver   string `json:"driver,omitempty"`
	TTL      string `json:"ttl,omitempty"`
	RedisURL string `json:"redis_url,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type PostingConfig struct {
	ListLimit int `json:"list_limit,omitempty"`
	// MinLead is the minimum distance between now and a new fire time.
	MinLead string `json:"min_lead,omitempty"`
}

// PublisherConfig controls one delivery attempt. Delivery itself is never
// retried; StoreRetries covers the store reads and writes around it.
type PublisherConfig struct {
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	OutcomeTimeout  string `json:"outcome_timeout,omitempty"`
	StoreRetries    int    `json:"store_retries,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	// NotifyOwner is a pointer so an omitted value keeps the default (true).
	NotifyOwner *bool `json:"notify_owner,omitempty"`
}

// SchedulerConfig.ExecTimeout must exceed the publisher's worst case
// (delivery_timeout, outcome_timeout and store retries).
type SchedulerConfig struct {
	ExecTimeout  string `json:"exec_timeout,omitempty"`
	RequeueDelay string `json:"requeue_delay,omitempty"`
	// RetryDelay and MaxRetries re-fire a post whose execution stopped
	// before it was touched, e.g. while the database was unreachable.
	RetryDelay string `json:"retry_delay,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type RouterConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// DefaultNotifier is what an omitted notifier section means.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

type BroadcastConfig struct {
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	StatusMax  int    `json:"status_max,omitempty"`
	StatusTTL  string `json:"status_ttl,omitempty"`
}

// MaintenanceConfig holds cron specs (5 or 6 fields, or @descriptors).
// An empty spec keeps the default; "off" disables the job.
type MaintenanceConfig struct {
	SweepSpec      string `json:"sweep_spec,omitempty"`
	DigestSpec     string `json:"digest_spec,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type HealthConfig struct {
	// Port is the TCP port for /health. Zero means 8080, negative disables.
	Port         int               `json:"port,omitempty"`
	Host         string            `json:"host,omitempty"`
	ReadTimeout  string            `json:"read_timeout,omitempty"`
	WriteTimeout string            `json:"write_timeout,omitempty"`
	IdleTimeout  string            `json:"idle_timeout,omitempty"`
	Pprof        HealthPprofConfig `json:"pprof,omitempty"`
}

type HealthPprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"`
	Token   string `json:"token,omitempty"`
}

type BotConfig struct {
	PageSize       int    `json:"page_size,omitempty"`
	Support        string `json:"support,omitempty"`
	BroadcastLimit int    `json:"broadcast_limit,omitempty"`
}

// Disabled reports whether a maintenance spec turns its job off.
func Disabled(spec string) bool {
	return strings.EqualFold(strings.TrimSpace(spec), "off")
}

// Location resolves Timezone, falling back to DefaultTimezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// Validate checks everything that can be checked without opening
// connections. It runs at startup and before a reloaded file is committed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or set BOT_TOKEN)"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	case "postgres", "postgresql", "pq":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres (or set DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(c.Session.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Session.RedisURL) == "" {
			errs = append(errs, errors.New("session.redis_url is required when session.driver=redis (or set REDIS_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session.driver: %s", c.Session.Driver))
	}

	durations := map[string]string{
		"telegram.poll_timeout":       c.Telegram.PollTimeout,
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"session.ttl":                 c.Session.TTL,
		"posting.min_lead":            c.Posting.MinLead,
		"publisher.delivery_timeout":  c.Publisher.DeliveryTimeout,
		"publisher.outcome_timeout":   c.Publisher.OutcomeTimeout,
		"publisher.retry_base":        c.Publisher.RetryBase,
		"scheduler.exec_timeout":      c.Scheduler.ExecTimeout,
		"scheduler.requeue_delay":     c.Scheduler.RequeueDelay,
		"scheduler.retry_delay":       c.Scheduler.RetryDelay,
		"task_engine.default_timeout": c.TaskEngine.DefaultTimeout,
		"router.default_timeout":      c.Router.DefaultTimeout,
		"broadcast.status_ttl":        c.Broadcast.StatusTTL,
		"maintenance.default_timeout": c.Maintenance.DefaultTimeout,
		"health.read_timeout":         c.Health.ReadTimeout,
		"health.write_timeout":        c.Health.WriteTimeout,
		"health.idle_timeout":         c.Health.IdleTimeout,
	}
	if n := c.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.send_timeout"] = n.SendTimeout
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Health.Port > 65535 {
		errs = append(errs, fmt.Errorf("health.port out of range: %d", c.Health.Port))
	}
	if c.Health.Pprof.Enabled && strings.TrimSpace(c.Health.Pprof.Token) == "" {
		errs = append(errs, errors.New("health.pprof.token is required when pprof is enabled"))
	}
	return errors.Join(errs...)
}
