package app

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"postbot/internal/bot"
	"postbot/internal/config"
	"postbot/internal/health"
	"postbot/internal/notifier"
	"postbot/internal/notifier/broadcast"
	"postbot/internal/posting"
	"postbot/internal/publisher"
	"postbot/internal/session"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	telegram "postbot/internal/transport/telegram/adapter"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
)

const defaultSQLitePath = "data/postbot.db"

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	chatID := lc.Telegram.ChatID
	if chatID == 0 && len(cfg.Telegram.AdminIDs) > 0 {
		chatID = cfg.Telegram.AdminIDs[0]
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled && chatID != 0,
			ChatID:     chatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapAdapter(cfg *config.Config) (telegram.Config, error) {
	pt, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:        strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout:  pt,
		DeliveryRate: cfg.Telegram.DeliveryRate,
		APIURL:       strings.TrimSpace(cfg.Telegram.APIURL),
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" && (driver == "sqlite" || driver == "sqlite3") {
		path = defaultSQLitePath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, DSN: strings.TrimSpace(sc.DSN), BusyTimeout: busy}, nil
}

func mapSession(cfg *config.Config) (session.Config, error) {
	ttl, err := config.ParseDurationOrDefault("session.ttl", cfg.Session.TTL, 30*time.Minute)
	if err != nil {
		return session.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Session.Driver))
	if driver == "" {
		driver = "memory"
	}
	return session.Config{
		Driver:   driver,
		TTL:      ttl,
		RedisURL: strings.TrimSpace(cfg.Session.RedisURL),
		Prefix:   strings.TrimSpace(cfg.Session.Prefix),
	}, nil
}

func mapPosting(cfg *config.Config) (posting.Config, error) {
	lead, err := config.ParseDurationField("posting.min_lead", cfg.Posting.MinLead)
	if err != nil {
		return posting.Config{}, err
	}
	return posting.Config{ListLimit: cfg.Posting.ListLimit, MinLead: lead}, nil
}

func mapPublisher(cfg *config.Config) (publisher.Config, error) {
	pc := cfg.Publisher
	dt, err := config.ParseDurationField("publisher.delivery_timeout", pc.DeliveryTimeout)
	if err != nil {
		return publisher.Config{}, err
	}
	ot, err := config.ParseDurationField("publisher.outcome_timeout", pc.OutcomeTimeout)
	if err != nil {
		return publisher.Config{}, err
	}
	rb, err := config.ParseDurationField("publisher.retry_base", pc.RetryBase)
	if err != nil {
		return publisher.Config{}, err
	}
	if pc.StoreRetries < 0 {
		return publisher.Config{}, fmt.Errorf("publisher.store_retries must be >= 0")
	}
	notify := true
	if pc.NotifyOwner != nil {
		notify = *pc.NotifyOwner
	}
	return publisher.Config{
		DeliveryTimeout: dt,
		OutcomeTimeout:  ot,
		StoreRetries:    pc.StoreRetries,
		RetryBase:       rb,
		NotifyOwner:     notify,
	}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	et, err := config.ParseDurationField("scheduler.exec_timeout", cfg.Scheduler.ExecTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	rd, err := config.ParseDurationField("scheduler.requeue_delay", cfg.Scheduler.RequeueDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	retry, err := config.ParseDurationField("scheduler.retry_delay", cfg.Scheduler.RetryDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	if cfg.Scheduler.MaxRetries < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	return scheduler.Config{ExecTimeout: et, RequeueDelay: rd, RetryDelay: retry, MaxRetries: cfg.Scheduler.MaxRetries}, nil
}

// checkTimeouts rejects an exec timeout that could cut off a delivery or
// its outcome write.
func checkTimeouts(cfg *config.Config) error {
	pc, err := mapPublisher(cfg)
	if err != nil {
		return err
	}
	sc, err := mapScheduler(cfg)
	if err != nil {
		return err
	}
	exec := sc.ExecTimeout
	if exec <= 0 {
		exec = scheduler.DefaultExecTimeout
	}
	if need := pc.Budget(); exec <= need {
		return fmt.Errorf("scheduler.exec_timeout %s must exceed the publisher budget %s (delivery_timeout + outcome_timeout + store retries)", exec, need)
	}
	return nil
}

// shutdownBudget is how long Stop waits for posting: long enough for an
// in-flight delivery to finish and record its outcome.
func shutdownBudget(cfg *config.Config) time.Duration {
	const floor = 5 * time.Second
	pc, err := mapPublisher(cfg)
	if err != nil {
		return floor
	}
	return max(floor, pc.Budget())
}

func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
	}
	dt, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{Workers: te.Workers, QueueSize: te.QueueSize, DefaultTimeout: dt, HistorySize: te.HistorySize}, nil
}

func mapRouter(cfg *config.Config) (router.Config, error) {
	dt, err := config.ParseDurationField("router.default_timeout", cfg.Router.DefaultTimeout)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{Workers: cfg.Router.Workers, QueueSize: cfg.Router.QueueSize, DefaultTimeout: dt}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	var (
		out = notifier.Config{
			Enabled:         nc.Enabled,
			Workers:         nc.Workers,
			QueueSize:       nc.QueueSize,
			RatePerSec:      nc.RatePerSec,
			RetryMax:        nc.RetryMax,
			DedupMaxEntries: nc.DedupMaxEntries,
		}
		err error
	)
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", nc.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", nc.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapBroadcast(cfg *config.Config) (broadcast.Config, error) {
	bc := cfg.Broadcast
	ttl, err := config.ParseDurationField("broadcast.status_ttl", bc.StatusTTL)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Workers:    bc.Workers,
		QueueSize:  bc.QueueSize,
		RatePerSec: bc.RatePerSec,
		RetryMax:   bc.RetryMax,
		StatusMax:  bc.StatusMax,
		StatusTTL:  ttl,
	}, nil
}

// mapHealth also reports whether the server runs at all.
func mapHealth(cfg *config.Config) (health.Config, bool, error) {
	hc := cfg.Health
	if hc.Port < 0 {
		return health.Config{}, false, nil
	}
	port := hc.Port
	if port == 0 {
		port = 8080
	}
	out := health.Config{
		Addr: net.JoinHostPort(strings.TrimSpace(hc.Host), strconv.Itoa(port)),
		Pprof: health.PprofConfig{
			Enabled: hc.Pprof.Enabled,
			Prefix:  hc.Pprof.Prefix,
			Token:   hc.Pprof.Token,
		},
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("health.read_timeout", hc.ReadTimeout); err != nil {
		return health.Config{}, false, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("health.write_timeout", hc.WriteTimeout); err != nil {
		return health.Config{}, false, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("health.idle_timeout", hc.IdleTimeout); err != nil {
		return health.Config{}, false, err
	}
	return out, true, nil
}

func mapBot(cfg *config.Config) bot.Config {
	return bot.Config{
		PageSize:       cfg.Bot.PageSize,
		Support:        strings.TrimSpace(cfg.Bot.Support),
		BroadcastLimit: cfg.Bot.BroadcastLimit,
	}
}

// validate runs the file-level checks plus every mapping, so a reload that
// would fail at apply time is rejected before commit.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	steps := []func() error{
		func() error { _, err := mapAdapter(cfg); return err },
		func() error { _, err := mapStorage(cfg); return err },
		func() error { _, err := mapSession(cfg); return err },
		func() error { _, err := mapPosting(cfg); return err },
		func() error { _, err := mapPublisher(cfg); return err },
		func() error { _, err := mapScheduler(cfg); return err },
		func() error { _, err := mapTaskEngine(cfg); return err },
		func() error { _, err := mapRouter(cfg); return err },
		func() error { _, err := mapNotifier(cfg); return err },
		func() error { _, err := mapBroadcast(cfg); return err },
		func() error { _, _, err := mapHealth(cfg); return err },
		func() error { return checkTimeouts(cfg) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
