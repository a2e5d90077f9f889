// Package app assembles the bot from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"postbot/internal/bot"
	"postbot/internal/config"
	"postbot/internal/eventbus"
	"postbot/internal/health"
	"postbot/internal/maintenance"
	"postbot/internal/notifier"
	"postbot/internal/notifier/broadcast"
	"postbot/internal/posting"
	"postbot/internal/publisher"
	"postbot/internal/quota"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/runtime/sdnotify"
	"postbot/internal/session"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	kit "postbot/internal/transport"
	telegram "postbot/internal/transport/telegram/adapter"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
)

// Transport is everything the app needs from the chat platform.
type Transport interface {
	kit.Adapter
	kit.ChannelVerifier
	publisher.Deliverer
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	reg  *rtsup.Registry

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store    storage.Store
	sessions session.Store
	tr       Transport

	engine  *engine.Service
	sched   *scheduler.Service
	exec    *publisher.Executor
	notif   *notifier.Service
	bcast   *broadcast.Service
	posting *posting.Service

	cmdm *router.CommandManager
	bot  *bot.Bot

	maint  *maintenance.Service
	health *health.Server // nil when disabled
	sd     *sdnotify.Notifier

	updates chan kit.Update

	amu    sync.RWMutex
	admins []int64
}

// New loads configuration, connects to Telegram and builds every
// component. Nothing runs until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfgm, cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return nil, err
	}

	// Telegram logging needs the adapter, which needs a logger; start
	// without the sink and enable it once the sender exists.
	lcfg := mapLogging(cfg)
	boot := lcfg
	boot.Telegram.Enabled = false
	logs, log := logx.New(boot, nil)

	acfg, err := mapAdapter(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(acfg, log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logs.SetSender(ad)
	logs.Apply(lcfg)
	log.Info("connected to telegram", logx.String("bot", ad.Username()))

	a, err := build(ctx, cfgm, cfg, ad, logs, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config, tr Transport, logs *logx.Service, log logx.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, err
	}
	sessCfg, err := mapSession(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sessions, err := session.Open(ctx, sessCfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	closeAll := func() {
		_ = sessions.Close()
		_ = store.Close()
	}

	engCfg, err := mapTaskEngine(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	ncfg, err := mapNotifier(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	pcfg, err := mapPublisher(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	postCfg, err := mapPosting(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	bcfg, err := mapBroadcast(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	rcfg, err := mapRouter(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	hcfg, healthOn, err := mapHealth(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}

	eng := engine.New(engCfg, log, bus)
	notif := notifier.New(ncfg, tr, log, bus)
	exec := publisher.New(pcfg, store, tr, bus, notif, log)
	sched := scheduler.New(schedCfg, exec, eng, log)

	post := posting.New(postCfg, posting.Deps{
		Store:     store,
		Ledger:    quota.New(store, loc, log),
		Scheduler: sched,
		Engine:    eng,
		Bus:       bus,
		Location:  loc,
		Logger:    log,
	})

	reg := rtsup.NewRegistry()
	bcast := broadcast.New(bcfg, tr, log)
	cmdm := router.NewCommandManager(rcfg, log, tr, reg)

	b := bot.New(mapBot(cfg), bot.Deps{
		Posting:   post,
		Sessions:  sessions,
		Channels:  tr,
		Broadcast: bcast,
		Location:  loc,
		Logger:    log,
	})
	b.Register(cmdm)

	a := &App{
		cfgm:     cfgm,
		reg:      reg,
		log:      log.With(logx.String("comp", "app")),
		logs:     logs,
		bus:      bus,
		store:    store,
		sessions: sessions,
		tr:       tr,
		engine:   eng,
		sched:    sched,
		exec:     exec,
		notif:    notif,
		bcast:    bcast,
		posting:  post,
		cmdm:     cmdm,
		bot:      b,
		sd:       sdnotify.New(log),
		updates:  make(chan kit.Update, 256),
	}
	a.setAdmins(cfg.Telegram.AdminIDs)

	mcfg, err := config.ParseDurationField("maintenance.default_timeout", cfg.Maintenance.DefaultTimeout)
	if err != nil {
		closeAll()
		return nil, err
	}
	a.maint = maintenance.New(maintenance.Config{DefaultTimeout: mcfg, HistorySize: cfg.Maintenance.HistorySize}, loc, log)
	if err := a.addJobs(cfg); err != nil {
		closeAll()
		return nil, err
	}

	if healthOn {
		a.health = health.New(hcfg, post, reg, log)
	}
	return a, nil
}

func (a *App) addJobs(cfg *config.Config) error {
	mc := cfg.Maintenance
	// redis expires drafts on its own
	if sw, ok := a.sessions.(maintenance.Sweeper); ok && !config.Disabled(mc.SweepSpec) {
		if err := a.maint.Add(maintenance.SweepJob(mc.SweepSpec, sw, a.log)); err != nil {
			return fmt.Errorf("maintenance.sweep_spec: %w", err)
		}
	}
	if !config.Disabled(mc.DigestSpec) {
		job := maintenance.DigestJob(mc.DigestSpec, a.posting, queuedSender{a.notif}, a.Admins)
		if err := a.maint.Add(job); err != nil {
			return fmt.Errorf("maintenance.digest_spec: %w", err)
		}
	}
	return nil
}

// queuedSender sends through the notifier queue so admin messages share
// its rate limit and dedup window.
type queuedSender struct{ n *notifier.Service }

func (q queuedSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := q.n.Notify(ctx, kit.Notification{Target: to, Text: text, Options: opt}); err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

// Admins returns the current admin ids.
func (a *App) Admins() []int64 {
	a.amu.RLock()
	defer a.amu.RUnlock()
	return slices.Clone(a.admins)
}

func (a *App) setAdmins(ids []int64) {
	a.amu.Lock()
	a.admins = slices.Clone(ids)
	a.amu.Unlock()
	a.posting.SetAdmins(ids)
	a.cmdm.SetAdmins(ids)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()
	// notifier and broadcast outlive the supervisor so Stop can drain them
	bg := context.WithoutCancel(ctx)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// liveness first, so the platform sees the process during recovery
	if a.health != nil {
		a.health.Start(run)
	}

	a.notif.Start(bg)
	a.reg.Set("notifier", a.notif.Supervisor())
	a.bcast.Start(bg)
	a.reg.Set("broadcast", a.bcast.Supervisor())

	if err := a.posting.Initialize(run); err != nil {
		return fmt.Errorf("posting: %w", err)
	}

	if err := a.tr.Start(run, a.updates); err != nil {
		return err
	}
	if sp, ok := a.tr.(interface{ Supervisor() *rtsup.Supervisor }); ok {
		a.reg.Set("telegram.adapter", sp.Supervisor())
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.maint.Start(run)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts: keep only the latest config
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second),
	)

	a.sup.Go0("sdnotify.watchdog", a.sd.Watchdog)
	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("%d posts scheduled", a.posting.Pending()))

	a.log.Info("app started", logx.Int("pending", a.posting.Pending()), logx.Int("admins", len(a.Admins())))
	return nil
}

// applyConfig pushes the hot-reloadable sections to running components.
// Everything else is logged as needing a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next))
	a.setAdmins(next.Telegram.AdminIDs)

	if pc, err := mapPublisher(next); err != nil {
		a.log.Warn("invalid publisher config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(pc)
	}

	if nc, err := mapNotifier(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasOn && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.reg.Delete("notifier")
		case !wasOn && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(context.WithoutCancel(ctx))
			a.reg.Set("notifier", a.notif.Supervisor())
		}
	}

	var cold []string
	for _, s := range sections {
		if !config.HotReloadable(s) {
			cold = append(cold, s)
		}
	}
	if len(cold) > 0 {
		a.log.Warn("restart required for changes to take effect", logx.String("sections", strings.Join(cold, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded;
// a step that overruns is logged and skipped.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var (
		errMu sync.Mutex
		errs  []error
	)
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedContext(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				errMu.Unlock()
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Bool("error", err != nil),
					logx.Duration("took", time.Since(start)),
				)
			}()
		}
	}

	step("maintenance", time.Second, a.maint.Stop)
	// waits for in-flight deliveries, which still need the adapter and notifier
	step("posting", shutdownBudget(a.cfgm.Get()), a.posting.Shutdown)
	step("broadcast", 2*time.Second, a.bcast.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.tr.Stop)
	step("health", time.Second, func(c context.Context) error {
		if a.health == nil {
			return nil
		}
		return a.health.Stop(c)
	})
	step("sessions", time.Second, func(context.Context) error { return a.sessions.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// StopTimeout is a deadline for Stop that leaves room for an in-flight
// delivery plus the remaining shutdown steps.
func (a *App) StopTimeout() time.Duration {
	return shutdownBudget(a.cfgm.Get()) + 15*time.Second
}

// boundedContext caps ctx at max without extending the caller's deadline.
func boundedContext(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if max <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, max)
}
