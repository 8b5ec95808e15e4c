// Package core wires configuration, storage, the Telegram adapter and
// the schedule engine into one runnable application.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pollbot/internal/config"
	"pollbot/internal/eventbus"
	"pollbot/internal/observability/pprof"
	rtsup "pollbot/internal/runtime/supervisor"
	"pollbot/internal/schedule"
	"pollbot/internal/store"
	kit "pollbot/internal/transport"
	"pollbot/internal/transport/telegram/adapter"
	"pollbot/internal/transport/telegram/router"
	logx "pollbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter
	st      store.Store
	bus     eventbus.Bus

	reg      *schedule.Registry
	cron     *schedule.CronScheduler
	sessions *schedule.Sessions
	rec      *schedule.Reconciler

	rt *router.Router

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := adapter.New(adapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, ad)
	log = log.With(logx.String("comp", "app"))
	if cfg.Logging.Telegram.Enabled {
		target := cfg.Logging.Telegram.ChatID
		if target == 0 {
			target = cfg.Telegram.AdminUserID
		}
		logSvc.SetTelegramTarget(target)
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	reg := schedule.NewRegistry(log.With(logx.String("comp", "registry")))
	cron, err := schedule.NewCronScheduler(cfg.Scheduler.Timezone, log.With(logx.String("comp", "cron")))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sessions := schedule.NewSessions(cfg.SessionTimeout(), log.With(logx.String("comp", "sessions")))

	poll := cfg.EffectivePoll()
	rec := schedule.NewReconciler(st, reg, cron, ad, bus, kit.Poll{
		Question:        poll.Question,
		Options:         poll.Options,
		Anonymous:       poll.Anonymous,
		MultipleAnswers: poll.MultipleAnswers,
	}, log.With(logx.String("comp", "reconciler")))

	rt := router.New(log.With(logx.String("comp", "router")), ad, cfg.Telegram.AdminUserID)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		adapter:  ad,
		st:       st,
		bus:      bus,
		reg:      reg,
		cron:     cron,
		sessions: sessions,
		rec:      rec,
		rt:       rt,
		updates:  make(chan kit.Update, 256),
	}
	a.registerRoutes()
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop()).
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

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Transactional hot-reload: a config that fails validation is never
	// committed or published.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	// Restore persisted schedules into live timers before any update is
	// consumed, so restarts never silently lose firings.
	if err := a.rec.Rehydrate(a.sup.Context()); err != nil {
		return fmt.Errorf("rehydrate schedules: %w", err)
	}
	a.cron.Start()

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.rt.DispatchLoop(c, a.updates)
	})

	// Expire abandoned schedule-building conversations.
	a.sup.Go0("sessions.janitor", func(c context.Context) {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := a.sessions.ExpireStale(); n > 0 {
					a.log.Debug("expired stale sessions", logx.Int("count", n))
				}
			}
		}
	})

	// Persist engine events as an audit trail.
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("audit.sink", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				entry := store.AuditEntry{
					At:       e.Time,
					Action:   e.Type,
					GroupKey: e.GroupKey,
					Detail:   e.Detail,
					OK:       e.Type != eventbus.TypeJobSendFailed,
				}
				if err := a.st.AppendAudit(c, entry); err != nil {
					a.log.Warn("audit append failed",
						logx.String("action", e.Type),
						logx.Time("event_at", e.Time),
						logx.Err(err))
				}
			}
		}
	})

	// Config hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.applyConfig(newCfg)
				if len(sections) > 0 {
					a.log.Info("config reloaded",
						append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Debug.PprofEnabled {
		dbg := pprof.New(pprof.Config{
			Enabled: true,
			Addr:    cfg.Debug.PprofAddr,
		}, a.log.With(logx.String("comp", "pprof")))
		a.sup.GoRestart("pprof.serve", dbg.Serve)
	}

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	if cfg.Logging.Telegram.Enabled {
		target := cfg.Logging.Telegram.ChatID
		if target == 0 {
			target = cfg.Telegram.AdminUserID
		}
		a.logs.SetTelegramTarget(target)
	} else {
		a.logs.SetTelegramTarget(0)
	}

	a.rt.SetAdmin(cfg.Telegram.AdminUserID)
	a.rec.SetPoll(pollPayload(cfg))
}

func pollPayload(cfg *config.Config) kit.Poll {
	p := cfg.EffectivePoll()
	return kit.Poll{
		Question:        p.Question,
		Options:         p.Options,
		Anonymous:       p.Anonymous,
		MultipleAnswers: p.MultipleAnswers,
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()

		start := time.Now()
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step end",
					logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("cron", 2*time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("store", time.Second, func(context.Context) error { return a.st.Close() })
	_ = a.logs.Close()

	a.log.Info("stopped")
	return nil
}
