package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"stakebot/internal/api"
	"stakebot/internal/config"
	"stakebot/internal/eventbus"
	"stakebot/internal/producer"
	rtsup "stakebot/internal/runtime/supervisor"
	"stakebot/internal/storage"
	"stakebot/internal/task/schedule"
	toasttg "stakebot/internal/toast/telegram"
	kit "stakebot/internal/transport"
	"stakebot/internal/transport/telegram"
	logx "stakebot/pkg/logx"
)

const (
	defaultSchedule = "15m"
	dialTimeout     = 15 * time.Second
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	core *Core

	adapter  kit.Adapter
	prompter *toasttg.Prompter
	router   *commandRouter
	updates  chan kit.Update

	trigger *schedule.Trigger
	api     *api.Server

	toastQueued atomic.Bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	core, err := NewCore(dctx, cfg, log, bus, store)
	cancel()
	if err != nil {
		closeStore(store)
		return nil, err
	}

	spec, err := parseSchedule(cfg)
	if err != nil {
		core.Close()
		closeStore(store)
		return nil, err
	}
	loc, _ := schedulerLocation(cfg)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		core:    core,
		updates: make(chan kit.Update, 256),
	}
	a.trigger = schedule.NewTrigger(spec, a.tick, schedule.TriggerOptions{
		Name:       "producers",
		Location:   loc,
		RunAtStart: cfg.Scheduler.RunAtStart,
		Logger:     log.With(logx.String("comp", "scheduler")),
	})

	if tc := cfg.Telegram; tc != nil && tc.Enabled {
		ad, err := telegram.New(telegram.Config{
			Token:       tc.Token,
			PollTimeout: config.DurationOr(tc.PollTimeout, 10*time.Second),
		}, log)
		if err != nil {
			core.Close()
			closeStore(store)
			return nil, err
		}
		a.adapter = ad
		a.prompter = toasttg.New(toasttg.Options{
			Adapter:      ad,
			Chat:         kit.ChatTarget{ChatID: toastChat(tc)},
			Owners:       tc.OwnerUserIDs,
			DashboardURL: cfg.Notifications.DashboardURL,
			Logger:       log,
		})
		core.Toasts.SetPrompter(a.prompter)
		core.Toasts.SetNavigator(a.prompter)
		a.router = newCommandRouter(routerDeps{
			Adapter:     ad,
			Core:        core,
			Prompter:    a.prompter,
			StartToasts: a.startToasts,
			Owners:      tc.OwnerUserIDs,
			Logger:      log.With(logx.String("comp", "commands")),
		})
	}

	if hc := cfg.HTTP; hc != nil && hc.Enabled {
		opts := api.Options{
			Addr:   hc.Addr,
			Token:  hc.Token,
			Store:  core.Store,
			Reload: core.Reload,
			Toasts: core.Toasts.Run,
			Queue:  core.Queue.Snapshot,
			Logger: log,
		}
		if store != nil {
			opts.Audit = store.RecentAudit
		}
		a.api = api.New(opts)
	}
	return a, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func parseSchedule(cfg *config.Config) (schedule.Spec, error) {
	raw := strings.TrimSpace(cfg.Scheduler.Schedule)
	if raw == "" {
		raw = defaultSchedule
	}
	spec, err := schedule.Parse(raw)
	if err != nil {
		return schedule.Spec{}, fmt.Errorf("scheduler.schedule: %w", err)
	}
	return spec, nil
}

func schedulerLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// toastChat defaults to the first owner's private chat.
func toastChat(tc *config.TelegramConfig) int64 {
	if tc.ChatID != 0 {
		return tc.ChatID
	}
	if len(tc.OwnerUserIDs) > 0 {
		return tc.OwnerUserIDs[0]
	}
	return 0
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

// Core exposes the pipeline for the CLI.
func (a *App) Core() *Core { return a.core }

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

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := parseSchedule(cfg); err != nil {
			return err
		}
		if _, err := mapSettings(cfg); err != nil {
			return err
		}
		_, _, err := mapStorageConfig(cfg)
		return err
	})

	a.core.Queue.Start(a.sup.Context())
	a.sup.Go0("notifications.persist", a.core.Store.RunPersist)

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
			mctx, cancel := context.WithTimeout(a.sup.Context(), 5*time.Second)
			if err := mu.UpdateMenuCommands(mctx, Commands); err != nil {
				a.log.Warn("set command menu failed", logx.Err(err))
			}
			cancel()
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
	}

	a.sup.Go("scheduler.trigger", a.trigger.Run)

	if a.api != nil {
		a.sup.Go("api.server", a.api.Run)
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
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

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("account", a.cfgm.Get().Account.Address),
		logx.String("schedule", a.trigger.Spec().String()),
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("api", a.api != nil),
	)
	return nil
}

// applyConfig applies the hot-reloadable parts of cfg. Backends, storage and
// transports need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))

	if err := a.core.Apply(cfg); err != nil {
		a.log.Warn("invalid producer settings; keeping previous", logx.Err(err))
	}
	if spec, err := parseSchedule(cfg); err == nil && spec.String() != a.trigger.Spec().String() {
		a.trigger.Reset(spec)
	}
	if a.router != nil && cfg.Telegram != nil {
		a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
	}
	a.log.Info("config reloaded")
}

// tick queues every producer and, when a prompter is wired, toasts the result.
func (a *App) tick(ctx context.Context) {
	done, err := a.core.Defer(producer.ModeDefault)
	if err != nil {
		a.log.Warn("producer run not queued", logx.Err(err))
		return
	}
	if a.prompter == nil {
		return
	}
	a.sup.Go0("producers.await", func(c context.Context) {
		select {
		case <-c.Done():
		case <-done:
			a.startToasts()
		}
	})
}

// startToasts runs one toast sequence in the background. A call made while a
// run is in flight is dropped and reports false.
func (a *App) startToasts() bool {
	if a.sup == nil || !a.toastQueued.CompareAndSwap(false, true) {
		return false
	}
	a.sup.Go0("toast.run", func(c context.Context) {
		res, err := a.core.Toasts.Run(c)
		a.toastQueued.Store(false)
		if err != nil {
			a.log.Warn("toast run stopped", logx.Err(err))
			return
		}
		a.log.Debug("toast run finished", logx.Int("decided", len(res.Outcomes)), logx.Int("skipped", res.Skipped))
	})
	return true
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("queue", 3*time.Second, func(c context.Context) error { a.core.Queue.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	// Finally, wait for supervised goroutines (api, trigger, config watch/reload, dispatcher).
	step("supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("dismissals", time.Second, func(c context.Context) error { a.core.Store.Flush(c); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.core.Close()

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
