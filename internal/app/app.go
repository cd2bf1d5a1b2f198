// Package app wires the dispatcher's components and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"groupbot/internal/browser"
	"groupbot/internal/config"
	"groupbot/internal/control"
	"groupbot/internal/dispatch"
	"groupbot/internal/eventbus"
	"groupbot/internal/generator"
	"groupbot/internal/notifier/telegram"
	"groupbot/internal/panel"
	"groupbot/internal/runtime/supervisor"
	"groupbot/internal/session"
	"groupbot/internal/state"
	"groupbot/internal/storage"
	"groupbot/internal/task/scheduler"
	logx "groupbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// root outlives the supervisor so a delivery in progress and the
	// browser survive until Stop tears them down in order.
	root       context.Context
	rootCancel context.CancelFunc

	state    *state.Store
	launcher *browser.Launcher
	sess     *session.Session
	gen      *generator.Client
	sched    *scheduler.Service
	disp     *dispatch.Dispatcher
	ctl      *control.Surface
	panel    *panel.Service
	recorder *storage.Recorder
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	if tcfg, ok := mapTelegram(cfg); ok {
		sender, err := telegram.New(tcfg)
		if err != nil {
			log.Warn("telegram alerts disabled", logx.Err(err))
		} else {
			logSvc.SetSender(sender)
		}
	}
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var (
		store    storage.Store
		recorder *storage.Recorder
	)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		recorder = storage.NewRecorder(st, bus, log)
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	sessCfg, browserCfg, err := mapSession(cfg)
	if err != nil {
		return nil, err
	}
	genCfg, err := mapGenerator(cfg)
	if err != nil {
		return nil, err
	}
	panelCfg, err := mapPanel(cfg)
	if err != nil {
		return nil, err
	}

	st := state.New()
	cred := strings.TrimSpace(os.Getenv(cfg.Generator.KeyEnv()))
	st.SaveConfig(cred, cfg.Group.InviteLink)
	log.Info("runtime config seeded",
		logx.String("key_env", cfg.Generator.KeyEnv()),
		logx.Bool("credential_set", cred != ""),
		logx.Bool("address_set", st.TargetAddress() != ""),
	)

	root, rootCancel := context.WithCancel(context.Background())
	launcher := browser.NewLauncher(root, browserCfg, log)
	sess := session.New(sessCfg, launcher, log, bus)
	gen := generator.New(genCfg, log)
	sched := scheduler.New(root, schedCfg, st, log, bus)
	disp := dispatch.New(st, gen, sess, log, bus)
	ctl := control.New(st, sess, sched, disp, log, bus)

	var history panel.History
	if store != nil {
		history = store
	}
	pnl := panel.New(panelCfg, ctl, history, log)

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		root:       root,
		rootCancel: rootCancel,
		state:      st,
		launcher:   launcher,
		sess:       sess,
		gen:        gen,
		sched:      sched,
		disp:       disp,
		ctl:        ctl,
		panel:      pnl,
		recorder:   recorder,
	}, nil
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

// validate rejects a reload that the component mappers would refuse.
func validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, _, err := mapSession(cfg); err != nil {
		return err
	}
	if _, err := mapGenerator(cfg); err != nil {
		return err
	}
	if _, err := mapPanel(cfg); err != nil {
		return err
	}
	_, _, err := mapStorageConfig(cfg)
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	if a.recorder != nil {
		a.sup.Go0("storage.recorder", a.recorder.Run)
	}

	a.panel.Start(a.sup.Context())

	// Optional: log events for observability/debug.
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
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.notify", a.notifySystemd)

	a.log.Info("app started", logx.String("panel", a.panelAddr()))
	return nil
}

func (a *App) panelAddr() string {
	if cfg := a.cfgm.Get(); cfg != nil {
		return cfg.Panel.ListenAddr()
	}
	return config.DefaultPanelAddr
}

// notifySystemd reports readiness once the panel is listening and pings the
// watchdog while the app runs. Both are no-ops outside systemd.
func (a *App) notifySystemd(ctx context.Context) {
	select {
	case <-a.panel.Ready():
	case <-ctx.Done():
		return
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(newCfg))

	if sc, err := mapScheduler(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if sc, bc, err := mapSession(newCfg); err != nil {
		a.log.Warn("invalid session config; keeping previous", logx.Err(err))
	} else {
		a.sess.Apply(sc)
		a.launcher.Apply(bc)
	}
	if gc, err := mapGenerator(newCfg); err != nil {
		a.log.Warn("invalid generator config; keeping previous", logx.Err(err))
	} else {
		a.gen.Apply(gc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("panel", 2*time.Second, func(c context.Context) error { a.panel.Stop(c); return nil })
	step("scheduler", 3*time.Second, func(c context.Context) error { return a.sched.Close(c) })
	step("session", 5*time.Second, func(context.Context) error { a.sess.Close(); return nil })
	step("browser", time.Second, func(context.Context) error { a.rootCancel(); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
