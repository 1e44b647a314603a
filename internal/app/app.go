// Package app wires the daemon together: config, logging, storage, the run
// worker, the per-rule watchers, and the history janitor.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"settle/internal/config"
	"settle/internal/runner"
	"settle/internal/storage"
	"settle/internal/watch"
	logx "settle/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	store storage.Store
	run   *runner.Service

	clk clock.Clock

	mu       sync.Mutex
	watchers *watch.Set

	janitor *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// notify is swapped out in tests; production uses sd_notify.
	notify func(state string)
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
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
	})
	log = log.With(logx.String("comp", "app"))

	// Storage (optional)
	var store storage.Store
	if cfg.Storage != nil {
		sc, err := mapStorageConfig(cfg.Storage)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		if store != nil {
			log.Info("run history enabled", logx.String("driver", sc.Driver))
		}
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		run:     runner.New(log.With(logx.String("comp", "runner")), store, 64),
		clk:     clock.New(),
		notify:  func(state string) { _, _ = daemon.SdNotify(false, state) },
	}, nil
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	if busy == 0 {
		busy = 5 * time.Second
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	cfg := a.cfgm.Get()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.run.Start(ctx)
	a.startWatchers(ctx, cfg)

	if a.store != nil {
		if err := a.startJanitor(cfg); err != nil {
			return err
		}
	}

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(ctx, sub, cfg)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(ctx)
	}()

	a.notify(daemon.SdNotifyReady)
	a.log.Info("started",
		logx.Int("rules", len(cfg.Rules)),
		logx.Bool("history", a.store != nil),
	)
	return nil
}

func (a *App) startWatchers(ctx context.Context, cfg *config.Config) {
	submit := func(req runner.Request) bool { return a.run.Enqueue(req) }
	s := watch.StartSet(ctx, cfg, submit, a.log.With(logx.String("comp", "watch")), a.clk)
	a.mu.Lock()
	a.watchers = s
	a.mu.Unlock()
}

func (a *App) swapWatchers(ctx context.Context, cfg *config.Config) {
	a.mu.Lock()
	old := a.watchers
	a.mu.Unlock()
	old.Stop()
	a.startWatchers(ctx, cfg)
}

func (a *App) startJanitor(cfg *config.Config) error {
	retention, err := cfg.History.RetentionDuration()
	if err != nil {
		return err
	}
	c := cron.New()
	_, err = c.AddFunc(cfg.History.Schedule(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cutoff := time.Now().Add(-retention)
		n, err := a.store.PruneBefore(ctx, cutoff)
		if err != nil {
			a.log.Warn("history prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("history pruned", logx.Int64("removed", n), logx.Time("cutoff", cutoff))
		}
	})
	if err != nil {
		return fmt.Errorf("history.prune_schedule: %w", err)
	}
	c.Start()
	a.janitor = c
	return nil
}

// reloadLoop applies committed config updates: logging changes take effect in
// place, rule changes restart the watcher set, storage changes only warn.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, lastApplied *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			sections, attrs, changedRules := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Debug("config change summary", fields...)
			lastApplied = newCfg

			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(logx.Config{
						Level:   newCfg.Logging.Level,
						Console: newCfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: newCfg.Logging.File.Enabled,
							Path:    newCfg.Logging.File.Path,
						},
					})
				case "storage", "history":
					a.log.Warn(s + " config changed; restart required for changes to take effect")
				case "rules":
					a.log.Info("rules changed; restarting watchers", logx.Any("rules", changedRules))
					a.swapWatchers(ctx, newCfg)
				}
			}

			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping")

	if a.cancel != nil {
		a.cancel()
	}

	// Shutdown steps are bounded so one wedged component can't stall the rest.
	step := func(name string, max time.Duration, fn func()) {
		start := time.Now()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn()
		}()
		select {
		case <-done:
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-time.After(max):
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("max", max))
		case <-ctx.Done():
			a.log.Warn("stop aborted by caller", logx.String("name", name))
		}
	}

	a.mu.Lock()
	w := a.watchers
	a.mu.Unlock()
	step("watchers", 3*time.Second, func() {
		if w != nil {
			w.Stop()
		}
	})
	step("runner", 5*time.Second, a.run.Stop)
	step("janitor", 2*time.Second, func() {
		if a.janitor != nil {
			<-a.janitor.Stop().Done()
		}
	})
	step("background", 2*time.Second, a.wg.Wait)
	step("storage", 2*time.Second, func() {
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Warn("storage close failed", logx.Err(err))
			}
		}
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
