package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autocron/internal/analytics"
	"autocron/internal/config"
	"autocron/internal/engine"
	"autocron/internal/eventbus"
	"autocron/internal/metrics"
	"autocron/internal/notify"
	"autocron/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log, logCloser, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	rec := analytics.Nop()
	if cfg.Analytics.Enabled {
		rec, err = analytics.OpenSQLite(cfg.Analytics.Path, log)
		if err != nil {
			return err
		}
	}
	defer rec.Close()

	var met *metrics.Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		met = metrics.New()
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			log.Info("metrics listening", logx.String("addr", cfg.Metrics.Listen))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", logx.Err(err))
			}
		}()
	}

	engCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	bus := eventbus.New()
	eng := engine.New(engCfg, log, bus, rec, met)

	var dispatcher *notify.Dispatcher
	if cfg.Notifications.Enabled {
		dispatcher = notify.NewDispatcher(bus, log, cfg.Notifications.MaxPerSecond, notify.LogSink{Log: log})
		dispatcher.Start()
	}

	// Inline tasks from the config file.
	taskCfgs, err := cfg.TaskConfigs()
	if err != nil {
		return err
	}
	for _, tc := range taskCfgs {
		if _, err := eng.Register(tc); err != nil {
			return err
		}
	}

	// Persisted tasks from the last run.
	if cfg.TasksFile.Path != "" {
		mode, err := cfg.LoadMode()
		if err != nil {
			return err
		}
		if err := eng.LoadTasks(cfg.TasksFile.Path, mode); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Info("no task file yet", logx.String("path", cfg.TasksFile.Path))
			} else {
				return err
			}
		}
		if cfg.TasksFile.Watch {
			go eng.WatchTasks(ctx, cfg.TasksFile.Path)
		}
	}

	eng.Start()
	log.Info("autocron running", logx.Int("tasks", len(eng.Snapshot())))

	// SIGHUP dumps the task table and pool occupancy to the log.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			st := eng.PoolStats()
			log.Info("status",
				logx.Int("queued", st.Queued),
				logx.Int("active", st.Active),
				logx.Uint64("rejected", st.Rejected),
				logx.Uint64("events_dropped", bus.Dropped()))
			for _, tk := range eng.Snapshot() {
				log.Info("task status",
					logx.String("task", tk.Name),
					logx.String("state", tk.Status.String()),
					logx.Bool("enabled", tk.Enabled),
					logx.Int("runs", tk.RunCount),
					logx.Int("failures", tk.FailCount),
					logx.Time("next_run", tk.NextRun))
			}
		}
	}()

	<-ctx.Done()
	eng.Stop()
	if dispatcher != nil {
		dispatcher.Stop()
	}
	if metricsSrv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = metricsSrv.Shutdown(shutCtx)
		shutCancel()
	}

	if cfg.TasksFile.Path != "" && cfg.TasksFile.SaveOnShutdown {
		skipped, err := eng.SaveTasks(cfg.TasksFile.Path)
		if err != nil {
			log.Error("task save failed", logx.Err(err))
		} else if len(skipped) > 0 {
			log.Warn("in-process tasks not persisted", logx.Strings("tasks", skipped))
		}
	}
	return nil
}
