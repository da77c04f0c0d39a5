package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/habgate/habgate/internal/auth"
	"github.com/habgate/habgate/internal/config"
	"github.com/habgate/habgate/internal/delta"
	"github.com/habgate/habgate/internal/events"
	"github.com/habgate/habgate/internal/hub"
	"github.com/habgate/habgate/internal/ipc"
	"github.com/habgate/habgate/internal/server"
	"github.com/habgate/habgate/internal/state"
	"github.com/habgate/habgate/internal/store"
	"github.com/habgate/habgate/internal/subscribe"
	"github.com/habgate/habgate/internal/tasks"
	"github.com/habgate/habgate/internal/transport"
	"github.com/habgate/habgate/internal/upstream"
)

func runCheckConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Println("config ok")
	return nil
}

func runServe(ctx context.Context, configPath string) error {
	cfgMgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Current()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logHandler, logClose, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logClose()
	slog.SetDefault(slog.New(logHandler))
	slog.Info("habgate starting", "version", version)

	db, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	bus := events.NewBus(200)
	transports := transport.NewManager()
	defer transports.Close()

	status := upstream.NewStatusTracker(bus, time.Duration(cfg.Upstream.RecoveryDelaySec)*time.Second)
	client := upstream.NewClient(cfgMgr, transports, status)

	detector := state.NewDetector(cfgMgr, client, bus)
	subs := subscribe.NewManager(cfgMgr, client, detector)
	cache := delta.NewCache()

	lockouts := auth.NewLockout(cfgMgr)
	notifier := auth.NewNotifier(cfgMgr, db)
	authn := auth.NewAuthenticator(cfgMgr, db, lockouts, notifier)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsHub := hub.New(cfgMgr, subs, bus, status, nil)
	srv := server.New(server.Deps{
		Config:   cfgMgr,
		Store:    db,
		Auth:     authn,
		Client:   client,
		Detector: detector,
		Cache:    cache,
		Subs:     subs,
		Logs:     logHandler,
		Hub:      wsHub,
	})
	wsHub.SetFetcher(srv)

	cfgMgr.OnReload(subs.OnConfigReload)
	cfgMgr.OnReload(func(old, next *config.Config) {
		if old.AssetVersion != next.AssetVersion && next.AssetVersion != "" {
			bus.Publish(events.Event{Type: events.EventAssetVersion, Version: next.AssetVersion})
		}
	})

	sched := tasks.NewScheduler(db)
	sched.Add(tasks.Task{Name: "sitemap-refresh", Interval: time.Hour, Run: func(context.Context) error {
		subs.Resubscribe()
		return nil
	}})
	sched.Add(tasks.Task{Name: "lockout-prune", Interval: time.Minute, Run: func(context.Context) error {
		lockouts.Prune()
		return nil
	}})
	sched.Add(tasks.Task{Name: "session-cleanup", Interval: 24 * time.Hour, Run: func(tctx context.Context) error {
		_, err := db.PurgeSessions(tctx, time.Now().Add(-cfgMgr.Current().CookieTTL()))
		return err
	}})
	sched.Add(tasks.Task{Name: "state-prune", Interval: time.Hour, Run: detector.PruneStale})

	ipcSrv := ipc.NewServer(cfg.IPCSocket, wsHub, authn)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				slog.Error("component failed", "component", name, "error", err)
				stop()
			}
		}()
	}

	run("hub", func(c context.Context) error { wsHub.Run(c); return nil })
	run("scheduler", func(c context.Context) error { sched.Run(c); return nil })
	run("transport-cleanup", func(c context.Context) error { transports.RunCleanup(c); return nil })
	run("ipc", ipcSrv.Run)

	go func() {
		select {
		case <-srv.Restart:
			slog.Warn("restart-required config change applied, exiting for supervisor restart")
			stop()
		case <-ctx.Done():
		}
	}()

	err = srv.Run(ctx)

	subs.Stop()
	wg.Wait()
	slog.Info("habgate stopped")
	return err
}

// setupLogging builds the ring-buffer handler backing both stderr (or
// the configured log file) and /api/logs.
func setupLogging(cfg *config.Config) (*events.LogHandler, func(), error) {
	level := parseLevel(cfg.LogLevel)

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	}
	return events.NewLogHandler(level, 1000, w), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
