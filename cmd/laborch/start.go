package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/laborch/internal/api"
	"github.com/mattjoyce/laborch/internal/auth"
	"github.com/mattjoyce/laborch/internal/config"
	"github.com/mattjoyce/laborch/internal/dispatch"
	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/inspect"
	"github.com/mattjoyce/laborch/internal/lock"
	"github.com/mattjoyce/laborch/internal/log"
	"github.com/mattjoyce/laborch/internal/objectstore"
	"github.com/mattjoyce/laborch/internal/orchestrator"
	"github.com/mattjoyce/laborch/internal/platemap"
	"github.com/mattjoyce/laborch/internal/recipe"
	"github.com/mattjoyce/laborch/internal/scheduler"
	"github.com/mattjoyce/laborch/internal/state"
	"github.com/mattjoyce/laborch/internal/storage"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	resume := fs.Bool("resume", false, "Restore the last exported queues")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	lf := cfg.Service.LogFile
	log.SetupWithFile(cfg.Service.LogLevel, log.FileOptions{
		Path:       lf.Path,
		MaxSizeMB:  lf.MaxSizeMB,
		MaxBackups: lf.MaxBackups,
		MaxAgeDays: lf.MaxAgeDays,
		Compress:   lf.Compress,
	})
	logger := log.WithComponent("main")
	logger.Info("laborch starting", "version", version, "config", *configPath, "orchestrator", cfg.Orchestrator.Server)

	lockPath := lock.PathFor(cfg.State.Path, cfg.Orchestrator.Server)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	hash, err := config.Fingerprint(cfg)
	if err != nil {
		logger.Error("failed to fingerprint config", "error", err)
		return 1
	}

	registry := recipe.NewRegistry()
	if err := recipe.RegisterBuiltins(registry, cfg.OrchServer()); err != nil {
		logger.Error("failed to register recipes", "error", err)
		return 1
	}
	logger.Info("recipe registration complete", "count", len(registry.List()))

	hub := events.NewHub(256)
	client := dispatch.New(dispatch.Options{
		DispatchTimeout:     cfg.Orchestrator.DispatchTimeout,
		AvailabilityTimeout: cfg.Orchestrator.AvailabilityTimeout,
		PrivateRetries:      cfg.Orchestrator.PrivateRetries,
	})

	deps := orchestrator.Deps{
		Dispatcher: client,
		Recipes:    registry,
		Archive:    state.NewArchive(db),
		Snapshots:  state.NewStore(db),
		Hub:        hub,
	}

	if cfg.State.PlateDB != "" {
		plateDB, err := storage.OpenSQLite(ctx, cfg.State.PlateDB)
		if err != nil {
			logger.Error("failed to open plate database", "path", cfg.State.PlateDB, "error", err)
			return 1
		}
		defer plateDB.Close()
		deps.Plates = platemap.NewStore(plateDB)
		logger.Info("plate database opened", "path", cfg.State.PlateDB)
	}

	uploader, err := objectstore.New(cfg.ObjectStore)
	if err != nil {
		logger.Error("failed to configure object store", "error", err)
		return 1
	}
	if uploader != nil {
		if err := uploader.EnsureBucket(ctx); err != nil {
			logger.Error("object store unavailable", "endpoint", cfg.ObjectStore.Endpoint, "error", err)
			return 1
		}
		deps.Uploader = uploader
		logger.Info("object store enabled", "endpoint", cfg.ObjectStore.Endpoint, "bucket", cfg.ObjectStore.Bucket)
	}

	st := cfg.Orchestrator.StepThrough
	engine := orchestrator.New(orchestrator.Config{
		Server:            cfg.OrchServer(),
		Servers:           cfg.World(),
		CheckAvailability: cfg.Orchestrator.CheckAvailability,
		BroadcastTimeout:  cfg.Orchestrator.BroadcastTimeout,
		StepThrough: orchestrator.StepThrough{
			Actions:     st.Actions,
			Experiments: st.Experiments,
			Sequences:   st.Sequences,
		},
		ConfigHash: hash,
	}, deps)

	if cfg.Orchestrator.ResumeOnStart || *resume {
		if err := engine.Restore(ctx); err != nil {
			logger.Error("failed to restore queues", "error", err)
			return 1
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("orchestrator: %w", err)
		}
	}()

	sched := scheduler.New(scheduler.Config{
		HeartbeatInterval: cfg.Orchestrator.HeartbeatInterval,
		ExportInterval:    cfg.Orchestrator.ExportInterval,
		Self:              cfg.OrchServer(),
	}, engine, client, hub, log.Get())
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}
	defer sched.Stop()

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, engine, hub, log.Get())
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("laborch running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	// Queues outlive the process; save them before the context goes away.
	exportCtx, exportCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := engine.ExportQueues(exportCtx, "shutdown"); err != nil {
		logger.Error("final queue export failed", "error", err)
	}
	exportCancel()
	cancel()

	logger.Info("laborch stopped")
	return code
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type systemStatus struct {
	Healthy bool          `json:"healthy"`
	Config  string        `json:"config,omitempty"`
	Checks  []statusCheck `json:"checks"`
}

// runSystemStatus checks the local install without contacting the API.
func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	out := systemStatus{Healthy: true}
	add := func(c statusCheck) {
		out.Checks = append(out.Checks, c)
		if !c.OK {
			out.Healthy = false
		}
	}

	path, err := resolveConfigPath(*configPath)
	var cfg *config.Config
	if err == nil {
		out.Config = path
		cfg, err = config.Load(path)
	}
	if err != nil {
		add(statusCheck{Name: "config", OK: false, Detail: err.Error()})
	} else {
		add(statusCheck{Name: "config", OK: true, Detail: fmt.Sprintf("%d server(s)", len(cfg.Servers))})
	}

	if cfg != nil {
		db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
		if err != nil {
			add(statusCheck{Name: "database", OK: false, Detail: err.Error()})
		} else {
			_ = db.Close()
			add(statusCheck{Name: "database", OK: true, Detail: cfg.State.Path})
		}

		// Probe the lock: the file outlives its holder, so its pid alone
		// says nothing.
		lockPath := lock.PathFor(cfg.State.Path, cfg.Orchestrator.Server)
		l, err := lock.Acquire(lockPath)
		switch {
		case errors.Is(err, lock.ErrLocked):
			detail := "running"
			if pid, ok := lock.HolderPID(lockPath); ok {
				detail = fmt.Sprintf("running (pid %d)", pid)
			}
			add(statusCheck{Name: "pid_lock", OK: true, Detail: detail})
		case err != nil:
			add(statusCheck{Name: "pid_lock", OK: false, Detail: err.Error()})
		default:
			_ = l.Release()
			add(statusCheck{Name: "pid_lock", OK: true, Detail: "not running"})
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, c := range out.Checks {
			mark := "OK  "
			if !c.OK {
				mark = "FAIL"
			}
			fmt.Printf("%s %-9s %s\n", mark, c.Name, c.Detail)
		}
	}

	if !out.Healthy {
		return 1
	}
	return 0
}

func runInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	id, rest := splitPositional(args, "config")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" {
		fmt.Fprintf(os.Stderr, "Usage: laborch archive inspect <uuid> [--config PATH] [--json]\n")
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(context.Background(), db, id)
	} else {
		report, err = inspect.BuildReport(context.Background(), db, id)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	if jsonOut {
		fmt.Println()
	}
	return 0
}
