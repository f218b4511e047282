package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"signal-sandbox/internal/acl"
	"signal-sandbox/internal/api"
	"signal-sandbox/internal/config"
	"signal-sandbox/internal/monitor"
	"signal-sandbox/internal/sandbox"
	"signal-sandbox/internal/storage"
	"signal-sandbox/pkg/denylist"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	// Storage root for user function source
	store, err := sandbox.NewDirStore(cfg.Sandbox.StorageRoot)
	if err != nil {
		log.Fatal().Err(err).Str("root", cfg.Sandbox.StorageRoot).Msg("failed to open storage root")
	}

	// Database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit persistence disabled")
		} else {
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to run audit migrations")
			}
		}
	}

	var auditWriter *storage.AuditWriter
	auditSinks := acl.MultiSink{acl.LogSink{}}
	var execSink sandbox.ExecutionSink
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		auditSinks = append(auditSinks, auditWriter)
		execSink = auditWriter
	}

	// Roles: static assignments from config, optionally fronted by a
	// TTL-bounded Redis cache.
	roleStore := buildRoleStore(cfg)

	checker := acl.NewChecker(acl.CheckerDeps{
		Roles:           roleStore,
		Audit:           auditSinks,
		Metrics:         metrics,
		AdminNamespaces: cfg.ACL.AdminNamespaces,
		Shares:          sharedGrants(cfg),
	})

	limits := sandbox.Limits{
		MaxTimeout:     cfg.Sandbox.MaxTimeout,
		MaxMemoryMB:    cfg.Sandbox.MaxMemoryMB,
		MaxFileBytes:   cfg.Sandbox.MaxFileBytes,
		MaxSourceChars: cfg.Sandbox.MaxSourceChars,
	}
	validator := sandbox.NewCodeValidator(denylist.Default(), cfg.Sandbox.MaxSourceChars)
	compiler := sandbox.NewCompiler(cfg.Sandbox.Enabled)
	engine := buildEngine(cfg)
	runner := sandbox.NewRunner(engine, cfg.Sandbox.MaxConcurrent, cfg.Sandbox.QueueTimeout)

	executor := sandbox.NewExecutor(sandbox.ExecutorDeps{
		Enabled:   cfg.Sandbox.Enabled,
		Limits:    limits,
		Loader:    sandbox.NewLoader(store, cfg.Sandbox.MaxFileBytes),
		Validator: validator,
		Compiler:  compiler,
		Runner:    runner,
		Auth:      checker,
		Sink:      execSink,
		Metrics:   metrics,
	})

	handlers := api.NewHandlers(api.HandlersDeps{
		Executor:       executor,
		Store:          store,
		Validator:      validator,
		Compiler:       compiler,
		Checker:        checker,
		Roles:          roleStore,
		DB:             db,
		Metrics:        metrics,
		Limits:         limits,
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		DefaultMemMB:   cfg.Sandbox.DefaultMemoryMB,
	})

	server := api.NewServer(cfg, handlers, db, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("engine", engine.Name()).
		Bool("engine_available", engine.Available()).
		Bool("db_enabled", db != nil).
		Bool("execution_enabled", cfg.Sandbox.Enabled).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

// buildEngine picks the execution engine: the rlimit-confined worker when
// available, the in-process interpreter otherwise.
func buildEngine(cfg *config.Config) sandbox.Engine {
	workerPath := cfg.Sandbox.WorkerPath
	if workerPath == "" {
		if exe, err := os.Executable(); err == nil {
			workerPath = filepath.Join(filepath.Dir(exe), "signal-sandbox-worker")
		}
	}

	switch cfg.Sandbox.Engine {
	case "subprocess":
		return sandbox.NewSubprocessEngine(workerPath, cfg.Sandbox.StepsPerSecond)
	case "inproc":
		return sandbox.NewInprocEngine(cfg.Sandbox.StepsPerSecond)
	default: // auto
		// The in-process interpreter cannot hard-enforce memory ceilings,
		// so auto never falls back to it. Without the worker the engine
		// stays unavailable and execution refuses until it is installed;
		// soft limits require an explicit "engine: inproc".
		sub := sandbox.NewSubprocessEngine(workerPath, cfg.Sandbox.StepsPerSecond)
		if sub.Available() {
			log.Info().Str("worker", workerPath).Msg("using subprocess engine")
		} else {
			log.Error().Str("worker", workerPath).Msg("worker binary not found, execution disabled until it is installed (set engine: inproc to opt into soft limits)")
		}
		return sub
	}
}

func buildRoleStore(cfg *config.Config) acl.RoleStore {
	roles := make(map[string]acl.Role, len(cfg.ACL.Roles))
	for name, rc := range cfg.ACL.Roles {
		perms := make([]acl.Permission, 0, len(rc.Permissions))
		for _, p := range rc.Permissions {
			perms = append(perms, acl.Permission(p))
		}
		roles[name] = acl.Role{
			Name:         name,
			Permissions:  perms,
			MaxMemoryMB:  rc.MaxMemoryMB,
			MaxTimeout:   rc.MaxTimeout,
			MaxFunctions: rc.MaxFunctions,
			Suspended:    rc.Suspended,
		}
	}

	var store acl.RoleStore = acl.NewStaticRoleStore(roles, cfg.ACL.Users)

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = acl.NewCachedRoleStore(store, rdb, cfg.Redis.RoleTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Redis.RoleTTL).Msg("role cache enabled")
	}

	return store
}

func sharedGrants(cfg *config.Config) map[string][]string {
	shares := make(map[string][]string, len(cfg.ACL.SharedFunctions))
	for _, sf := range cfg.ACL.SharedFunctions {
		shares[sf.Path] = sf.Roles
	}
	return shares
}
