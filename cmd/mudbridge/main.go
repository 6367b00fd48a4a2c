// Package main runs the browser-to-MUD websocket gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mudbridge/internal/backend"
	"github.com/cory-johannsen/mudbridge/internal/config"
	"github.com/cory-johannsen/mudbridge/internal/frontend/handlers"
	"github.com/cory-johannsen/mudbridge/internal/frontend/web"
	"github.com/cory-johannsen/mudbridge/internal/frontend/websocket"
	"github.com/cory-johannsen/mudbridge/internal/observability"
	"github.com/cory-johannsen/mudbridge/internal/scripting"
	"github.com/cory-johannsen/mudbridge/internal/server"
	"github.com/cory-johannsen/mudbridge/internal/session"
	"github.com/cory-johannsen/mudbridge/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (optional; environment variables override)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 15*time.Second, "per-service graceful stop bound")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mudbridge",
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("backend_addr", cfg.Backend.Addr()),
		zap.String("storage", cfg.Storage.Driver),
	)

	ctx := context.Background()
	metrics := observability.NewMetrics()
	lifecycle := server.NewLifecycle(logger, *shutdownTimeout)

	profile, err := backend.LoadProfile(cfg.Backend.Profile)
	if err != nil {
		logger.Fatal("loading backend profile", zap.Error(err))
	}
	opts := session.Options{
		Dialer: session.BackendDialer(backend.Dialer{
			Addr:         cfg.Backend.Addr(),
			Timeout:      cfg.Backend.DialTimeout,
			WriteTimeout: cfg.Backend.WriteTimeout,
			ChunkSize:    cfg.Backend.ReadChunkSize,
		}),
		Profile:          profile,
		HistoryMaxBytes:  cfg.History.MaxBytes,
		HistoryMaxLines:  cfg.History.MaxLines,
		PartialMaxBytes:  cfg.Partial.MaxBytes,
		LoginPacing:      cfg.Session.LoginPacing,
		QuitGrace:        cfg.Session.QuitGrace,
		CommandMaxLength: cfg.Session.CommandMaxLength,
		Logger:           logger,
		Metrics:          metrics,
	}

	if profile.PromptScript != "" {
		preds, err := scripting.LoadPredicates(profile.PromptScript, scripting.DefaultInstructionLimit, logger.Named("scripting"))
		if err != nil {
			logger.Fatal("loading prompt script", zap.Error(err))
		}
		defer preds.Close()
		if preds.HasPrompt() {
			opts.Prompt = backend.AnyPrompt(profile.PromptDetector(), preds)
		}
		if preds.HasDisconnect() {
			opts.DisconnectMatch = backend.AnyLine(profile.DisconnectMatcher(), preds)
		}
		logger.Info("prompt script loaded",
			zap.String("path", profile.PromptScript),
			zap.Bool("is_prompt", preds.HasPrompt()),
			zap.Bool("is_disconnect", preds.HasDisconnect()),
		)
	}

	storage, err := openStorage(ctx, cfg, logger, lifecycle)
	if err != nil {
		logger.Fatal("opening session storage", zap.Error(err))
	}

	manager := session.NewManager(session.ManagerConfig{
		MaxSessions:     cfg.Session.MaxSessions,
		Timeout:         cfg.Session.Timeout,
		CleanupInterval: cfg.Session.CleanupInterval,
	}, opts, storage)
	// Sessions never survive a restart; drop whatever a previous run left behind.
	manager.InvalidateAll()
	metrics.RegisterRegistryGauges(manager.SessionCount, manager.ClientCount)

	lifecycle.Add("sessions", &server.FuncService{
		StartFn: manager.Start,
		StopFn: func(context.Context) error {
			manager.Stop()
			return nil
		},
	})

	gateway := handlers.NewGateway(handlers.GatewayConfig{
		InitTimeout:     cfg.Session.InitTimeout,
		RemovalDelay:    cfg.Session.RemovalDelay,
		RateLimitMax:    cfg.RateLimit.MaxMessages,
		RateLimitWindow: cfg.RateLimit.Window,
	}, manager, logger, metrics)

	acceptor := websocket.NewAcceptor(websocket.Options{
		OutboxSize:   cfg.Session.ClientBuffer,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		CheckOrigin:  websocket.AllowOrigins(cfg.HTTP.AllowedOrigins),
	}, websocket.HandlerFunc(func(ctx context.Context, c *websocket.Conn) {
		gateway.Serve(ctx, c)
	}), logger.Named("websocket"))

	router := web.NewRouter(web.RouterConfig{
		DebugSecret: cfg.Debug.Secret,
		StaticDir:   cfg.HTTP.StaticDir,
	}, acceptor, manager, metrics.Handler(), logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	lifecycle.Add("http", &server.FuncService{
		StartFn: func() error {
			logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
			return httpServer.ListenAndServe()
		},
		StopFn: func(ctx context.Context) error {
			// Hijacked websocket connections are not tracked by http.Server.
			wsErr := acceptor.Shutdown(ctx)
			return errors.Join(wsErr, httpServer.Shutdown(ctx))
		},
	})

	if cfg.GRPC.HealthPort > 0 {
		health := server.NewHealthServer(
			net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.GRPC.HealthPort)),
			logger.Named("health"),
		)
		lifecycle.Add("grpc-health", health)
	}

	logger.Info("gateway initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Int("max_sessions", cfg.Session.MaxSessions),
		zap.String("profile", profile.Name),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// openStorage returns the configured session metadata store. The postgres
// driver registers its pool with lifecycle so it is closed last.
func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger, lifecycle *server.Lifecycle) (session.Storage, error) {
	if cfg.Storage.Driver != "postgres" {
		return session.NewMemoryStorage(), nil
	}

	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Name),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	if cfg.Storage.Migrations != "" {
		res, err := postgres.Migrate(cfg.Database.DSN(), cfg.Storage.Migrations, 0)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("database migrated",
			zap.Uint("version", res.Version),
			zap.Bool("changed", res.Changed),
			zap.Bool("dirty", res.Dirty),
		)
	}

	stop := make(chan struct{})
	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return nil
				case <-ticker.C:
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			}
		},
		StopFn: func(context.Context) error {
			close(stop)
			pool.Close()
			return nil
		},
	})
	return postgres.NewSessionStore(pool.DB()), nil
}
