package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kynetic/kynetic/internal/agent/lifecycle"
	"github.com/kynetic/kynetic/internal/checkpoint"
	"github.com/kynetic/kynetic/internal/common/config"
	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/events"
	"github.com/kynetic/kynetic/internal/gateway"
	"github.com/kynetic/kynetic/internal/orchestrator"
	"github.com/kynetic/kynetic/internal/platform/discord"
	"github.com/kynetic/kynetic/internal/session"
	"github.com/kynetic/kynetic/internal/storage"
	"github.com/kynetic/kynetic/internal/supervisor"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting kynetic...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-process otherwise
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 4. Persistence
	store, err := storage.Provide(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}

	// 5. Agent lifecycle
	lifecycleMgr := lifecycle.NewManager(cfg.Agent, eventBus, log)

	// 6. Session routing and management
	router := session.NewRouter([]string{cfg.Agent.Name})
	sessions := session.NewManager(router, store, session.ManagerConfig{
		RotationThreshold: cfg.Session.RotationThreshold,
		RecencyWindow:     cfg.Session.RecencyWindow(),
		Cwd:               cfg.Agent.Cwd,
	}, log)

	// 7. Context-usage tracking over the agent's stderr
	tracker := session.NewUsageTracker(nil,
		cfg.Session.UsageDebounce(), cfg.Session.UsageTimeout(), eventBus, log)
	stderrLines, unsubscribeStderr := lifecycleMgr.SubscribeStderr()
	defer unsubscribeStderr()
	go tracker.Watch(stderrLines)

	// 8. Platform adapter
	channel := discord.NewAdapter(cfg.Discord, log)

	// 9. Orchestrator
	orch := orchestrator.New(orchestrator.Config{
		AgentName:       cfg.Agent.Name,
		BaseDir:         cfg.BaseDir,
		ShutdownTimeout: cfg.Agent.ShutdownTimeout(),
		Streaming:       cfg.Streaming,
		Discord:         cfg.Discord,
	}, orchestrator.Deps{
		Bus:         eventBus,
		Runtime:     orchestrator.NewLifecycleRuntime(lifecycleMgr),
		Router:      router,
		Sessions:    sessions,
		Store:       store,
		Channel:     channel,
		Checkpoints: checkpoint.NewStore(cfg.BaseDir),
		Supervisor:  supervisor.NewClient(),
		Tracker:     tracker,
		Logger:      log,
	})

	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// 10. Ops HTTP server
	var server *http.Server
	if cfg.Server.Enabled {
		port := cfg.Server.Port
		server = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
			Handler:      gateway.NewRouter(orch, log),
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		}
		group.Go(func() error {
			log.Info("Ops HTTP server listening", zap.Int("port", port))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	// 11. Wait for a shutdown signal or a server failure
	group.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case <-groupCtx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if server != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error("HTTP server shutdown error", zap.Error(err))
			}
		}
		if err := orch.Stop(shutdownCtx); err != nil {
			log.Error("Orchestrator stop error", zap.Error(err))
		}
		cancel()
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatal("Service failed", zap.Error(err))
	}
	log.Info("kynetic stopped")
}
