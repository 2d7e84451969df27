package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/celerix-dev/ussd-whisperer/internal/api"
	"github.com/celerix-dev/ussd-whisperer/internal/bridge"
	"github.com/celerix-dev/ussd-whisperer/internal/config"
	"github.com/celerix-dev/ussd-whisperer/internal/dispatch"
	"github.com/celerix-dev/ussd-whisperer/internal/engine"
	"github.com/celerix-dev/ussd-whisperer/internal/logging"
	"github.com/celerix-dev/ussd-whisperer/internal/notify"
	"github.com/celerix-dev/ussd-whisperer/internal/server"
	"github.com/celerix-dev/ussd-whisperer/internal/vault"
	"github.com/celerix-dev/ussd-whisperer/internal/workflow"
	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	fmt.Println("Starting USSD Daemon...")

	// 1. Configuration and logging
	cfg, err := config.Load(os.Getenv("USSD_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("daemon failed", zap.Error(err))
	}
	fmt.Println("Shutdown complete. Exiting.")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// 2. Open the record store
	store, err := engine.Open(ctx, cfg.Store, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		fmt.Println("Finalizing store writes...")
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", zap.Error(err))
		}
	}()

	if cfg.SeedFile != "" {
		n, err := engine.SeedIfEmpty(ctx, store, cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("failed to seed store: %w", err)
		}
		if n > 0 {
			logger.Info("seeded store", zap.Int("records", n), zap.String("file", cfg.SeedFile))
		}
	}
	records, err := store.ListRecords(ctx, schema.OrderCreatedAsc)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	fmt.Printf("Engine started (%s driver). Loaded %d USSD codes.\n", cfg.Store.Driver, len(records))

	// 3. Notifications: in-process hub for websocket clients, plus Redis when configured
	hub := notify.NewHub()
	defer hub.Close()
	notifiers := notify.Multi{hub}
	if cfg.Redis.Addr != "" {
		client, err := notify.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		notifiers = append(notifiers, notify.NewRedisPublisher(client, cfg.Redis.Channel, logger))
		fmt.Printf("Publishing notifications to redis %s.\n", cfg.Redis.Addr)
	}
	sub := store.Subscribe(func(ch schema.Change) {
		hub.Notify(ctx, notify.FromChange(ch))
	})
	defer sub.Unsubscribe()

	// 4. Execution bridge, workflow and runner
	dialer, err := bridge.New(cfg.Bridge, logger)
	if err != nil {
		return fmt.Errorf("failed to set up bridge: %w", err)
	}
	executor := workflow.NewExecutor(store, dialer, notifiers, logger,
		workflow.WithStepDelay(cfg.Runner.StepDelay))
	runner := dispatch.New(store, executor, cfg.Runner, logger)

	// 5. TCP router
	router := server.NewRouter(store, runner, logger)
	if !cfg.DisableTLS {
		fmt.Println("Generating self-signed certificate for internal TLS...")
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("failed to generate TLS certificate: %w", err)
		}
		router.SetCertificate(cert)
		fmt.Println("TLS encryption enabled.")
	} else {
		fmt.Println("TLS encryption disabled (USSD_DISABLE_TLS=true).")
	}

	// 6. HTTP API
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(&api.Handler{Store: store, Runner: runner, Hub: hub, Log: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 7. Start everything and wait for a signal or the first failure
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Printf("Runner started (auto run: %v).\n", cfg.Runner.AutoRun)
		return runner.Run(gctx)
	})
	g.Go(func() error {
		fmt.Printf("HTTP API listening on :%s\n", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		fmt.Printf("USSD Engine listening on :%s (TCP)\n", cfg.Port)
		if err := router.Listen(cfg.Port); err != nil {
			return fmt.Errorf("TCP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\nShutdown signal received. Stopping servers...")
		router.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
