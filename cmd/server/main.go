package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offline-sync-service/internal/api"
	"offline-sync-service/internal/audit"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/connectivity"
	"offline-sync-service/internal/container"
	"offline-sync-service/internal/database"
	"offline-sync-service/internal/docstore"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/registry"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "offline-sync",
		Short:         "Offline-first multi-store sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if _, err := sync.DebounceConfig(cfg.Engine); err != nil {
				return err
			}
			if _, err := sync.Policy(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d stores\n", len(cfg.Stores))
			return nil
		},
	})
	return root
}

func loadConfig(path string) (*config.Config, error) {
	// .env is optional
	_ = godotenv.Load()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync service")
	if ctx == nil {
		ctx = context.Background()
	}

	// State store
	var stateStore store.Store = store.NewMemoryStore()
	if cfg.StateStorage.Type != "memory" {
		db, err := database.NewDatabase(cfg.StateStorage)
		if err != nil {
			return fmt.Errorf("failed to open state storage: %w", err)
		}
		sqlStore, err := store.NewSQLStore(ctx, db)
		if err != nil {
			db.Close()
			return fmt.Errorf("failed to init state store: %w", err)
		}
		stateStore = sqlStore
	}
	defer stateStore.Close()

	// Document store
	var docs docstore.DocumentStore = docstore.NewMemoryStore()
	if cfg.DocumentStore.Type != "memory" {
		db, err := database.NewDatabase(cfg.DocumentStore)
		if err != nil {
			return fmt.Errorf("failed to open document store: %w", err)
		}
		defer db.Close()
		sqlDocs, err := docstore.NewSQLStore(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to init document store: %w", err)
		}
		docs = sqlDocs
	}

	var sink audit.Sink = audit.LogSink{}
	switch cfg.Audit.Type {
	case "redis":
		rs := audit.NewRedisSink(cfg.Audit.Addr, cfg.Audit.Password, cfg.Audit.DB, cfg.Audit.Key, cfg.Audit.MaxEntries)
		defer rs.Close()
		sink = rs
	case "none":
		sink = audit.Discard{}
	}

	oracle, err := connectivity.New(cfg.Connectivity)
	if err != nil {
		return err
	}

	opts := []sync.Option{
		sync.WithStateStore(stateStore),
		sync.WithAuditSink(sink),
		sync.WithOracle(oracle),
	}
	if cfg.ChangeFeed.Enabled {
		listener, err := sync.NewBinlogListener(cfg.DocumentStore, cfg.ChangeFeed)
		if err != nil {
			return fmt.Errorf("failed to init change feed: %w", err)
		}
		opts = append(opts, sync.WithChangeSource(listener))
	}

	syncManager, err := sync.NewManager(cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to init sync manager: %w", err)
	}
	for _, sc := range cfg.Stores {
		c := container.NewDocumentContainer(sc.Name, docs,
			container.WithMarkers(cfg.Conflict.VersionField, cfg.Conflict.TimestampField))
		if initial, err := c.Fetch(ctx); err == nil {
			c.Apply(initial)
		} else {
			logger.Log.Warn("Failed to load store", zap.String("store", sc.Name), zap.Error(err))
		}
		spec := registry.StoreSpec{
			Name:              sc.Name,
			Dependencies:      sc.Dependencies,
			SignificantFields: sc.SignificantFields,
			NoiseFields:       sc.NoiseFields,
		}
		if err := syncManager.RegisterStore(c, spec); err != nil {
			return fmt.Errorf("failed to register store %s: %w", sc.Name, err)
		}
	}

	if err := syncManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync manager: %w", err)
	}

	scheduler := sync.NewScheduler(cfg.Scheduler, syncManager)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	handler := api.NewHandler(syncManager, cfg.Server)
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var serveErr error
	select {
	case <-quit:
	case serveErr = <-errCh:
		logger.Log.Error("Server failed", zap.Error(serveErr))
	}

	logger.Log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace+5*time.Second)
	defer cancel()

	scheduler.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("HTTP server shutdown", zap.Error(err))
	}
	if err := syncManager.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Sync manager shutdown", zap.Error(err))
	}
	return serveErr
}
