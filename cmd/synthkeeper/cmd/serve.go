package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/solatis/synthkeeper/internal/core/api"
	"github.com/solatis/synthkeeper/internal/core/config"
	"github.com/solatis/synthkeeper/internal/core/db"
	"github.com/solatis/synthkeeper/internal/core/server"
)

const Version = "0.1.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC formula service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50061, "gRPC server port")
	serveCmd.Flags().String("sensors", "", "sensor definition YAML file (required)")
	serveCmd.Flags().String("states", "", "YAML file with initial entity states")
	serveCmd.Flags().Bool("watch", true, "reload the sensor file when it changes")
	_ = serveCmd.MarkFlagRequired("sensors")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := stderrLogger()
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if dbURL != "" {
		cfg.Server.DatabaseURL = dbURL
	}

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	migrator, err := db.NewMigrator(database, logger)
	if err != nil {
		return err
	}
	pending, err := migrator.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	if len(pending) > 0 {
		return fmt.Errorf("migration %s not applied - run 'synthkeeper migrate' first", pending[0])
	}

	queries, err := db.LoadQueries(database)
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}
	store := db.NewRegistryStore(queries)

	states := api.NewStateTable()
	if path, _ := cmd.Flags().GetString("states"); path != "" {
		if states, err = api.LoadStates(path); err != nil {
			return fmt.Errorf("failed to load states: %w", err)
		}
	}

	service, err := api.NewFormulaService(states, store, logger, cfg.EngineOptions(logger)...)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	sensorsPath, _ := cmd.Flags().GetString("sensors")
	sensors, err := config.LoadSensors(sensorsPath)
	if err != nil {
		return fmt.Errorf("failed to load sensors: %w", err)
	}
	if err := service.Load(ctx, sensors); err != nil {
		return fmt.Errorf("failed to load sensors: %w", err)
	}
	cycle := service.Engine().EvaluateAll(ctx)
	logger.InfoContext(ctx, "initial evaluation complete",
		slog.String("config", sensors.Name),
		slog.Int("sensors", len(cycle.Sensors)),
		slog.Int("failed", len(cycle.Failed())),
	)

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		watcher, err := api.WatchSensors(sensorsPath, service, logger)
		if err != nil {
			return fmt.Errorf("failed to watch sensors: %w", err)
		}
		defer watcher.Close()
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.ErrorContext(ctx, "sensor watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	grpcServer, err := server.NewGRPCServer(&cfg.Server, service, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	grpcServer.SetReady(service.Engine() != nil)

	logger.InfoContext(ctx, "starting SynthKeeper formula service",
		slog.String("version", Version),
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
	)
	errChan := make(chan error, 1)
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := grpcServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := service.Engine().Persist(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("failed to persist registry on shutdown", slog.String("error", err.Error()))
		}
		return nil
	}
}

// openDatabase opens the registry database named by the config.
func openDatabase(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	database, err := db.OpenContext(ctx, db.URLFor(cfg.Server.DatabaseURL, cfg.Server.DataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}
