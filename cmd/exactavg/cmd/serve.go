package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aevon-lab/exactavg/internal/aggregation"
	corecfg "github.com/aevon-lab/exactavg/internal/core/config"
	"github.com/aevon-lab/exactavg/internal/core/storage/postgres"
	"github.com/aevon-lab/exactavg/internal/evaluate"
	"github.com/aevon-lab/exactavg/internal/ingestion"
	"github.com/aevon-lab/exactavg/internal/migrations"
	"github.com/aevon-lab/exactavg/internal/projection"
	"github.com/aevon-lab/exactavg/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion, aggregation and query server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// 0. Bootstrap logger until the configured one is known
	setupLogger(os.Stdout, corecfg.LogConfig{Level: "info", Format: "text"})

	// 1. Load Configuration
	cfg, err := corecfg.Load(cfgFile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return err
	}
	setupLogger(os.Stdout, cfg.Log)
	slog.Info("Loaded config",
		"server", cfg.Server,
		"aggregation", cfg.Aggregation,
		"precision", cfg.Precision,
		"rules", len(cfg.RuleLoading.Rules))

	planner, _ := cfg.Precision.Planner()
	rounding, _ := cfg.Precision.RoundingMode()

	// 2. Initialize Storage (PostgreSQL)
	db, err := postgres.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return err
	}

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(db, cfg.Database.AutoMigrate); err != nil {
		db.Close()
		slog.Error("Failed to run database migrations", "error", err)
		return err
	}

	eventStore, err := postgres.NewAdapter(db)
	if err != nil {
		db.Close()
		slog.Error("Failed to prepare event store", "error", err)
		return err
	}
	defer eventStore.Close()

	partialStore := postgres.NewPartialStateAdapter(db, postgres.WithMaxPrecision(cfg.Precision.MaxPrecision))
	rules := cfg.RuleLoading.Rules

	// 3. Initialize Aggregation (one cron stream per rule window size)
	schedulers := aggregation.NewSchedulers(
		cfg.Aggregation.CronIntervalDuration(),
		eventStore,
		partialStore,
		rules,
		aggregation.BatchJobParameter{
			BatchSize:   cfg.Aggregation.BatchSize,
			WorkerCount: cfg.Aggregation.WorkerCount,
		},
	)
	labels := make([]string, 0, len(schedulers))
	for _, s := range schedulers {
		labels = append(labels, s.BucketLabel())
	}
	slog.Info("Aggregation scheduler(s) initialized",
		"interval", cfg.Aggregation.CronIntervalDuration(),
		"enabled", cfg.Aggregation.Enabled,
		"bucket_sizes", labels,
		"batch_size", cfg.Aggregation.BatchSize,
		"worker_count", cfg.Aggregation.WorkerCount,
	)

	// 4. API services
	ingestionSvc := ingestion.NewService(aggregation.NewInMemoryRuleRepository(rules...), eventStore, cfg.Server.MaxBodySizeMB)
	projectionSvc := projection.NewService(partialStore, eventStore, rules)
	evaluateSvc := evaluate.NewService(planner, rounding)

	// 5. Initialize Server
	srv := server.New(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		db,
		cfg.Server.Mode,
		server.WithSchemaStatus(func() (uint, bool, error) { return migrations.Status(db) }),
	)
	srv.Mount(ingestionSvc, projectionSvc, evaluateSvc)

	// 6. Start Services
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Aggregation.Enabled {
		go func() {
			if err := aggregation.RunAll(ctx, schedulers); err != nil && ctx.Err() == nil {
				slog.Error("Scheduler stopped with error", "error", err)
			}
		}()
	} else {
		slog.Info("Aggregation scheduler disabled by config")
	}

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
		return err
	}

	slog.Info("Shutdown complete")
	return nil
}
