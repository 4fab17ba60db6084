// Command ciflow runs the CI failure remediation orchestrator: it serves
// the webhook ingress, drives the dispatcher's worker pool, and exposes a
// handful of operator subcommands for inspecting queue state.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cklxx/ciflow/internal/config"
	"github.com/cklxx/ciflow/internal/dispatcher"
	"github.com/cklxx/ciflow/internal/domain"
	"github.com/cklxx/ciflow/internal/ingress"
	"github.com/cklxx/ciflow/internal/logging"
	"github.com/cklxx/ciflow/internal/metrics"
	"github.com/cklxx/ciflow/internal/store/postgres"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ciflow",
		Short: "CI failure remediation orchestrator",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a ciflow.yaml config file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newBuildsCommand())
	root.AddCommand(newDeadLettersCommand())
	return root
}

func loadDeps(ctx context.Context) (config.Config, logging.Logger, *pgxpool.Pool, *postgres.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}).With("ciflow")

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return cfg, logger, nil, nil, fmt.Errorf("connecting to database: %w", err)
	}

	store := postgres.New(pool, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return cfg, logger, nil, nil, fmt.Errorf("ensuring schema: %w", err)
	}

	return cfg, logger, pool, store, nil
}

func newServeCommand() *cobra.Command {
	var workerCount int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook ingress and the dispatcher worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, logger, pool, store, err := loadDeps(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			registry := domain.NewRegistry()
			// Concrete agent bodies (LLM prompting, git, Maven/Gradle,
			// GitHub, SMTP) are external collaborators; production
			// deployments register them here before calling Start.

			dispatchCfg := dispatcher.DefaultConfig()
			dispatchCfg.LeaseTTL = cfg.LeaseTTL
			if workerCount > 0 {
				dispatchCfg.WorkerCount = workerCount
			} else {
				dispatchCfg.WorkerCount = cfg.WorkerConcurrency
			}

			promReg := prometheus.NewRegistry()
			metricsRegistry := metrics.NewRegistry(promReg)

			d := dispatcher.New(store, registry, metricsRegistry, dispatchCfg, logger)
			d.Start(ctx)
			defer d.Shutdown(30 * time.Second)

			adapter, err := ingress.New(store, 4096, metricsRegistry, logger)
			if err != nil {
				return err
			}
			router := ingress.NewRouter(adapter, []string{"*"})

			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

			httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
			metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

			go func() {
				logger.Info("webhook ingress listening on %s", cfg.HTTPAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("webhook server error: %v", err)
				}
			}()
			go func() {
				logger.Info("metrics listening on %s", cfg.MetricsAddr)
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server error: %v", err)
				}
			}()
			go statsLoop(ctx, d, logger)

			fmt.Println(green(bold("ciflow orchestrator running")))
			<-ctx.Done()
			fmt.Println("shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
			_ = metricsServer.Shutdown(shutdownCtx)
			return nil
		},
	}
	cmd.Flags().IntVar(&workerCount, "workers", 0, "override worker pool size (default: config worker_concurrency)")
	return cmd
}

// statsLoop periodically calls Stats, which refreshes the builds-by-status
// and tasks-by-status gauges as a side effect.
func statsLoop(ctx context.Context, d *dispatcher.Dispatcher, logger logging.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Stats(ctx); err != nil {
				logger.Warn("refreshing operational stats failed: %v", err)
			}
		}
	}
}

func newBuildsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "builds",
		Short: "List active builds and per-status counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, _, pool, store, err := loadDeps(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			builds, err := store.ListActiveBuilds(ctx)
			if err != nil {
				return err
			}
			for _, b := range builds {
				fmt.Printf("%s  %-10s  %s/%d  %s\n", b.ID, b.Status, b.Job, b.BuildNumber, b.Branch)
			}

			counts, err := store.CountBuildsByStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Println(bold("\nby status:"))
			for status, n := range counts {
				fmt.Printf("  %-30s %d\n", status, n)
			}
			return nil
		},
	}
}

func newDeadLettersCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List tasks that have exhausted their retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, _, pool, store, err := loadDeps(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			tasks, err := store.ListDeadLetters(ctx, limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println(green("no dead letters"))
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("%s  build=%s  kind=%-10s  error=%s\n", t.ID, t.BuildID, t.Kind, t.LastError)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum dead letters to print")
	return cmd
}
