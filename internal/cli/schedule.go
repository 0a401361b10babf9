package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatscan/internal/logging"
	"github.com/telhawk-systems/threatscan/internal/scan"
	"github.com/telhawk-systems/threatscan/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run scans on a recurring schedule",
	Long: `Run the scanner once per interval until interrupted. A run that pauses
on its time budget hands the remaining indicators to the next tick.`,
	RunE: runSchedule,
}

func init() {
	scheduleCmd.Flags().StringSliceVar(&scanThreatIndices, "threat-index", nil, "indicator indices (default from config)")
	scheduleCmd.Flags().StringSliceVar(&scanEventIndices, "events-index", nil, "event indices (default from config)")
	scheduleCmd.Flags().IntVar(&scanConcurrency, "concurrency", 0, "max concurrent event match requests")
	scheduleCmd.Flags().StringVar(&scanInterval, "interval", "", "scheduling interval, e.g. 10s, 1m, 1h")
	scheduleCmd.Flags().BoolVar(&scanVerbose, "verbose", false, "log every indicator checked")
	scheduleCmd.Flags().BoolVar(&scanSortByTime, "sort-by-time", false, "walk indicators in @timestamp order instead of the per-run shuffle")

	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	osClient, err := connect()
	if err != nil {
		return err
	}

	// scanParams may swap in a debug logger; build the scanner after it.
	p := scanParams()
	scanner := scan.New(osClient, osClient, logger)
	sched, err := scheduler.New(scanner, p, logger)
	if err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("metrics listener starting", "port", cfg.Metrics.Port)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", logging.Error(err))
			}
		}()
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop failed", logging.Error(err))
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}
