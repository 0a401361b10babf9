package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatscan/internal/logging"
	"github.com/telhawk-systems/threatscan/internal/scan"
)

var (
	scanThreatIndices []string
	scanEventIndices  []string
	scanConcurrency   int
	scanInterval      string
	scanVerbose       bool
	scanSortByTime    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan over the indicator corpus",
	Long: `Run one time-budgeted scan. The run stops cleanly when its interval
budget is spent; launching it again picks up the remaining indicators.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringSliceVar(&scanThreatIndices, "threat-index", nil, "indicator indices (default from config)")
	scanCmd.Flags().StringSliceVar(&scanEventIndices, "events-index", nil, "event indices (default from config)")
	scanCmd.Flags().IntVar(&scanConcurrency, "concurrency", 0, "max concurrent event match requests")
	scanCmd.Flags().StringVar(&scanInterval, "interval", "", "scheduling interval, e.g. 10s, 1m, 1h")
	scanCmd.Flags().BoolVar(&scanVerbose, "verbose", false, "log every indicator checked")
	scanCmd.Flags().BoolVar(&scanSortByTime, "sort-by-time", false, "walk indicators in @timestamp order instead of the per-run shuffle")

	rootCmd.AddCommand(scanCmd)
}

// scanParams merges flag overrides over the loaded configuration.
func scanParams() scan.Params {
	p := scan.Params{
		ThreatIndices: cfg.Scan.ThreatIndices,
		EventIndices:  cfg.Scan.EventIndices,
		Concurrency:   cfg.Scan.Concurrency,
		Interval:      cfg.Scan.Interval,
		Verbose:       cfg.Scan.Verbose,
	}
	if len(scanThreatIndices) > 0 {
		p.ThreatIndices = scanThreatIndices
	}
	if len(scanEventIndices) > 0 {
		p.EventIndices = scanEventIndices
	}
	if scanConcurrency > 0 {
		p.Concurrency = scanConcurrency
	}
	if scanInterval != "" {
		p.Interval = scanInterval
	}
	if scanVerbose {
		p.Verbose = true
	}
	if scanSortByTime {
		p.SortByTime = true
	}
	if p.Verbose {
		// Verbose scans log per-indicator results at debug level.
		logger = logging.New(logging.ParseLevel("debug"), cfg.Logging.Format).With(logging.Service("threatscan"))
		logging.SetDefault(logger)
	}
	return p
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	osClient, err := connect()
	if err != nil {
		return err
	}

	// scanParams may swap in a debug logger; build the scanner after it.
	p := scanParams()
	scanner := scan.New(osClient, osClient, logger)
	_, err = scanner.Run(ctx, p)
	return err
}
