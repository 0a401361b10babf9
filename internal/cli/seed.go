package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatscan/internal/seeder"
)

var (
	seedThreatIndex string
	seedEventIndex  string
	seedIndicators  int
	seedEvents      int
	seedMatchFrac   float64
	seedSeed        int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed indicator and event fixtures",
	Long:  "Generate realistic indicator and event documents for benching the scanner.",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedThreatIndex, "threat-index", "", "indicator index to seed (default from config)")
	seedCmd.Flags().StringVar(&seedEventIndex, "events-index", "", "event index to seed (default from config)")
	seedCmd.Flags().IntVar(&seedIndicators, "indicators", 0, "number of indicators to generate")
	seedCmd.Flags().IntVar(&seedEvents, "events", 0, "number of events to generate")
	seedCmd.Flags().Float64Var(&seedMatchFrac, "match-fraction", -1, "fraction of events matching a seeded indicator")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (0 derives one from the clock)")

	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	osClient, err := connect()
	if err != nil {
		return err
	}

	p := seeder.Params{
		ThreatIndex:   firstIndex(cfg.Scan.ThreatIndices),
		EventIndex:    firstIndex(cfg.Scan.EventIndices),
		Indicators:    cfg.Seeder.Indicators,
		Events:        cfg.Seeder.Events,
		MatchFraction: cfg.Seeder.MatchFraction,
		TimeSpread:    cfg.Seeder.TimeSpread,
		BatchSize:     cfg.Seeder.BatchSize,
		Seed:          seedSeed,
	}
	if seedThreatIndex != "" {
		p.ThreatIndex = seedThreatIndex
	}
	if seedEventIndex != "" {
		p.EventIndex = seedEventIndex
	}
	if seedIndicators > 0 {
		p.Indicators = seedIndicators
	}
	if seedEvents > 0 {
		p.Events = seedEvents
	}
	if seedMatchFrac >= 0 {
		p.MatchFraction = seedMatchFrac
	}

	return seeder.New(osClient, logger, seedSeed).Run(ctx, p)
}

func firstIndex(indices []string) string {
	if len(indices) == 0 {
		return ""
	}
	return indices[0]
}
