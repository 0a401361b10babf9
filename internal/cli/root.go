package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatscan/internal/client"
	"github.com/telhawk-systems/threatscan/internal/config"
	"github.com/telhawk-systems/threatscan/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "threatscan",
	Short: "Threat indicator correlation scanner",
	Long: `threatscan walks a corpus of threat indicators stored in OpenSearch and,
for each indicator, counts the event documents matching it. Match counts and
detection timestamps are stamped back onto the indicator documents, so
repeated runs only examine indicators that are due and only count newly
ingested events.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Scan.Verbose {
		level = logging.ParseLevel("debug")
	}
	logger = logging.New(level, cfg.Logging.Format).With(logging.Service("threatscan"))
	logging.SetDefault(logger)
}

// connect builds the OpenSearch client from the loaded configuration.
func connect() (*client.OpenSearch, error) {
	c, err := client.New(cfg.OpenSearch)
	if err != nil {
		return nil, fmt.Errorf("connect to opensearch: %w", err)
	}
	return c, nil
}
