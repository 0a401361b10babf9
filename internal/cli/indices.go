package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var indicesCmd = &cobra.Command{
	Use:   "indices",
	Short: "Index bootstrap helpers",
}

var indicesInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the configured indicator and event indices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		osClient, err := connect()
		if err != nil {
			return err
		}

		for _, index := range cfg.Scan.ThreatIndices {
			if err := osClient.EnsureIndicatorIndex(ctx, index); err != nil {
				return err
			}
			logger.Info("indicator index ready", "index", index)
		}
		for _, index := range cfg.Scan.EventIndices {
			if err := osClient.EnsureEventIndex(ctx, index); err != nil {
				return err
			}
			logger.Info("event index ready", "index", index)
		}
		return nil
	},
}

var indicesDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the configured indicator and event indices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		osClient, err := connect()
		if err != nil {
			return err
		}

		indices := append(append([]string{}, cfg.Scan.ThreatIndices...), cfg.Scan.EventIndices...)
		if err := osClient.DeleteIndices(ctx, indices); err != nil {
			return err
		}
		logger.Info("indices deleted", "count", len(indices))
		return nil
	},
}

func init() {
	indicesCmd.AddCommand(indicesInitCmd)
	indicesCmd.AddCommand(indicesDeleteCmd)
	rootCmd.AddCommand(indicesCmd)
}
