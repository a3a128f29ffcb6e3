// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newHarvestCmd creates the 'harvest' subcommand, which runs the
// configured scrapers once and writes all output tabs.
func newHarvestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "harvest [scraper...]",
		Short: "Runs the configured scrapers and writes the outputs",
		Long: `Runs the scrapers named as arguments, or all configured
scrapers when none are given, then writes the per level tabs and the
source provenance tab to the configured destinations.`,

		RunE: runHarvestCommand,
	}
}

func runHarvestCommand(cmd *cobra.Command, args []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	report, err := rt.harvester.Harvest(cmd.Context(), args)
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}

	rt.logger.Info("harvest finished",
		zap.Int("sources", len(report.Sources)),
		zap.Strings("fallbacks", report.Fallbacks),
	)
	return nil
}
