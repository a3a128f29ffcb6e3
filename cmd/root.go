package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relieftools/harvester/internal/api"
	"github.com/relieftools/harvester/internal/app"
	"github.com/relieftools/harvester/internal/config"
	"github.com/relieftools/harvester/internal/logging"
)

var cfgFile string

// appKeyType is the key for storing the runtime in the context.
type appKeyType string

const appKey appKeyType = "app"

// runtime bundles what subcommands need: the harvester, the loaded
// configuration and the logger.
type runtime struct {
	harvester api.Harvester
	cfg       config.Config
	logger    *zap.Logger
}

// newRuntime is a variable so tests can replace the factory.
var newRuntime = func(_ context.Context) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &runtime{harvester: a, cfg: cfg, logger: logger}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Scrapes HXL tagged indicator data into spreadsheet and JSON outputs.",
		Long: `harvester runs configuration driven scrapers over humanitarian
datasets, keys indicator values by admin unit, rolls them up across
levels and writes the results with full source provenance.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(appKey).(*runtime); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	cmd.AddCommand(newHarvestCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(appKey).(*runtime)
	if !ok || rt == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() error {
	return newRootCmd().Execute()
}
