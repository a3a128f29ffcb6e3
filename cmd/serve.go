package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relieftools/harvester/internal/api"
)

// newServeCmd creates the 'serve' subcommand, which exposes harvest runs
// over HTTP.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the harvest API over HTTP",
		Long: `Starts an HTTP server exposing health probes, Prometheus
metrics and the run API: POST /v1/runs triggers a harvest, GET
/v1/runs/{id} reports its status and /v1/runs/{id}/sources its
provenance.`,

		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	server := api.NewServer(api.NewRunStore(), rt.harvester, rt.cfg, rt.logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", rt.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		rt.logger.Info("http server started", zap.Int("port", rt.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	rt.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	rt.logger.Info("shutdown complete")
	return nil
}
