// Package main はジョブ制御APIシミュレーターのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/jobwatch/internal/config"
	"github.com/yourusername/jobwatch/internal/logging"
	"github.com/yourusername/jobwatch/internal/simulator"
)

func main() {
	var killLatency int

	cmd := &cobra.Command{
		Use:          "simserver",
		Short:        "Run a scripted job-control API for local runs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), killLatency)
		},
	}
	cmd.Flags().IntVar(&killLatency, "kill-latency", 1, "polls before a killed job reports Killed")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, killLatency int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	log := logging.Component(logger, "simserver")

	sim := simulator.New(log, simulator.WithKillLatency(killLatency))
	srv := &http.Server{
		Addr:              ":" + cfg.SimPort,
		Handler:           sim.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting job-control simulator on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
