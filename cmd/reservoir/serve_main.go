package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/reservoir/internal/feed"
	httpapi "github.com/sawpanic/reservoir/internal/interfaces/http"
	"github.com/sawpanic/reservoir/internal/metrics"
	"github.com/sawpanic/reservoir/internal/service"
)

const connectTimeout = 30 * time.Second

// runServe wires the supervisor to the upstream feed and serves the HTTP
// API until a signal arrives or the feed session is lost.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sim, _ := cmd.Flags().GetBool("sim")
	if !sim {
		return fmt.Errorf("no native upstream transport in this build, run with --sim")
	}

	simRICs, _ := cmd.Flags().GetStringSlice("sim-rics")
	simRate, _ := cmd.Flags().GetFloat64("sim-rate")
	simSeed, _ := cmd.Flags().GetInt64("sim-seed")

	upstream := feed.NewSimFeed(simSeed)
	if simRate > 0 {
		upstream.SetGeneratorInterval(time.Duration(float64(time.Second) / simRate))
	}

	log.Info().Str("app", appName).Str("version", version).Msg("Starting distribution service")

	registry := metrics.NewRegistry()
	sup := service.NewSupervisor(*cfg, upstream, registry)

	startCtx, startCancel := context.WithTimeout(context.Background(), connectTimeout)
	defer startCancel()
	if err := sup.Start(startCtx); err != nil {
		return fmt.Errorf("supervisor start failed: %w", err)
	}

	if len(simRICs) > 0 {
		if _, err := sup.API().Subscribe(startCtx, simRICs); err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Shutdown.TotalBudget())
			defer stopCancel()
			if stopErr := sup.Stop(stopCtx); stopErr != nil {
				log.Warn().Err(stopErr).Msg("Supervisor stop failed after subscribe error")
			}
			return fmt.Errorf("sim universe subscribe failed: %w", err)
		}
		log.Info().Strs("rics", simRICs).Msg("Simulated universe subscribed")
	}

	srv := httpapi.NewServer(cfg.Server, httpapi.Deps{
		API:      sup.API(),
		Streams:  sup.Streams(),
		Quality:  sup.Quality(),
		Registry: registry,
		Stats:    sup.Stats,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-sup.Fatal():
		runErr = fmt.Errorf("upstream session lost")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.TotalBudget())
	defer shutdownCancel()

	// Core first so open streams observe end-of-stream, then the listener.
	// Requests arriving mid-stop get NOT_RUNNING rather than hanging.
	stopErr := sup.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	if stopErr != nil {
		return stopErr
	}
	return runErr
}
