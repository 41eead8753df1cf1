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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/assessment-engine/api"
)

// shutdownTimeout bounds how long in-flight requests get on SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the scheduled sweep",
		Long: `Start the HTTP API. When sweep.enabled is set, the auto-return sweep
runs once at startup and then every sweep.interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			return serve(a)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides server.port)")

	return cmd
}

func serve(a *app) error {
	handler := api.NewHandler(a.store, a.sources, a.logger)
	handler.Generator.RegistryTimeout = a.cfg.Generation.RegistryTimeout

	scheduler := api.NewSweepScheduler(handler.Returns, a.logger)
	scheduler.Enabled = a.cfg.Sweep.Enabled
	scheduler.Interval = a.cfg.Sweep.Interval
	scheduler.Operator = a.cfg.Sweep.Operator
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      api.NewRouter(handler, a.cfg.Server.CORSOrigins),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		a.logger.Info("shutting down server", zap.Stringer("signal", sig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
