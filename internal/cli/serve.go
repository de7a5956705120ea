package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/asad/blobgate/internal/core"
	"github.com/asad/blobgate/internal/drivers"
	"github.com/asad/blobgate/internal/httpx"
	"github.com/asad/blobgate/internal/logging"
	"github.com/asad/blobgate/internal/services/files"
	"github.com/asad/blobgate/internal/services/uploads"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Blobgate server",
		Long: `Start the Blobgate HTTP server on API_PORT.
Missing storage credentials do not stop the server; affected endpoints answer 401.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = a.logger.Sync() }()
			return runServe(cmd.Context(), a)
		},
	}
}

// runServe initializes and runs the HTTP server until ctx ends or a signal arrives.
func runServe(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	logger.Info("starting blobgate",
		logging.String("version", Version),
		logging.Int("api_port", cfg.API.Port),
		logging.String("driver", string(a.provider.Kind())),
		logging.String("log_level", cfg.Log.Level),
	)

	registry := core.NewRegistry()
	registry.Register(uploads.NewSigningService(a.api))
	registry.Register(uploads.NewDirectUploadService(a.api))
	if a.provider.Kind() == drivers.FS {
		registry.Register(files.NewFilesService(a.provider, cfg.Uploads.MaxBodyBytes, logger, nil))
	}

	logger.Info("registered services",
		logging.Int("count", len(registry.Services())),
	)

	router := httpx.NewEdgeRouter(cfg, registry, promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}), logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", logging.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
