package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/asad/blobgate/internal/blobapi"
	"github.com/asad/blobgate/internal/blobpath"
	"github.com/asad/blobgate/internal/config"
	"github.com/asad/blobgate/internal/drivers"
	"github.com/asad/blobgate/internal/logging"
	"github.com/asad/blobgate/internal/storage"
)

var (
	// Version is set at build time via ldflags.
	// Example: go build -ldflags "-X github.com/asad/blobgate/internal/cli.Version=1.0.0"
	Version = "dev"
)

// newRootCmd builds the command tree. A fresh tree per call keeps flag state out of
// package globals.
func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "blobgate",
		Short: "Signed direct-to-storage uploads",
		Long: `Blobgate mints short-lived signed URLs that let clients upload straight to
object storage, deletes uploaded objects by key, and offers a server-side upload path
for callers that cannot use a signed URL.

Storage is Azure Blob Storage by default; S3-compatible stores and a local filesystem
driver are available through STORAGE_DRIVER.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, json or toml)")

	load := func() (*app, error) {
		return newApp(configFile)
	}

	rootCmd.AddCommand(newServeCmd(load))
	rootCmd.AddCommand(newSignCmd(load))
	rootCmd.AddCommand(newDeleteCmd(load))
	rootCmd.AddCommand(newPutCmd(load))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  `Print the version number of Blobgate.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "blobgate version %s\n", Version)
		},
	})
	return rootCmd
}

// Execute is the entry point for the CLI. It should be called from main.go.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the wiring shared by every command.
type app struct {
	cfg      *config.Config
	logger   logging.Logger
	metrics  *prometheus.Registry
	provider *drivers.Provider
	api      *blobapi.Service
}

func newApp(configFile string) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := storage.NewPrometheusObserver("blobgate", metrics)
	if err != nil {
		return nil, err
	}

	opts := cfg.DriverOptions()
	opts.Observer = observer
	provider := drivers.New(opts)

	api := blobapi.NewService(provider, blobapi.Options{
		Paths:        blobpath.Builder{UniqueSuffix: cfg.Uploads.UniqueSuffix},
		DefaultTTL:   time.Duration(cfg.Uploads.DefaultTTL) * time.Second,
		MaxBodyBytes: cfg.Uploads.MaxBodyBytes,
		TempDir:      cfg.Uploads.TempDir,
		Observer:     observer,
		Logger:       logger,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		provider: provider,
		api:      api,
	}, nil
}
