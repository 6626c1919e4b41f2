package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thswjdguq/deepsentinel/internal/analysis"
	"github.com/thswjdguq/deepsentinel/internal/blob"
	"github.com/thswjdguq/deepsentinel/internal/config"
	"github.com/thswjdguq/deepsentinel/internal/metrics"
	"github.com/thswjdguq/deepsentinel/internal/resource"
	"github.com/thswjdguq/deepsentinel/internal/web"
)

// engineProbeInterval is how often the engine's health is logged while serving.
const engineProbeInterval = time.Minute

var flags struct {
	configPath    string
	host          string
	port          int
	engineURL     string
	engineTimeout time.Duration
	maxUploadMB   int64
}

var rootCmd = &cobra.Command{
	Use:   "web [flags] [METADATA_TYPE METADATA_OPTIONS CONTENT_TYPE CONTENT_OPTIONS]",
	Short: "Serve the DeepSentinel submission API",
	Long: `Serves the analysis and report API and dispatches uploaded videos to the
analysis engine.

Arguments:
  METADATA_TYPE         Metadata service type (memory, sqlite, postgres, dynamodb)
  METADATA_OPTIONS      Options for metadata service (db path, connection string, table prefix)
  CONTENT_TYPE          Content service type (fs, s3, nw)
  CONTENT_OPTIONS       Options for content service (base dir, bucket, node addresses)

Without arguments the backends come from the config file and environment.`,
	Example: "  web sqlite db.db fs ./storage\n  web --engine-url http://engine:8000 postgres \"host=db sslmode=disable\" s3 my-bucket",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 4 {
			return fmt.Errorf("expected 0 or 4 arguments, got %d", len(args))
		}
		return nil
	},
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	RunE: runWeb,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "Path to a YAML config file")
	f.StringVar(&flags.host, "host", "", "Host address for the web server")
	f.IntVar(&flags.port, "port", 0, "Port number for the web server")
	f.StringVar(&flags.engineURL, "engine-url", "", "Base URL of the analysis engine")
	f.DurationVar(&flags.engineTimeout, "engine-timeout", 0, "Timeout for one engine analysis call")
	f.Int64Var(&flags.maxUploadMB, "max-upload-mb", 0, "Maximum video upload size in megabytes")
}

// loadConfig layers defaults, the config file, the environment, flags and
// positional arguments, in that order.
func loadConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}

	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host = flags.host
	}
	if f.Changed("port") {
		cfg.Port = flags.port
	}
	if f.Changed("engine-url") {
		cfg.EngineURL = flags.engineURL
	}
	if f.Changed("engine-timeout") {
		cfg.EngineTimeout = flags.engineTimeout
	}
	if f.Changed("max-upload-mb") {
		cfg.MaxUploadMB = flags.maxUploadMB
	}
	if len(args) == 4 {
		cfg.MetadataType = args[0]
		cfg.MetadataOptions = args[1]
		cfg.ContentType = args[2]
		cfg.ContentOptions = args[3]
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runWeb(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	logger.Info("creating metadata service", "type", cfg.MetadataType)
	repo, err := resource.Open(ctx, cfg.MetadataType, cfg.MetadataOptions, cfg.AWSRegion)
	if err != nil {
		return fmt.Errorf("failed to create %s metadata service: %w", cfg.MetadataType, err)
	}
	defer closeIfCloser(logger, "metadata service", repo)

	logger.Info("creating content service", "type", cfg.ContentType, "options", cfg.ContentOptions)
	blobs, err := blob.Open(ctx, cfg.ContentType, cfg.ContentOptions, cfg.AWSRegion)
	if err != nil {
		return fmt.Errorf("failed to create %s content service: %w", cfg.ContentType, err)
	}
	defer closeIfCloser(logger, "content service", blobs)
	if nw, ok := blobs.(*blob.NetworkStore); ok {
		logger.Info("storage nodes", "nodes", nw.Nodes())
	}

	engine := analysis.NewHTTPEngine(cfg.EngineURL, &http.Client{})
	dispatcher := analysis.NewDispatcher(repo, blobs, engine, analysis.DispatcherOptions{
		Timeout: cfg.EngineTimeout,
		Logger:  logger,
		Metrics: m,
	})
	service := resource.NewService(repo, blobs, dispatcher, resource.ServiceOptions{
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Logger:         logger,
		Metrics:        m,
	})
	server := web.NewServer(service, web.ServerOptions{
		Engine:   engine,
		Gatherer: reg,
		Logger:   logger,
	})

	lis, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting web server", "addr", lis.Addr().String(), "engine", cfg.EngineURL)
		return server.Serve(gctx, lis)
	})
	g.Go(func() error {
		watchEngine(gctx, logger, engine)
		return nil
	})
	err = g.Wait()

	logger.Info("waiting for in-flight analyses")
	dispatcher.Wait()
	logger.Info("web server stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchEngine logs engine availability changes until ctx is done.
func watchEngine(ctx context.Context, logger *slog.Logger, engine *analysis.HTTPEngine) {
	ticker := time.NewTicker(engineProbeInterval)
	defer ticker.Stop()

	healthy := true
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := engine.Health(probeCtx)
		cancel()
		switch {
		case err != nil && healthy:
			logger.Warn("analysis engine unavailable", "error", err)
		case err == nil && !healthy:
			logger.Info("analysis engine available")
		}
		healthy = err == nil

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func closeIfCloser(logger *slog.Logger, name string, v any) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("failed to close "+name, "error", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
