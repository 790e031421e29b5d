// Command journal-media serves issue listings and image caching for the
// IGM and RHCA journal sites.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/journal-media/server"
	"github.com/wolfeidau/journal-media/telemetry"
)

var version = "dev"

// CLI is the command line and environment configuration.
type CLI struct {
	Address string `help:"Address to listen on." default:":8080" env:"JOURNAL_MEDIA_ADDRESS"`

	BackendURL    string `help:"Hosted backend project URL (REST articles and storage)." env:"JOURNAL_MEDIA_BACKEND_URL"`
	BackendAPIKey string `help:"Backend API key." env:"JOURNAL_MEDIA_BACKEND_API_KEY"`
	ArticlesTable string `help:"Table holding article rows." default:"articles" env:"JOURNAL_MEDIA_ARTICLES_TABLE"`
	DatabaseURL   string `help:"Postgres URL; reads articles directly instead of over REST." env:"JOURNAL_MEDIA_DATABASE_URL"`

	ImageHosts []string `help:"Extra hosts images may be fetched from; the backend host is always allowed." env:"JOURNAL_MEDIA_IMAGE_HOSTS"`

	BlobPath        string        `help:"bbolt file for retained image bytes (empty keeps them in memory)." env:"JOURNAL_MEDIA_BLOB_PATH"`
	CacheMaxEntries int           `help:"Maximum image cache entries." default:"200" env:"JOURNAL_MEDIA_CACHE_MAX_ENTRIES"`
	CacheTTL        time.Duration `help:"Image cache entry TTL." default:"30m" env:"JOURNAL_MEDIA_CACHE_TTL"`
	SweepInterval   time.Duration `help:"How often expired image entries are purged." default:"5m" env:"JOURNAL_MEDIA_SWEEP_INTERVAL"`
	LoadTimeout     time.Duration `help:"Timeout for one image load." default:"30s" env:"JOURNAL_MEDIA_LOAD_TIMEOUT"`
	RenderTimeout   time.Duration `help:"How long a render request waits for its image." default:"3s" env:"JOURNAL_MEDIA_RENDER_TIMEOUT"`

	AuthToken string `help:"Bearer token for operator endpoints." env:"JOURNAL_MEDIA_AUTH_TOKEN"`

	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"JOURNAL_MEDIA_PROMETHEUS"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"JOURNAL_MEDIA_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json,tint" default:"text" env:"JOURNAL_MEDIA_LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("journal-media"),
		kong.Description("Issue listings and image cache for the journal sites."),
		kong.Vars{"version": version},
	)

	if err := run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "tint":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func run(cli CLI) error {
	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "journal-media",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:         cli.Address,
		BackendURL:      cli.BackendURL,
		BackendAPIKey:   cli.BackendAPIKey,
		ArticlesTable:   cli.ArticlesTable,
		DatabaseURL:     cli.DatabaseURL,
		ImageHosts:      cli.ImageHosts,
		BlobPath:        cli.BlobPath,
		CacheMaxEntries: cli.CacheMaxEntries,
		CacheTTL:        cli.CacheTTL,
		SweepInterval:   cli.SweepInterval,
		LoadTimeout:     cli.LoadTimeout,
		RenderTimeout:   cli.RenderTimeout,
		AuthToken:       cli.AuthToken,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"version", version,
		"issues_url", fmt.Sprintf("http://localhost%s/issues/IGM", srv.Address()),
		"render_url", fmt.Sprintf("http://localhost%s/images/render?src=", srv.Address()),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
