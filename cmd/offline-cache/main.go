// Command offline-cache is an offline-first caching proxy that serves
// resources and entities from a local store and replays queued changes when
// the origin is reachable again.
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

	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/server"
	"github.com/wolfeidau/offline-cache/telemetry"
)

var version = "dev"

type cli struct {
	Address     string `help:"Address to listen on." default:":8080" env:"ADDRESS"`
	Storage     string `help:"Directory holding the local database." default:"./cache" env:"STORAGE"`
	Origin      string `help:"Base URL of the origin service." required:"" env:"ORIGIN"`
	AuthToken   string `help:"Bearer token required by every route except /health and /metrics." env:"AUTH_TOKEN"`
	Deduplicate bool   `help:"Collapse concurrent identical origin fetches." env:"DEDUPLICATE"`

	CacheVersion int      `help:"Cache generation to install. Bumping it discards older caches." default:"1" env:"CACHE_VERSION"`
	ShellPath    string   `help:"Application shell page precached on install." default:"/" env:"SHELL_PATH"`
	OfflinePath  string   `help:"Page served to navigations while offline." default:"/offline.html" env:"OFFLINE_PATH"`
	Precache     []string `help:"Additional critical paths to precache." default:"/manifest.webmanifest" env:"PRECACHE"`

	Quota           int64         `help:"Storage quota in bytes (0 uses filesystem capacity)." default:"0" env:"QUOTA"`
	SWRTTL          time.Duration `name:"swr-ttl" help:"Freshness window for binary assets." default:"720h" env:"SWR_TTL"`
	NetworkFirstTTL time.Duration `help:"How long data responses may be served offline." default:"168h" env:"NETWORK_FIRST_TTL"`
	MaxCards        int           `help:"Cards kept by the periodic cleanup (0 disables it)." default:"500" env:"MAX_CARDS"`
	CleanupInterval time.Duration `help:"How often the periodic cleanup runs." default:"1h" env:"CLEANUP_INTERVAL"`
	ProbeInterval   time.Duration `help:"How often the origin is probed for connectivity." default:"30s" env:"PROBE_INTERVAL"`
	OriginTimeout   time.Duration `help:"Timeout for origin requests." default:"30s" env:"ORIGIN_TIMEOUT"`

	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:"" env:"PROMETHEUS"`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json" env:"LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("offline-cache"),
		kong.Description("Offline-first caching proxy with background sync."),
		kong.DefaultEnvars("OFFLINE_CACHE"),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(c))
}

func newLogger(c cli) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.LogLevel))

	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func run(c cli) error {
	logger := newLogger(c)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("failed to shut down metrics", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:      c.Address,
		StoragePath:  c.Storage,
		OriginURL:    c.Origin,
		CacheVersion: c.CacheVersion,
		Manifest: &intercept.Manifest{
			ShellPath:   c.ShellPath,
			OfflinePath: c.OfflinePath,
			Assets:      c.Precache,
		},
		Quota:           c.Quota,
		SWRTTL:          c.SWRTTL,
		NetworkFirstTTL: c.NetworkFirstTTL,
		Deduplicate:     c.Deduplicate,
		MaxCards:        c.MaxCards,
		CleanupInterval: c.CleanupInterval,
		ProbeInterval:   c.ProbeInterval,
		AuthToken:       c.AuthToken,
		HTTPClient: &http.Client{
			Timeout:   c.OriginTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, ""),
		},
		Logger: logger,
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
		"origin", c.Origin,
		"cache_version", c.CacheVersion,
		"version", version,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		return err
	}
}
