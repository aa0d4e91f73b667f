package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pi-blocker/pkg/blocklist"
	"pi-blocker/pkg/config"
	"pi-blocker/pkg/forwarder"
	"pi-blocker/pkg/logging"
	"pi-blocker/pkg/proxy"
	"pi-blocker/pkg/resolver"
	"pi-blocker/pkg/storage"
	"pi-blocker/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const cleanupInterval = time.Hour

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage:\n")
	fmt.Fprintf(out, "  %s [-config config.yml] [upstream]\n", os.Args[0])
	fmt.Fprintf(out, "  %s compile -in <raw list> -out <blocklist>\n", os.Args[0])
	fmt.Fprintf(out, "  %s stats [-config config.yml] [-db path] [-since 24h] [-top 10] [-recent 20] [-domain name]\n\n", os.Args[0])
	fmt.Fprintf(out, "upstream overrides upstream.address, e.g. 1.1.1.1 or 9.9.9.9:53.\n\n")
	flag.PrintDefaults()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "compile":
			if err := runCompile(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "compile: %v\n", err)
				os.Exit(1)
			}
			return
		case "stats":
			if err := runStats(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "stats: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	configPath := flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("pi-blocker %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := loadConfig(*configPath, flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("pi-blocker failed", "error", err)
		_ = logger.Close()
		os.Exit(1)
	}
	_ = logger.Close()
}

// loadConfig reads path, or falls back to defaults, and applies the
// positional upstream override.
func loadConfig(path, upstream string) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		cfg = config.LoadWithDefaults()
	} else {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if upstream != "" {
		cfg.Upstream.Address = upstream
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid upstream %q: %w", upstream, err)
		}
	}
	return cfg, nil
}

func run(cfg *config.Config, logger *logging.Logger) error {
	logger.Info("pi-blocker starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	store, err := storage.New(&cfg.Storage, metrics, logger)
	if err != nil {
		return fmt.Errorf("failed to open query log: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing query log", "error", err)
		}
	}()
	if cfg.Storage.Enabled {
		go retentionLoop(ctx, store, cfg.Storage.RetentionDays, logger)
	}

	var client *http.Client
	if len(cfg.Blocklist.URLs) > 0 && !cfg.Blocklist.UseSystemResolver {
		client = resolver.New(cfg.Upstream.Address, true, logger).NewHTTPClient(cfg.Blocklist.DownloadTimeout)
	}
	table, err := blocklist.LoadWithClient(ctx, &cfg.Blocklist, client, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to load blocklist: %w", err)
	}

	upstream, err := forwarder.New(&cfg.Upstream, logger)
	if err != nil {
		return fmt.Errorf("failed to set up upstream: %w", err)
	}

	server := proxy.NewServer(&cfg.Server, table, upstream, logger, metrics, store)
	server.SetTracer(telem.TracerProvider().Tracer(proxy.TracerName))
	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("pi-blocker stopped")
	return nil
}

// retentionLoop deletes query log entries older than the retention window.
func retentionLoop(ctx context.Context, store storage.Storage, days int, logger *logging.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -days)
			if err := store.Cleanup(ctx, cutoff); err != nil {
				logger.Warn("Query log cleanup failed", "error", err)
			}
		}
	}
}
