package blocklist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"pi-blocker/pkg/config"
	"pi-blocker/pkg/logging"
	"pi-blocker/pkg/telemetry"
)

// ErrNoSources is returned by Load when sources were configured but none of
// them could be read.
var ErrNoSources = errors.New("no blocklist source could be loaded")

// LoadFile parses a single blocklist file.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blocklist: %w", err)
	}
	defer func() { _ = f.Close() }()

	domains, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return domains, nil
}

// LoadFiles parses every file in paths. It stops at the first error.
func LoadFiles(paths []string) ([]string, error) {
	var all []string
	for _, path := range paths {
		domains, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, domains...)
	}
	return all, nil
}

// Load builds the table from every configured file and URL. A source that
// fails is logged and skipped; Load only fails when sources were configured
// and all of them failed.
func Load(ctx context.Context, cfg *config.BlocklistConfig, logger *logging.Logger, metrics *telemetry.Metrics) (*Table, error) {
	return LoadWithClient(ctx, cfg, nil, logger, metrics)
}

// LoadWithClient is Load with the HTTP client used for URL sources. A nil
// client gets a default one with cfg.DownloadTimeout.
func LoadWithClient(ctx context.Context, cfg *config.BlocklistConfig, client *http.Client, logger *logging.Logger, metrics *telemetry.Metrics) (*Table, error) {
	startTime := time.Now()
	sources := len(cfg.Files) + len(cfg.URLs)
	loaded := 0

	var raw []string
	for _, path := range cfg.Files {
		domains, err := LoadFile(path)
		if err != nil {
			logger.Error("Failed to load blocklist file", "path", path, "error", err)
			continue
		}
		logger.Debug("Blocklist file loaded", "path", path, "domains", len(domains))
		raw = append(raw, domains...)
		loaded++
	}

	if len(cfg.URLs) > 0 {
		d := NewDownloader(logger, client, cfg.DownloadTimeout)
		for _, url := range cfg.URLs {
			domains, err := d.Download(ctx, url)
			if err != nil {
				logger.Error("Failed to download blocklist", "url", url, "error", err)
				continue
			}
			raw = append(raw, domains...)
			loaded++
		}
	}

	if sources > 0 && loaded == 0 {
		return nil, ErrNoSources
	}

	table := NewTable(raw)
	metrics.AddBlocklistSize(ctx, int64(table.Len()))

	elapsed := time.Since(startTime)
	logger.Info("Blocklist loaded",
		"sources", loaded,
		"lines", len(raw),
		"domains", table.Len(),
		"duration", elapsed)

	return table, nil
}

// WriteFile writes the table to path, one domain per line in table order.
func WriteFile(path string, table *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	for _, domain := range table.Domains() {
		if _, err := w.WriteString(domain + "\n"); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
