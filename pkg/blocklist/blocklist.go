package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pi-blocker/pkg/logging"
)

// Parse reads one domain per line. Supported line formats:
//   - domain.com (plain list)
//   - 0.0.0.0 domain.com / 127.0.0.1 domain.com (hosts file)
//   - ||domain.com^ (adblock)
//
// Blank lines, # comments and localhost entries are skipped. The returned
// domains are not normalized; NewTable does that.
func Parse(r io.Reader) ([]string, error) {
	var domains []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		if domain := extractDomain(line); domain != "" {
			domains = append(domains, domain)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading blocklist: %w", err)
	}
	return domains, nil
}

// extractDomain extracts a domain from various blocklist formats
func extractDomain(line string) string {
	if i := strings.Index(line, " #"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}

	if strings.HasPrefix(line, "||") && strings.Contains(line, "^") {
		domain := strings.TrimPrefix(line, "||")
		domain = strings.Split(domain, "^")[0]
		return strings.TrimSpace(domain)
	}

	fields := strings.Fields(line)
	var domain string
	switch {
	case len(fields) >= 2 && (strings.Contains(fields[0], ".") || strings.Contains(fields[0], ":")):
		domain = fields[1]
	case len(fields) == 1:
		domain = fields[0]
	default:
		return ""
	}

	if isLocalhost(domain) {
		return ""
	}
	return domain
}

func isLocalhost(domain string) bool {
	switch strings.ToLower(strings.TrimSuffix(domain, ".")) {
	case "localhost", "localhost.localdomain", "local", "broadcasthost", "ip6-localhost", "ip6-loopback":
		return true
	}
	return false
}

// Downloader downloads and parses remote blocklists.
type Downloader struct {
	client *http.Client
	logger *logging.Logger
}

// NewDownloader creates a downloader. If client is nil a default HTTP client
// with the given timeout is used.
func NewDownloader(logger *logging.Logger, client *http.Client, timeout time.Duration) *Downloader {
	if client == nil {
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Downloader{
		client: client,
		logger: logger,
	}
}

// Download fetches and parses a blocklist from url.
func (d *Downloader) Download(ctx context.Context, url string) ([]string, error) {
	d.logger.Info("Downloading blocklist", "url", url)
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download blocklist: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	domains, err := Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse blocklist: %w", err)
	}

	d.logger.Info("Blocklist downloaded",
		"url", url,
		"domains", len(domains),
		"duration", time.Since(startTime))

	return domains, nil
}

// DownloadAll downloads every url and concatenates the results. A failing
// source is logged and skipped.
func (d *Downloader) DownloadAll(ctx context.Context, urls []string) []string {
	var merged []string
	for i, url := range urls {
		domains, err := d.Download(ctx, url)
		if err != nil {
			d.logger.Error("Failed to download blocklist",
				"index", i+1,
				"total", len(urls),
				"url", url,
				"error", err)
			continue
		}
		merged = append(merged, domains...)
	}
	return merged
}
