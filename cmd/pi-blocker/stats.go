package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"pi-blocker/pkg/logging"
	"pi-blocker/pkg/storage"
)

// runStats prints a summary of the query log written by a running or
// stopped server.
func runStats(args []string) error {
	return stats(args, os.Stdout)
}

func stats(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(out)

	configPath := fs.String("config", "", "Path to configuration file (defaults are used when empty)")
	dbPath := fs.String("db", "", "Query log database (overrides storage.database_path)")
	since := fs.Duration("since", 24*time.Hour, "Summarise queries newer than this")
	top := fs.Int("top", 10, "Number of top blocked and allowed domains to list")
	recent := fs.Int("recent", 0, "Number of most recent queries to list")
	domain := fs.String("domain", "", "List recent queries for this domain")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *since <= 0 {
		return errors.New("-since must be positive")
	}

	cfg, err := loadConfig(*configPath, "")
	if err != nil {
		return err
	}
	if *dbPath != "" {
		cfg.Storage.DatabasePath = *dbPath
	}
	path := cfg.Storage.DatabasePath
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("query log %s: %w", path, err)
	}

	store, err := storage.NewSQLiteStorage(&cfg.Storage, nil, logging.NewDiscard())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	summary, err := store.GetStatistics(ctx, time.Now().Add(-*since))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Query Log Summary (last %s)\n", *since)
	fmt.Fprintf(out, "==========================\n")
	fmt.Fprintf(out, "  Database:       %s\n", path)
	fmt.Fprintf(out, "  Total queries:  %s\n", formatNumber(int(summary.TotalQueries)))
	fmt.Fprintf(out, "  Blocked:        %s (%.1f%%)\n", formatNumber(int(summary.BlockedQueries)), summary.BlockRate)
	fmt.Fprintf(out, "  Forwarded:      %s\n", formatNumber(int(summary.ForwardedQueries)))
	fmt.Fprintf(out, "  Timed out:      %s\n", formatNumber(int(summary.TimedOutQueries)))
	fmt.Fprintf(out, "  Unique domains: %s\n", formatNumber(int(summary.UniqueDomains)))
	fmt.Fprintf(out, "  Unique clients: %s\n", formatNumber(int(summary.UniqueClients)))
	fmt.Fprintf(out, "  Avg response:   %.2f ms\n", summary.AvgResponseTimeMs)

	if *top > 0 {
		for _, blocked := range []bool{true, false} {
			domains, err := store.GetTopDomains(ctx, *top, blocked)
			if err != nil {
				return err
			}
			title := "Top allowed domains"
			if blocked {
				title = "Top blocked domains"
			}
			printDomains(out, title, domains)
		}
	}

	if *recent > 0 {
		queries, err := store.GetRecentQueries(ctx, *recent, 0)
		if err != nil {
			return err
		}
		printQueries(out, "Recent queries", queries)
	}

	if *domain != "" {
		limit := *recent
		if limit <= 0 {
			limit = 20
		}
		queries, err := store.GetQueriesByDomain(ctx, *domain, limit)
		if err != nil {
			return err
		}
		printQueries(out, fmt.Sprintf("Queries for %s", *domain), queries)
	}
	return nil
}

func printDomains(out io.Writer, title string, domains []*storage.DomainStats) {
	fmt.Fprintf(out, "\n%s\n", title)
	if len(domains) == 0 {
		fmt.Fprintf(out, "  (none)\n")
		return
	}
	for i, d := range domains {
		fmt.Fprintf(out, "  %2d. %-40s %s\n", i+1, d.Domain, formatNumber(int(d.QueryCount)))
	}
}

func printQueries(out io.Writer, title string, queries []*storage.QueryLog) {
	fmt.Fprintf(out, "\n%s\n", title)
	if len(queries) == 0 {
		fmt.Fprintf(out, "  (none)\n")
		return
	}
	for _, q := range queries {
		fmt.Fprintf(out, "  %s  %-15s %-40s %-6s %-15s %.2f ms\n",
			q.Timestamp.Local().Format(time.DateTime),
			q.ClientIP,
			q.Domain,
			q.QueryType,
			q.Outcome,
			q.ResponseTimeMs)
	}
}
