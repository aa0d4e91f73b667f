package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pi-blocker/pkg/config"
	"pi-blocker/pkg/logging"
	"pi-blocker/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeQueryLog stores entries and closes the database, which flushes them.
func writeQueryLog(t *testing.T, entries []*storage.QueryLog) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queries.db")
	s, err := storage.NewSQLiteStorage(&config.StorageConfig{
		Enabled:       true,
		DatabasePath:  path,
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: time.Hour,
	}, nil, logging.NewDiscard())
	require.NoError(t, err)

	for _, e := range entries {
		require.NoError(t, s.LogQuery(context.Background(), e))
	}
	require.NoError(t, s.Close())
	return path
}

func sampleQueryLog(t *testing.T) string {
	t.Helper()
	now := time.Now()
	blocked := func(offset time.Duration, client string) *storage.QueryLog {
		return &storage.QueryLog{
			Timestamp:      now.Add(-offset),
			ClientIP:       client,
			Domain:         "ads.example.com",
			QueryType:      "A",
			Outcome:        storage.OutcomeBlocked,
			ResponseCode:   5,
			ResponseTimeMs: 0.5,
			Blocked:        true,
		}
	}
	return writeQueryLog(t, []*storage.QueryLog{
		blocked(3*time.Minute, "192.168.1.10"),
		blocked(2*time.Minute, "192.168.1.10"),
		blocked(time.Minute, "192.168.1.11"),
		{
			Timestamp:      now.Add(-30 * time.Second),
			ClientIP:       "192.168.1.11",
			Domain:         "example.org",
			QueryType:      "AAAA",
			Outcome:        storage.OutcomeForwarded,
			Upstream:       "8.8.8.8:53",
			ResponseTimeMs: 10.5,
		},
		{
			Timestamp:      now.Add(-48 * time.Hour),
			ClientIP:       "192.168.1.12",
			Domain:         "old.example.net",
			QueryType:      "A",
			Outcome:        storage.OutcomeForwarded,
			ResponseTimeMs: 20,
		},
	})
}

func TestStats_Summary(t *testing.T) {
	path := sampleQueryLog(t)

	var buf bytes.Buffer
	require.NoError(t, stats([]string{"-db", path, "-since", "24h", "-top", "5"}, &buf))
	out := buf.String()

	assert.Contains(t, out, "Query Log Summary (last 24h0m0s)")
	assert.Contains(t, out, "Total queries:  4\n")
	assert.Contains(t, out, "Blocked:        3 (75.0%)\n")
	assert.Contains(t, out, "Forwarded:      1\n")
	assert.Contains(t, out, "Unique domains: 2\n")
	assert.Contains(t, out, "Unique clients: 2\n")

	blockedAt := strings.Index(out, "Top blocked domains")
	allowedAt := strings.Index(out, "Top allowed domains")
	require.True(t, blockedAt >= 0 && allowedAt > blockedAt)

	blockedSection := out[blockedAt:allowedAt]
	assert.Contains(t, blockedSection, "1. ads.example.com")
	assert.NotContains(t, blockedSection, "example.org")

	allowedSection := out[allowedAt:]
	assert.Contains(t, allowedSection, "1. example.org")
	assert.Contains(t, allowedSection, "2. old.example.net")

	assert.NotContains(t, out, "Recent queries")
}

func TestStats_RecentAndDomain(t *testing.T) {
	path := sampleQueryLog(t)

	var buf bytes.Buffer
	require.NoError(t, stats([]string{"-db", path, "-top", "0", "-recent", "2", "-domain", "old.example.net"}, &buf))
	out := buf.String()

	assert.NotContains(t, out, "Top blocked domains")

	recentAt := strings.Index(out, "Recent queries")
	domainAt := strings.Index(out, "Queries for old.example.net")
	require.True(t, recentAt >= 0 && domainAt > recentAt)

	recent := strings.Split(strings.TrimSpace(out[recentAt:domainAt]), "\n")
	require.Len(t, recent, 3)
	assert.Contains(t, recent[1], "example.org")
	assert.Contains(t, recent[1], storage.OutcomeForwarded)
	assert.Contains(t, recent[2], "ads.example.com")

	byDomain := out[domainAt:]
	assert.Contains(t, byDomain, "192.168.1.12")
	assert.NotContains(t, byDomain, "ads.example.com")
}

func TestStats_EmptyLog(t *testing.T) {
	path := writeQueryLog(t, nil)

	var buf bytes.Buffer
	require.NoError(t, stats([]string{"-db", path}, &buf))
	assert.Contains(t, buf.String(), "Total queries:  0\n")
	assert.Contains(t, buf.String(), "Blocked:        0 (0.0%)\n")
	assert.Contains(t, buf.String(), "(none)")
}

func TestStats_Errors(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, stats([]string{"-db", filepath.Join(t.TempDir(), "missing.db")}, &buf))
	assert.Error(t, stats([]string{"-db", writeQueryLog(t, nil), "-since", "0s"}, &buf))
	assert.Error(t, stats([]string{"-bogus"}, &buf))
}
