package storage

import (
	"context"
	"time"
)

// Storage defines the interface for query log backends.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Query logging
	LogQuery(ctx context.Context, query *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error)

	// Statistics
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)
	GetTopDomains(ctx context.Context, limit int, blocked bool) ([]*DomainStats, error)

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) error
	Close() error
	Ping(ctx context.Context) error
}

// MetricsRecorder receives storage-side counters. It is satisfied by
// *telemetry.Metrics.
type MetricsRecorder interface {
	AddDroppedQuery(ctx context.Context, count int64)
}

// Outcome values recorded for a query.
const (
	OutcomeBlocked   = "blocked"
	OutcomeForwarded = "forwarded"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "upstream_failed"
)

// QueryLog represents a single DNS query log entry
type QueryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	Domain         string    `json:"domain"`
	QueryType      string    `json:"query_type"`
	Outcome        string    `json:"outcome"`
	Upstream       string    `json:"upstream,omitempty"`
	ID             int64     `json:"id"`
	ResponseCode   int       `json:"response_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	UpstreamTimeMs float64   `json:"upstream_time_ms"`
	Blocked        bool      `json:"blocked"`
}

// Statistics represents aggregated query statistics
type Statistics struct {
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	TotalQueries      int64     `json:"total_queries"`
	BlockedQueries    int64     `json:"blocked_queries"`
	ForwardedQueries  int64     `json:"forwarded_queries"`
	TimedOutQueries   int64     `json:"timed_out_queries"`
	UniqueDomains     int64     `json:"unique_domains"`
	UniqueClients     int64     `json:"unique_clients"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	BlockRate         float64   `json:"block_rate"` // percent
}

// DomainStats represents statistics for a specific domain
type DomainStats struct {
	LastQueried  time.Time `json:"last_queried"`
	FirstQueried time.Time `json:"first_queried,omitempty"`
	Domain       string    `json:"domain"`
	QueryCount   int64     `json:"query_count"`
	Blocked      bool      `json:"blocked"`
}
