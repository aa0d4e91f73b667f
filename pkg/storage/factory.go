package storage

import (
	"context"
	"time"

	"pi-blocker/pkg/config"
	"pi-blocker/pkg/logging"
)

// New returns the SQLite query log, or a no-op storage when logging is
// disabled in cfg.
func New(cfg *config.StorageConfig, metrics MetricsRecorder, logger *logging.Logger) (Storage, error) {
	if cfg == nil || !cfg.Enabled {
		return NewNoOpStorage(), nil
	}
	s, err := NewSQLiteStorage(cfg, metrics, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NoOpStorage is a no-op storage that does nothing
// Used when storage is disabled
type NoOpStorage struct{}

// NewNoOpStorage creates a new no-op storage
func NewNoOpStorage() *NoOpStorage {
	return &NoOpStorage{}
}

// LogQuery does nothing
func (n *NoOpStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	return nil
}

// GetRecentQueries returns an empty slice
func (n *NoOpStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

// GetQueriesByDomain returns an empty slice
func (n *NoOpStorage) GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

// GetStatistics returns empty statistics
func (n *NoOpStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	return &Statistics{
		Since: since,
		Until: time.Now(),
	}, nil
}

// GetTopDomains returns an empty slice
func (n *NoOpStorage) GetTopDomains(ctx context.Context, limit int, blocked bool) ([]*DomainStats, error) {
	return []*DomainStats{}, nil
}

// Cleanup does nothing
func (n *NoOpStorage) Cleanup(ctx context.Context, olderThan time.Time) error {
	return nil
}

// Close does nothing
func (n *NoOpStorage) Close() error {
	return nil
}

// Ping does nothing
func (n *NoOpStorage) Ping(ctx context.Context) error {
	return nil
}
