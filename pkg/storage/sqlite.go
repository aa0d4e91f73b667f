// Package storage contains the query log; this file provides the SQLite
// implementation.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"pi-blocker/pkg/config"
	"pi-blocker/pkg/logging"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db              *sql.DB
	cfg             *config.StorageConfig
	metrics         MetricsRecorder
	logger          *logging.Logger
	buffer          chan *QueryLog
	stmtInsertQuery *sql.Stmt
	stmtUpsertStats *sql.Stmt
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
}

// NewSQLiteStorage opens the database at cfg.DatabasePath, applies pending
// migrations and starts the background flush worker.
func NewSQLiteStorage(cfg *config.StorageConfig, metrics MetricsRecorder, logger *logging.Logger) (*SQLiteStorage, error) {
	if cfg == nil || cfg.DatabasePath == "" {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if cfg.DatabasePath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO queries
		(timestamp, client_ip, domain, query_type, outcome, response_code, blocked, response_time_ms, upstream, upstream_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	stmtUpsert, err := db.Prepare(`
		INSERT INTO domain_stats (domain, query_count, first_queried, last_queried, blocked)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			query_count = query_count + 1,
			last_queried = excluded.last_queried,
			blocked = excluded.blocked
	`)
	if err != nil {
		_ = stmtInsert.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare domain stats statement: %w", err)
	}

	bufferSize := cfg.BufferSize
	if bufferSize < 1 {
		bufferSize = 1000
	}

	s := &SQLiteStorage{
		db:              db,
		cfg:             cfg,
		metrics:         metrics,
		logger:          logger,
		buffer:          make(chan *QueryLog, bufferSize),
		stmtInsertQuery: stmtInsert,
		stmtUpsertStats: stmtUpsert,
	}

	s.wg.Add(1)
	go s.flushWorker()

	logger.Info("Query log opened",
		"path", cfg.DatabasePath,
		"buffer_size", bufferSize,
		"batch_size", s.batchSize())

	return s, nil
}

func (s *SQLiteStorage) batchSize() int {
	if s.cfg.BatchSize < 1 {
		return 100
	}
	return s.cfg.BatchSize
}

func (s *SQLiteStorage) flushInterval() time.Duration {
	if s.cfg.FlushInterval <= 0 {
		return 5 * time.Second
	}
	return s.cfg.FlushInterval
}

// LogQuery queues a query for the flush worker. It never blocks: when the
// buffer is full the entry is dropped and ErrBufferFull returned.
func (s *SQLiteStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if query.Timestamp.IsZero() {
		query.Timestamp = time.Now()
	}

	select {
	case s.buffer <- query:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedQuery(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker batches buffered queries and writes them when the batch is
// full or the flush interval elapses. It drains the buffer and exits once
// the buffer is closed.
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval())
	defer ticker.Stop()

	size := s.batchSize()
	batch := make([]*QueryLog, 0, size)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(batch); err != nil {
			s.logger.Error("Failed to flush query batch",
				"error", err,
				"batch_size", len(batch),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case query, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, query)
			if len(batch) >= size {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch writes queries and their domain counters in one transaction.
func (s *SQLiteStorage) flushBatch(queries []*QueryLog) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := tx.Stmt(s.stmtInsertQuery)
	upsert := tx.Stmt(s.stmtUpsertStats)

	for _, query := range queries {
		ts := query.Timestamp.UTC()
		var upstream any
		if query.Upstream != "" {
			upstream = query.Upstream
		}

		if _, err := insert.Exec(
			ts,
			query.ClientIP,
			query.Domain,
			query.QueryType,
			query.Outcome,
			query.ResponseCode,
			query.Blocked,
			query.ResponseTimeMs,
			upstream,
			query.UpstreamTimeMs,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}

		if _, err := upsert.Exec(query.Domain, ts, ts, query.Blocked); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

const selectQueryColumns = `
	SELECT id, timestamp, client_ip, domain, query_type, outcome, response_code,
	       blocked, response_time_ms, upstream, upstream_time_ms
	FROM queries
`

// GetRecentQueries returns the most recent queries with pagination support
func (s *SQLiteStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, selectQueryColumns+`
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetQueriesByDomain returns queries for a specific domain
func (s *SQLiteStorage) GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, selectQueryColumns+`
		WHERE domain = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetStatistics returns query statistics since a given time
func (s *SQLiteStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Statistics{
		Since: since,
		Until: time.Now(),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN blocked THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT domain),
			COUNT(DISTINCT client_ip),
			COALESCE(AVG(response_time_ms), 0)
		FROM queries
		WHERE timestamp >= ?
	`, OutcomeForwarded, OutcomeTimeout, since.UTC()).Scan(
		&stats.TotalQueries,
		&stats.BlockedQueries,
		&stats.ForwardedQueries,
		&stats.TimedOutQueries,
		&stats.UniqueDomains,
		&stats.UniqueClients,
		&stats.AvgResponseTimeMs,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	if stats.TotalQueries > 0 {
		stats.BlockRate = float64(stats.BlockedQueries) / float64(stats.TotalQueries) * 100
	}

	return stats, nil
}

// GetTopDomains returns the most queried domains
func (s *SQLiteStorage) GetTopDomains(ctx context.Context, limit int, blocked bool) ([]*DomainStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, query_count, first_queried, last_queried
		FROM domain_stats
		WHERE blocked = ?
		ORDER BY query_count DESC, domain ASC
		LIMIT ?
	`, blocked, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var domains []*DomainStats
	for rows.Next() {
		var d DomainStats
		var firstRaw, lastRaw sql.NullString
		if err := rows.Scan(&d.Domain, &d.QueryCount, &firstRaw, &lastRaw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if firstRaw.Valid {
			d.FirstQueried = parseSQLiteTime(firstRaw.String)
		}
		if lastRaw.Valid {
			d.LastQueried = parseSQLiteTime(lastRaw.String)
		}
		d.Blocked = blocked
		domains = append(domains, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return domains, nil
}

// Cleanup removes queries and domain counters older than olderThan.
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	cutoff := olderThan.UTC()
	result, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE timestamp < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	deleted, _ := result.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM domain_stats WHERE last_queried < ?`, cutoff); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	if deleted > 10000 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.logger.Error("VACUUM operation failed",
				"error", err,
				"deleted_rows", deleted,
			)
		}
	}

	s.logger.Debug("Query log cleaned up", "deleted_rows", deleted, "cutoff", cutoff)
	return nil
}

// Close flushes buffered queries and closes the database.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	_ = s.stmtInsertQuery.Close()
	_ = s.stmtUpsertStats.Close()

	return s.db.Close()
}

// Ping checks if the storage is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.PingContext(ctx)
}

// scanQueryLogs reads every row into a QueryLog. The caller closes rows.
func scanQueryLogs(rows *sql.Rows) ([]*QueryLog, error) {
	var queries []*QueryLog

	for rows.Next() {
		var q QueryLog
		var upstream sql.NullString

		if err := rows.Scan(
			&q.ID,
			&q.Timestamp,
			&q.ClientIP,
			&q.Domain,
			&q.QueryType,
			&q.Outcome,
			&q.ResponseCode,
			&q.Blocked,
			&q.ResponseTimeMs,
			&upstream,
			&q.UpstreamTimeMs,
		); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}

		if upstream.Valid {
			q.Upstream = upstream.String
		}
		queries = append(queries, &q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return queries, nil
}
