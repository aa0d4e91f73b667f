// Package proxy runs the UDP front end: one acceptor goroutine reads
// datagrams and hands each one to its own task goroutine, which classifies
// the query and either refuses it or relays it through the upstream.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"pi-blocker/pkg/blocklist"
	"pi-blocker/pkg/config"
	"pi-blocker/pkg/logging"
	"pi-blocker/pkg/storage"
	"pi-blocker/pkg/telemetry"
	"pi-blocker/pkg/wire"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"
)

// TracerName is the instrumentation scope used for query spans.
const TracerName = "pi-blocker/proxy"

// Upstream exchanges one raw query for one raw reply.
type Upstream interface {
	Forward(ctx context.Context, query []byte) ([]byte, error)
}

// decodeFunc matches wire.ParseQuery.
type decodeFunc func(packet []byte) (wire.Header, wire.Question, error)

// Server is the filtering DNS proxy.
type Server struct {
	cfg          *config.ServerConfig
	table        *blocklist.Table
	upstream     Upstream
	upstreamName string
	logger       *logging.Logger
	metrics      *telemetry.Metrics
	store        storage.Storage
	tracer       trace.Tracer
	decode       decodeFunc

	// nil when the in-flight limit is disabled
	sem *semaphore.Weighted

	mu      sync.Mutex
	conn    net.PacketConn
	tasks   sync.WaitGroup
	serving sync.WaitGroup
	closing atomic.Bool
}

// NewServer wires the proxy together. metrics and store may be nil.
func NewServer(cfg *config.ServerConfig, table *blocklist.Table, upstream Upstream, logger *logging.Logger, metrics *telemetry.Metrics, store storage.Storage) *Server {
	if store == nil {
		store = storage.NewNoOpStorage()
	}
	s := &Server{
		cfg:      cfg,
		table:    table,
		upstream: upstream,
		logger:   logger,
		metrics:  metrics,
		store:    store,
		tracer:   tracenoop.NewTracerProvider().Tracer(TracerName),
		decode:   wire.ParseQuery,
	}
	if cfg.MaxInFlight > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	if named, ok := upstream.(interface{ Address() string }); ok {
		s.upstreamName = named.Address()
	}
	return s
}

// SetTracer replaces the no-op tracer. Call it before Start or Serve.
func (s *Server) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		s.tracer = tracer
	}
}

// Start binds the UDP listen address and serves in the background until ctx
// is canceled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}

	go func() {
		if err := s.Serve(ctx, conn); err != nil {
			s.logger.Error("DNS server stopped", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve runs the acceptor loop on conn. It returns nil once conn is closed
// by Shutdown or by ctx ending, and takes ownership of conn.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		return conn.Close()
	}
	s.conn = conn
	s.serving.Add(1)
	s.mu.Unlock()
	defer s.serving.Done()

	stop := context.AfterFunc(ctx, func() {
		s.closing.Store(true)
		_ = conn.Close()
	})
	defer stop()

	s.logger.Info("DNS server listening",
		"address", conn.LocalAddr().String(),
		"upstream", s.upstreamName,
		"blocklist_domains", s.table.Len(),
		"max_in_flight", s.cfg.MaxInFlight)

	buf := make([]byte, wire.MaxQuerySize)
	for {
		n, client, err := conn.ReadFrom(buf)
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Debug("UDP read error", "error", err)
			continue
		}

		s.metrics.RecordReceived(ctx)

		if n < wire.HeaderSize {
			s.metrics.RecordDropped(ctx, "short")
			s.logger.Debug("Dropping short datagram", "client", client.String(), "bytes", n)
			continue
		}

		if s.sem != nil && !s.sem.TryAcquire(1) {
			s.metrics.RecordDropped(ctx, "overload")
			s.logger.Debug("Dropping datagram, too many queries in flight", "client", client.String())
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		s.tasks.Add(1)
		go s.handle(ctx, conn, client, packet)
	}
}

// Shutdown stops accepting datagrams and waits for running tasks until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.serving.Wait()
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("DNS server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight queries: %w", ctx.Err())
	}
}
