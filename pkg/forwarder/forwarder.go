// Package forwarder relays raw DNS queries to a single upstream resolver.
//
// Every call to Forward owns a fresh UDP socket for the duration of one
// exchange. Sockets are never shared between queries.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"pi-blocker/pkg/config"
	"pi-blocker/pkg/logging"
	"pi-blocker/pkg/wire"
)

var (
	// ErrTimeout means no reply arrived before the wait elapsed.
	ErrTimeout = errors.New("upstream did not reply in time")

	// ErrCircuitOpen is returned while the breaker rejects exchanges.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// DefaultTimeout is the wait used when the config leaves it unset.
const DefaultTimeout = 2000 * time.Millisecond

// Forwarder handles forwarding DNS queries to the upstream server
type Forwarder struct {
	address  string
	upstream *net.UDPAddr
	timeout  time.Duration
	breaker  *CircuitBreaker
	logger   *logging.Logger
}

// New resolves the upstream address once and prepares the forwarder.
func New(cfg *config.UpstreamConfig, logger *logging.Logger) (*Forwarder, error) {
	address := normalizeAddress(cfg.Address)
	upstream, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upstream %q: %w", cfg.Address, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	f := &Forwarder{
		address:  upstream.String(),
		upstream: upstream,
		timeout:  timeout,
		logger:   logger,
	}

	cb := cfg.CircuitBreaker
	if cb.Enabled {
		f.breaker = NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.OpenTimeout, isFault)
		f.breaker.OnStateChange(f.logStateChange)
	}

	logger.Info("Forwarder initialized",
		"upstream", f.address,
		"timeout", f.timeout,
		"circuit_breaker", cb.Enabled,
	)

	return f, nil
}

// normalizeAddress adds the default DNS port when none is given.
func normalizeAddress(address string) string {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return net.JoinHostPort(address, "53")
	}
	return address
}

// isFault reports whether err counts against the upstream. Timeouts do not.
func isFault(err error) bool {
	return !errors.Is(err, ErrTimeout)
}

// Address returns the resolved upstream address.
func (f *Forwarder) Address() string {
	return f.address
}

// logStateChange reports breaker transitions. Queries rejected while the
// breaker is open are not logged individually, so opening and closing are
// the only warn-level signals.
func (f *Forwarder) logStateChange(from, to CircuitState) {
	failures, successes, _ := f.breaker.Stats()
	switch to {
	case StateOpen:
		f.logger.Warn("Upstream circuit breaker opened",
			"upstream", f.address,
			"from", from.String(),
			"consecutive_failures", failures)
	case StateClosed:
		f.logger.Warn("Upstream circuit breaker closed",
			"upstream", f.address,
			"consecutive_successes", successes)
	default:
		f.logger.Debug("Upstream circuit breaker half-open",
			"upstream", f.address)
	}
}

// Forward sends query to the upstream unchanged and returns the first reply
// carrying the same transaction id. It returns an error wrapping ErrTimeout
// when nothing usable arrives within the configured wait or before ctx ends.
func (f *Forwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) < wire.HeaderSize {
		return nil, wire.ErrShortPacket
	}
	if f.breaker == nil {
		return f.exchange(ctx, query)
	}

	var reply []byte
	err := f.breaker.Call(func() error {
		var err error
		reply, err = f.exchange(ctx, query)
		return err
	})
	return reply, err
}

func (f *Forwarder) exchange(ctx context.Context, query []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	conn, err := net.DialUDP("udp4", nil, f.upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to open upstream socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(f.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// Cancellation cuts the wait short by moving the deadline to now.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("failed to send to upstream %s: %w", f.address, err)
	}

	id := wire.ID(query)
	buf := make([]byte, wire.MaxReplySize)
	for {
		n, err := receive(ctx, conn, buf, deadline)
		if err != nil {
			return nil, err
		}
		if n < wire.HeaderSize || wire.ID(buf[:n]) != id {
			f.logger.Debug("Ignoring stray upstream datagram",
				"upstream", f.address,
				"bytes", n)
			continue
		}
		reply := make([]byte, n)
		copy(reply, buf[:n])
		return reply, nil
	}
}

// receive waits until deadline for one datagram on conn. It returns
// ErrTimeout when the deadline passes with nothing to read (wrapping the
// context error when ctx ended first), and a wrapped I/O error for anything
// else.
func receive(ctx context.Context, conn *net.UDPConn, buf []byte, deadline time.Time) (int, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("failed to set read deadline: %w", err)
	}
	// Checked after arming the deadline: a cancellation that raced the call
	// above is seen here.
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	n, err := conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
			}
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("failed to read from upstream: %w", err)
	}
	return n, nil
}
