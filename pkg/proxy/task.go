package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"pi-blocker/pkg/forwarder"
	"pi-blocker/pkg/storage"
	"pi-blocker/pkg/wire"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle position of a single query task.
type State int

const (
	StateReceived State = iota
	StateNameDecoded
	StateDecodeFailed
	StateBlocked
	StateRefusedSent
	StateAllowed
	StateForwarded
	StateUpstreamReplied
	StateUpstreamTimedOut
	StateUpstreamFailed
	StateDone
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateNameDecoded:
		return "name_decoded"
	case StateDecodeFailed:
		return "decode_failed"
	case StateBlocked:
		return "blocked"
	case StateRefusedSent:
		return "refused_sent"
	case StateAllowed:
		return "allowed"
	case StateForwarded:
		return "forwarded"
	case StateUpstreamReplied:
		return "upstream_replied"
	case StateUpstreamTimedOut:
		return "upstream_timed_out"
	case StateUpstreamFailed:
		return "upstream_failed"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// task is one received datagram. It is owned by exactly one goroutine and
// its packet buffer is never shared.
type task struct {
	client   net.Addr
	packet   []byte
	start    time.Time
	state    State
	last     State // state before StateDone
	question wire.Question
	domain   string
	matched  string
	rcode    int
	upstream time.Duration
	err      error
}

func (t *task) enter(s State) {
	t.state = s
}

// handle runs one task to completion. Errors never leave this function.
func (s *Server) handle(ctx context.Context, conn net.PacketConn, client net.Addr, packet []byte) {
	t := &task{
		client: client,
		packet: packet,
		start:  time.Now(),
		state:  StateReceived,
	}

	ctx, span := s.tracer.Start(ctx, "dns.query",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("client.address", clientIP(client)),
			attribute.Int("dns.message.bytes", len(packet)),
		))

	s.metrics.AddInFlight(ctx, 1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic in query task",
				"client", client.String(),
				"panic", r,
				"stack", string(debug.Stack()))
			t.err = fmt.Errorf("panic: %v", r)
		}
		t.last = t.state
		t.enter(StateDone)
		s.record(ctx, t)
		endSpan(span, t)

		s.metrics.AddInFlight(ctx, -1)
		if s.sem != nil {
			s.sem.Release(1)
		}
		s.tasks.Done()
	}()

	s.process(ctx, conn, t)
}

func (s *Server) process(ctx context.Context, conn net.PacketConn, t *task) {
	hdr, q, err := s.decode(t.packet)
	if err != nil {
		t.err = err
		t.enter(StateDecodeFailed)
		s.logger.Debug("Dropping undecodable query",
			"client", t.client.String(),
			"bytes", len(t.packet),
			"error", err)
		return
	}
	t.enter(StateNameDecoded)
	t.question = q
	t.domain = strings.ToLower(q.Name)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("dns.question.name", t.domain),
		attribute.String("dns.question.type", dns.Type(q.Type).String()),
		attribute.Int("dns.opcode", hdr.Opcode()),
		attribute.Bool("dns.recursion_desired", hdr.RecursionDesired()),
	)

	if matched, ok := s.table.Match(t.domain); ok {
		t.enter(StateBlocked)
		t.matched = matched
		s.refuse(conn, t)
		return
	}

	t.enter(StateAllowed)
	s.forward(ctx, conn, t)
}

// refuse rewrites the query into a REFUSED reply and sends it back.
func (s *Server) refuse(conn net.PacketConn, t *task) {
	if err := wire.Refuse(t.packet); err != nil {
		t.err = err
		return
	}
	t.rcode = dns.RcodeRefused

	if _, err := conn.WriteTo(t.packet, t.client); err != nil {
		t.err = fmt.Errorf("failed to send refusal: %w", err)
		s.logger.Warn("Failed to send response",
			"client", t.client.String(),
			"domain", t.domain,
			"error", err)
		return
	}
	t.enter(StateRefusedSent)

	s.logger.Debug("Query blocked",
		"client", t.client.String(),
		"domain", t.domain,
		"rule", t.matched)
}

// forward relays the untouched query upstream and the reply back. On any
// upstream failure the client gets nothing and is left to retry.
func (s *Server) forward(ctx context.Context, conn net.PacketConn, t *task) {
	t.enter(StateForwarded)

	fctx, span := s.tracer.Start(ctx, "upstream.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("server.address", s.upstreamName)))
	start := time.Now()
	reply, err := s.upstream.Forward(fctx, t.packet)
	t.upstream = time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("dns.message.bytes", len(reply)))
	}
	span.End()

	if err != nil {
		t.err = err
		if errors.Is(err, forwarder.ErrTimeout) {
			t.enter(StateUpstreamTimedOut)
			s.logger.Debug("Upstream timed out",
				"client", t.client.String(),
				"domain", t.domain,
				"waited", t.upstream)
			return
		}
		t.enter(StateUpstreamFailed)
		// Breaker transitions are logged by the forwarder.
		if errors.Is(err, forwarder.ErrCircuitOpen) {
			s.logger.Debug("Upstream circuit open, dropping query",
				"client", t.client.String(),
				"domain", t.domain)
			return
		}
		s.logger.Warn("Upstream exchange failed",
			"client", t.client.String(),
			"domain", t.domain,
			"error", err)
		return
	}
	t.enter(StateUpstreamReplied)

	if hdr, err := wire.ParseHeader(reply); err == nil {
		t.rcode = hdr.Rcode()
	}

	if _, err := conn.WriteTo(reply, t.client); err != nil {
		t.err = fmt.Errorf("failed to relay reply: %w", err)
		s.logger.Warn("Failed to send response",
			"client", t.client.String(),
			"domain", t.domain,
			"error", err)
		return
	}

	s.logger.Debug("Query forwarded",
		"client", t.client.String(),
		"domain", t.domain,
		"bytes", len(reply),
		"upstream_time", t.upstream)
}

// endSpan tags the query span with the task outcome and ends it.
func endSpan(span trace.Span, t *task) {
	span.SetAttributes(
		attribute.String("pi_blocker.outcome", t.outcome()),
		attribute.String("pi_blocker.state", t.last.String()),
	)
	if t.matched != "" {
		span.SetAttributes(attribute.String("pi_blocker.rule", t.matched))
	}
	if t.rcode != 0 || t.last == StateUpstreamReplied {
		span.SetAttributes(attribute.Int("dns.response_code", t.rcode))
	}
	if t.err != nil {
		span.RecordError(t.err)
		span.SetStatus(codes.Error, t.err.Error())
	}
	span.End()
}

// outcome maps the final state of a task to its log and metric label.
func (t *task) outcome() string {
	switch t.last {
	case StateRefusedSent, StateBlocked:
		return storage.OutcomeBlocked
	case StateUpstreamReplied:
		return storage.OutcomeForwarded
	case StateUpstreamTimedOut:
		return storage.OutcomeTimeout
	case StateUpstreamFailed:
		return storage.OutcomeFailed
	default:
		return "dropped"
	}
}

// record reports a finished task to metrics and the query log.
func (s *Server) record(ctx context.Context, t *task) {
	outcome := t.outcome()
	elapsed := time.Since(t.start)

	switch t.last {
	case StateRefusedSent:
		s.metrics.RecordBlocked(ctx)
	case StateUpstreamReplied:
		s.metrics.RecordForwarded(ctx)
	case StateUpstreamTimedOut:
		s.metrics.RecordUpstreamFailure(ctx, true)
		s.metrics.RecordDropped(ctx, "timeout")
	case StateUpstreamFailed:
		s.metrics.RecordUpstreamFailure(ctx, false)
		s.metrics.RecordDropped(ctx, "upstream")
	case StateDecodeFailed:
		s.metrics.RecordDropped(ctx, "decode")
		return
	default:
		s.metrics.RecordDropped(ctx, "error")
	}
	s.metrics.RecordDuration(ctx, elapsed, outcome)

	if t.last == StateReceived {
		return
	}

	entry := &storage.QueryLog{
		Timestamp:      t.start,
		ClientIP:       clientIP(t.client),
		Domain:         t.domain,
		QueryType:      dns.Type(t.question.Type).String(),
		Outcome:        outcome,
		ResponseCode:   t.rcode,
		ResponseTimeMs: float64(elapsed.Microseconds()) / 1000,
		Blocked:        t.matched != "",
	}
	if !entry.Blocked {
		entry.Upstream = s.upstreamName
		entry.UpstreamTimeMs = float64(t.upstream.Microseconds()) / 1000
	}

	// Logging is best effort; a full buffer is already counted by storage.
	if err := s.store.LogQuery(context.WithoutCancel(ctx), entry); err != nil && !errors.Is(err, storage.ErrBufferFull) {
		s.logger.Debug("Failed to log query", "domain", t.domain, "error", err)
	}
}

func clientIP(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
