package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pi-blocker/pkg/blocklist"
	"pi-blocker/pkg/config"
	"pi-blocker/pkg/forwarder"
	"pi-blocker/pkg/logging"
	"pi-blocker/pkg/storage"
	"pi-blocker/pkg/wire"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstreamFunc func(ctx context.Context, query []byte) ([]byte, error)

func (f upstreamFunc) Forward(ctx context.Context, query []byte) ([]byte, error) {
	return f(ctx, query)
}

// echoUpstream answers every query with a single A record.
func echoUpstream(t *testing.T) upstreamFunc {
	return func(ctx context.Context, query []byte) ([]byte, error) {
		req := new(dns.Msg)
		if err := req.Unpack(query); err != nil {
			return nil, err
		}
		resp := new(dns.Msg)
		resp.SetReply(req)
		rr, err := dns.NewRR(req.Question[0].Name + " 300 IN A 192.0.2.10")
		if err != nil {
			return nil, err
		}
		resp.Answer = append(resp.Answer, rr)
		return resp.Pack()
	}
}

type captureStorage struct {
	storage.NoOpStorage
	mu      sync.Mutex
	entries []*storage.QueryLog
}

func (c *captureStorage) LogQuery(ctx context.Context, q *storage.QueryLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, q)
	return nil
}

func (c *captureStorage) snapshot() []*storage.QueryLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*storage.QueryLog(nil), c.entries...)
}

func newTestServer(t *testing.T, maxInFlight int, up Upstream, store storage.Storage) *Server {
	t.Helper()
	table := blocklist.NewTable([]string{"ads.example.com", "tracker.net"})
	cfg := &config.ServerConfig{ListenAddress: "127.0.0.1:0", MaxInFlight: maxInFlight}
	return NewServer(cfg, table, up, logging.NewDiscard(), nil, store)
}

// serve starts s on a loopback socket and returns a connected client.
func serve(t *testing.T, s *Server) net.Conn {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(context.Background(), pc) }()

	client, err := net.Dial("udp4", pc.LocalAddr().String())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		<-errCh
	})
	return client
}

func packQuery(t *testing.T, id uint16, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = id
	packed, err := m.Pack()
	require.NoError(t, err)
	return packed
}

// roundTrip sends packet and waits up to wait for a reply. ok is false when
// nothing arrived.
func roundTrip(t *testing.T, conn net.Conn, packet []byte, wait time.Duration) ([]byte, bool) {
	t.Helper()
	_, err := conn.Write(packet)
	require.NoError(t, err)
	return readReply(t, conn, wait)
}

func readReply(t *testing.T, conn net.Conn, wait time.Duration) ([]byte, bool) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	buf := make([]byte, dns.MaxMsgSize)
	n, err := conn.Read(buf)
	if err != nil {
		var netErr net.Error
		require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected read error: %v", err)
		return nil, false
	}
	return buf[:n], true
}

func TestServer_BlockedQueryIsRefusedInPlace(t *testing.T) {
	var calls atomic.Int32
	up := upstreamFunc(func(ctx context.Context, query []byte) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("should not be called")
	})
	conn := serve(t, newTestServer(t, 0, up, nil))

	query := packQuery(t, 0xBEEF, "ads.example.com", dns.TypeA)
	reply, ok := roundTrip(t, conn, query, 2*time.Second)
	require.True(t, ok, "expected a REFUSED reply")

	require.Len(t, reply, len(query))
	assert.Equal(t, query[:2], reply[:2], "transaction id preserved")
	assert.Equal(t, query[4:], reply[4:], "counts and question preserved")

	hdr, err := wire.ParseHeader(reply)
	require.NoError(t, err)
	assert.True(t, hdr.Response())
	assert.Equal(t, dns.RcodeRefused, hdr.Rcode())
	assert.True(t, hdr.RecursionDesired())
	assert.Equal(t, int32(0), calls.Load())
}

func TestServer_SubdomainAndCaseAreBlocked(t *testing.T) {
	conn := serve(t, newTestServer(t, 0, echoUpstream(t), nil))

	for _, name := range []string{"Ads.Example.COM", "x.y.tracker.net", "TRACKER.NET"} {
		reply, ok := roundTrip(t, conn, packQuery(t, 7, name, dns.TypeAAAA), 2*time.Second)
		require.True(t, ok, name)

		msg := new(dns.Msg)
		require.NoError(t, msg.Unpack(reply))
		assert.Equal(t, dns.RcodeRefused, msg.Rcode, name)
	}
}

func TestServer_AllowedQueryIsRelayedVerbatim(t *testing.T) {
	var sent []byte
	var mu sync.Mutex
	up := upstreamFunc(func(ctx context.Context, query []byte) ([]byte, error) {
		mu.Lock()
		sent = append([]byte(nil), query...)
		mu.Unlock()
		return echoUpstream(t)(ctx, query)
	})
	conn := serve(t, newTestServer(t, 0, up, nil))

	query := packQuery(t, 0x1234, "example.com", dns.TypeA)
	reply, ok := roundTrip(t, conn, query, 2*time.Second)
	require.True(t, ok)

	expected, err := echoUpstream(t)(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, expected, reply)

	mu.Lock()
	assert.Equal(t, query, sent)
	mu.Unlock()
}

func TestServer_TLDOfBlockedDomainIsForwarded(t *testing.T) {
	conn := serve(t, newTestServer(t, 0, echoUpstream(t), nil))

	reply, ok := roundTrip(t, conn, packQuery(t, 1, "com", dns.TypeNS), 2*time.Second)
	require.True(t, ok)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(reply))
	assert.Equal(t, dns.RcodeSuccess, msg.Rcode)
}

func TestServer_UpstreamFailureSendsNothing(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome string
	}{
		{"timeout", forwarder.ErrTimeout, storage.OutcomeTimeout},
		{"socket error", errors.New("connection refused"), storage.OutcomeFailed},
		{"circuit open", forwarder.ErrCircuitOpen, storage.OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := upstreamFunc(func(ctx context.Context, query []byte) ([]byte, error) {
				return nil, tt.err
			})
			store := &captureStorage{}
			conn := serve(t, newTestServer(t, 0, up, store))

			_, ok := roundTrip(t, conn, packQuery(t, 9, "example.org", dns.TypeA), 300*time.Millisecond)
			assert.False(t, ok, "client must not receive a reply")

			require.Eventually(t, func() bool { return len(store.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
			entry := store.snapshot()[0]
			assert.Equal(t, tt.outcome, entry.Outcome)
			assert.Equal(t, "example.org", entry.Domain)
			assert.False(t, entry.Blocked)
		})
	}
}

func TestServer_ShortDatagramNeverReachesDecoder(t *testing.T) {
	s := newTestServer(t, 0, echoUpstream(t), nil)
	var decoded atomic.Int32
	s.decode = func(packet []byte) (wire.Header, wire.Question, error) {
		decoded.Add(1)
		return wire.ParseQuery(packet)
	}
	conn := serve(t, s)

	_, ok := roundTrip(t, conn, make([]byte, wire.HeaderSize-1), 200*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, int32(0), decoded.Load())

	// the server is still serving
	_, ok = roundTrip(t, conn, packQuery(t, 2, "ads.example.com", dns.TypeA), 2*time.Second)
	assert.True(t, ok)
	assert.Equal(t, int32(1), decoded.Load())
}

func TestServer_UndecodableQueriesAreDropped(t *testing.T) {
	store := &captureStorage{}
	conn := serve(t, newTestServer(t, 0, echoUpstream(t), store))

	looping := make([]byte, wire.HeaderSize)
	looping[5] = 1 // QDCOUNT
	looping = append(looping, 0xC0, 0x0C, 0, 1, 0, 1)

	response := packQuery(t, 3, "example.com", dns.TypeA)
	response[2] |= 0x80

	// A response naming a blocked domain is still never classified.
	blockedResponse := packQuery(t, 4, "ads.example.com", dns.TypeA)
	blockedResponse[2] |= 0x80

	noQuestion := make([]byte, wire.HeaderSize)

	for name, packet := range map[string][]byte{
		"pointer loop":     looping,
		"response":         response,
		"blocked response": blockedResponse,
		"no question":      noQuestion,
	} {
		_, ok := roundTrip(t, conn, packet, 200*time.Millisecond)
		assert.False(t, ok, name)
	}

	assert.Empty(t, store.snapshot())
}

func TestServer_SlowUpstreamDoesNotBlockOtherQueries(t *testing.T) {
	release := make(chan struct{})
	up := upstreamFunc(func(ctx context.Context, query []byte) ([]byte, error) {
		<-release
		return echoUpstream(t)(ctx, query)
	})
	conn := serve(t, newTestServer(t, 0, up, nil))
	defer close(release)

	_, err := conn.Write(packQuery(t, 10, "slow.example.org", dns.TypeA))
	require.NoError(t, err)

	start := time.Now()
	reply, ok := roundTrip(t, conn, packQuery(t, 11, "ads.example.com", dns.TypeA), 2*time.Second)
	require.True(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, uint16(11), wire.ID(reply))
}

func TestServer_ConcurrentQueries(t *testing.T) {
	up := upstreamFunc(func(ctx context.Context, query []byte) ([]byte, error) {
		time.Sleep(20 * time.Millisecond)
		return echoUpstream(t)(ctx, query)
	})
	conn := serve(t, newTestServer(t, 0, up, nil))

	const n = 20
	for i := range n {
		name := "example.org"
		if i%2 == 0 {
			name = "ads.example.com"
		}
		_, err := conn.Write(packQuery(t, uint16(100+i), name, dns.TypeA))
		require.NoError(t, err)
	}

	seen := make(map[uint16]bool)
	for range n {
		reply, ok := readReply(t, conn, 2*time.Second)
		require.True(t, ok)
		seen[wire.ID(reply)] = true
	}
	assert.Len(t, seen, n)
}

func TestServer_OverloadDropsDatagrams(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	up := upstreamFunc(func(ctx context.Context, query []byte) ([]byte, error) {
		entered <- struct{}{}
		<-release
		return echoUpstream(t)(ctx, query)
	})
	s := newTestServer(t, 1, up, nil)
	conn := serve(t, s)

	_, err := conn.Write(packQuery(t, 20, "example.org", dns.TypeA))
	require.NoError(t, err)
	<-entered

	_, ok := roundTrip(t, conn, packQuery(t, 21, "ads.example.com", dns.TypeA), 200*time.Millisecond)
	assert.False(t, ok, "query beyond the in-flight limit must be dropped")

	close(release)
	reply, ok := readReply(t, conn, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, uint16(20), wire.ID(reply))

	require.Eventually(t, func() bool {
		if !s.sem.TryAcquire(1) {
			return false
		}
		s.sem.Release(1)
		return true
	}, time.Second, 5*time.Millisecond)

	reply, ok = roundTrip(t, conn, packQuery(t, 22, "ads.example.com", dns.TypeA), 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, uint16(22), wire.ID(reply))
}

func TestServer_RecoversFromTaskPanic(t *testing.T) {
	s := newTestServer(t, 0, echoUpstream(t), nil)
	var calls atomic.Int32
	s.decode = func(packet []byte) (wire.Header, wire.Question, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return wire.ParseQuery(packet)
	}
	conn := serve(t, s)

	_, ok := roundTrip(t, conn, packQuery(t, 30, "ads.example.com", dns.TypeA), 200*time.Millisecond)
	assert.False(t, ok)

	reply, ok := roundTrip(t, conn, packQuery(t, 31, "ads.example.com", dns.TypeA), 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, uint16(31), wire.ID(reply))
}

func TestServer_LogsQueries(t *testing.T) {
	store := &captureStorage{}
	up := echoUpstream(t)
	conn := serve(t, newTestServer(t, 0, up, store))

	_, ok := roundTrip(t, conn, packQuery(t, 40, "ads.example.com", dns.TypeA), 2*time.Second)
	require.True(t, ok)
	_, ok = roundTrip(t, conn, packQuery(t, 41, "Example.ORG", dns.TypeMX), 2*time.Second)
	require.True(t, ok)

	require.Eventually(t, func() bool { return len(store.snapshot()) == 2 }, time.Second, 10*time.Millisecond)

	byDomain := make(map[string]*storage.QueryLog)
	for _, e := range store.snapshot() {
		byDomain[e.Domain] = e
	}

	blocked := byDomain["ads.example.com"]
	require.NotNil(t, blocked)
	assert.True(t, blocked.Blocked)
	assert.Equal(t, storage.OutcomeBlocked, blocked.Outcome)
	assert.Equal(t, dns.RcodeRefused, blocked.ResponseCode)
	assert.Equal(t, "A", blocked.QueryType)
	assert.Equal(t, "127.0.0.1", blocked.ClientIP)
	assert.Empty(t, blocked.Upstream)

	forwarded := byDomain["example.org"]
	require.NotNil(t, forwarded)
	assert.False(t, forwarded.Blocked)
	assert.Equal(t, storage.OutcomeForwarded, forwarded.Outcome)
	assert.Equal(t, dns.RcodeSuccess, forwarded.ResponseCode)
	assert.Equal(t, "MX", forwarded.QueryType)
}

func TestServer_ShutdownWaitsForTasks(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	up := upstreamFunc(func(ctx context.Context, query []byte) ([]byte, error) {
		entered <- struct{}{}
		<-release
		return nil, forwarder.ErrTimeout
	})
	s := newTestServer(t, 0, up, nil)
	conn := serve(t, s)

	_, err := conn.Write(packQuery(t, 50, "example.org", dns.TypeA))
	require.NoError(t, err)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = s.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestServer_ServeAfterShutdown(t *testing.T) {
	s := newTestServer(t, 0, echoUpstream(t), nil)
	require.NoError(t, s.Shutdown(context.Background()))

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.Serve(context.Background(), pc))
	assert.Nil(t, s.Addr())
}

func TestServer_StopsWhenContextEnds(t *testing.T) {
	s := newTestServer(t, 0, echoUpstream(t), nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	require.NoError(t, s.Shutdown(shutdownCtx))
}

func TestNewServer_UpstreamName(t *testing.T) {
	cfg := &config.UpstreamConfig{Address: "127.0.0.1:5353", Timeout: time.Second}
	fwd, err := forwarder.New(cfg, logging.NewDiscard())
	require.NoError(t, err)

	s := newTestServer(t, 8, fwd, nil)
	assert.Equal(t, "127.0.0.1:5353", s.upstreamName)
	assert.NotNil(t, s.sem)

	s = newTestServer(t, 0, echoUpstream(t), nil)
	assert.Empty(t, s.upstreamName)
	assert.Nil(t, s.sem)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "received", StateReceived.String())
	assert.Equal(t, "refused_sent", StateRefusedSent.String())
	assert.Equal(t, "upstream_timed_out", StateUpstreamTimedOut.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "state(99)", State(99).String())
}
