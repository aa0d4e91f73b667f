// Package resolver resolves the proxy's own outbound hostnames (blocklist
// URLs) through the configured upstream instead of the host resolver. A host
// that points its resolv.conf at this proxy would otherwise try to resolve
// through a listener that is not up yet.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"pi-blocker/pkg/logging"
)

// Resolver looks up IPv4 addresses through a single upstream server.
type Resolver struct {
	logger   *logging.Logger
	dialer   *net.Dialer
	upstream string
	resolver *net.Resolver
	// fall back to the host resolver when the upstream fails
	fallback bool
}

// New returns a resolver for upstream ("host" or "host:port"). An empty
// upstream means the host resolver is used directly.
func New(upstream string, fallback bool, logger *logging.Logger) *Resolver {
	r := &Resolver{
		logger:   logger,
		fallback: fallback,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
	if upstream == "" {
		r.resolver = net.DefaultResolver
		return r
	}

	if _, _, err := net.SplitHostPort(upstream); err != nil {
		upstream = net.JoinHostPort(upstream, "53")
	}
	r.upstream = upstream
	r.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return r.dialer.DialContext(ctx, "udp4", r.upstream)
		},
	}
	return r
}

// Upstream returns the server lookups are sent to, or "" for the host
// resolver.
func (r *Resolver) Upstream() string {
	return r.upstream
}

// LookupIP returns the IPv4 addresses of host.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := r.resolver.LookupIP(ctx, "ip4", host)
	if err == nil {
		r.logger.Debug("Resolved outbound host", "host", host, "upstream", r.upstream, "ips", ips)
		return ips, nil
	}
	if r.upstream == "" || !r.fallback {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	r.logger.Warn("Upstream lookup failed, falling back to system resolver",
		"host", host,
		"upstream", r.upstream,
		"error", err)
	ips, sysErr := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if sysErr != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, errors.Join(err, sysErr))
	}
	return ips, nil
}

// DialContext resolves addr's host with LookupIP and dials the first
// address. It fits http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}
	if net.ParseIP(host) != nil {
		return r.dialer.DialContext(ctx, network, addr)
	}

	ips, err := r.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 addresses found for %s", host)
	}
	return r.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// NewHTTPClient returns a client whose connections resolve through r.
func (r *Resolver) NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext:           r.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
