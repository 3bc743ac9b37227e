package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Dialer opens TCP connections to origin servers. Resolved addresses are
// kept in a small TTL cache so a burst of requests for the same host does
// not hammer the resolver; failed lookups are cached for a shorter
// negative TTL.
type Dialer struct {
	timeout  time.Duration
	resolver *net.Resolver
	lookups  *gocache.Cache
	negTTL   time.Duration
}

// lookupResult is the cached outcome of a DNS query, positive or negative.
type lookupResult struct {
	addrs []net.IP
	err   error
}

// NewDialer creates a Dialer whose resolve+connect attempts are bounded
// by timeout.
func NewDialer(timeout, dnsTTL, dnsNegTTL time.Duration) *Dialer {
	return &Dialer{
		timeout:  timeout,
		resolver: net.DefaultResolver,
		lookups:  gocache.New(dnsTTL, 10*time.Minute),
		negTTL:   dnsNegTTL,
	}
}

// Dial resolves host and connects to host:port. The returned connection
// has no deadlines set; callers apply per-operation deadlines before any
// I/O.
func (d *Dialer) Dial(host string, port int) (net.Conn, error) {
	deadline := time.Now().Add(d.timeout)

	addrs, err := d.lookup(host, deadline)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range addrs {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		conn, err := net.DialTimeout("tcp", addr, remaining)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("connect to %s:%d: deadline exhausted", host, port)
	}
	return nil, lastErr
}

func (d *Dialer) lookup(host string, deadline time.Time) ([]net.IP, error) {
	if cached, ok := d.lookups.Get(host); ok {
		res := cached.(lookupResult)
		return res.addrs, res.err
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	// IPv4 first; fall back to whatever the resolver has.
	addrs, err := d.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		addrs, err = d.resolver.LookupIP(ctx, "ip", host)
	}
	if err != nil {
		err = fmt.Errorf("resolve %s: %w", host, err)
		d.lookups.Set(host, lookupResult{err: err}, d.negTTL)
		return nil, err
	}

	d.lookups.Set(host, lookupResult{addrs: addrs}, gocache.DefaultExpiration)
	return addrs, nil
}
