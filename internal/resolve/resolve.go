// Package resolve looks up mirror hostnames through configurable DNS servers
// and dials the resulting addresses for the HTTP transport.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"go.uber.org/multierr"

	"github.com/pingsantohq/dlspeed/internal/clock"
	"github.com/pingsantohq/dlspeed/internal/logging"
)

// System names the operating system resolver in a server list.
const System = "system"

const (
	defaultCacheSize = 256
	defaultTimeout   = 3 * time.Second
	systemTTL        = 30 * time.Second
	minTTL           = time.Second
)

var ErrNoAddresses = errors.New("resolve: no addresses")

type Resolver struct {
	servers []string
	client  *dns.Client
	system  *net.Resolver
	dialer  *net.Dialer
	cache   *lru.Cache[string, entry]
	clock   clock.Clock
	logger  *slog.Logger
}

type entry struct {
	addrs   []string
	expires time.Time
}

type Option func(*Resolver)

func WithClock(c clock.Clock) Option {
	return func(r *Resolver) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.client.Timeout = d
		}
	}
}

func WithDialer(d *net.Dialer) Option {
	return func(r *Resolver) {
		if d != nil {
			r.dialer = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New builds a resolver that tries servers in order. Entries are host or
// host:port (port 53 by default) or System.
func New(servers []string, cacheSize int, opts ...Option) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, entry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolve: cache: %w", err)
	}

	r := &Resolver{
		client: &dns.Client{Net: "udp", Timeout: defaultTimeout},
		system: net.DefaultResolver,
		dialer: &net.Dialer{},
		cache:  cache,
		clock:  clock.New(),
		logger: logging.Discard(),
	}
	for _, s := range servers {
		s = strings.TrimSpace(s)
		switch {
		case s == "":
			return nil, errors.New("resolve: empty server entry")
		case strings.EqualFold(s, System):
			r.servers = append(r.servers, System)
		default:
			r.servers = append(r.servers, withPort(s))
		}
	}
	if len(r.servers) == 0 {
		r.servers = []string{System}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), "53")
}

// SystemOnly reports whether every lookup goes to the OS resolver.
func (r *Resolver) SystemOnly() bool {
	for _, s := range r.servers {
		if s != System {
			return false
		}
	}
	return true
}

// LookupHost returns the addresses for host, serving repeated lookups from
// the cache until the record TTL runs out.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	key := strings.ToLower(dns.Fqdn(host))
	now := r.clock.Now()
	if e, ok := r.cache.Get(key); ok && now.Before(e.expires) {
		return e.addrs, nil
	}

	var errs error
	for _, server := range r.servers {
		addrs, ttl, err := r.lookup(ctx, server, host)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		r.cache.Add(key, entry{addrs: addrs, expires: now.Add(ttl)})
		r.logger.Debug("resolved host", "host", host, "server", server, "addrs", addrs, "ttl", ttl)
		return addrs, nil
	}
	return nil, fmt.Errorf("resolve %s: %w", host, errs)
}

func (r *Resolver) lookup(ctx context.Context, server, host string) ([]string, time.Duration, error) {
	if server == System {
		addrs, err := r.system.LookupHost(ctx, host)
		if err != nil {
			return nil, 0, err
		}
		return addrs, systemTTL, nil
	}

	var (
		addrs []string
		ttl   time.Duration
		errs  error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		got, t, err := r.query(ctx, server, host, qtype)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if len(got) > 0 && (ttl == 0 || t < ttl) {
			ttl = t
		}
		addrs = append(addrs, got...)
	}
	if len(addrs) == 0 {
		if errs != nil {
			return nil, 0, errs
		}
		return nil, 0, ErrNoAddresses
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	return addrs, ttl, nil
}

func (r *Resolver) query(ctx context.Context, server, host string, qtype uint16) ([]string, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
	}

	var (
		addrs []string
		ttl   uint32
	)
	for _, rr := range resp.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		addrs = append(addrs, ip.String())
		if ttl == 0 || rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
	}
	return addrs, time.Duration(ttl) * time.Second, nil
}

// DialContext resolves the host in addr and connects to the first address
// that accepts.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	var errs error
	for _, ip := range addrs {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		errs = multierr.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errs
}
