// Package transport builds the HTTP clients probes download through.
package transport

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/pingsantohq/dlspeed/internal/certs"
	"github.com/pingsantohq/dlspeed/internal/config"
	"github.com/pingsantohq/dlspeed/internal/logging"
	"github.com/pingsantohq/dlspeed/internal/resolve"
)

// Builder hands out HTTP clients that share TLS and DNS settings but not
// connections, so concurrent probes never multiplex onto one stream.
type Builder struct {
	cfg      config.TransportConfig
	tls      *tls.Config
	dialer   *net.Dialer
	resolver *resolve.Resolver
	logger   *slog.Logger
}

type Option func(*Builder)

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithResolver overrides the resolver derived from the config.
func WithResolver(r *resolve.Resolver) Option {
	return func(b *Builder) {
		b.resolver = r
	}
}

func NewBuilder(cfg config.TransportConfig, opts ...Option) (*Builder, error) {
	tlsCfg, err := certs.LoadClientTLSConfig(cfg.TLS.CAFile, cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.InsecureSkipVerify)
	if err != nil {
		return nil, fmt.Errorf("transport tls: %w", err)
	}

	b := &Builder{
		cfg:    cfg,
		tls:    tlsCfg,
		dialer: &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second},
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.resolver == nil {
		r, err := resolve.New(cfg.DNSResolvers, cfg.DNSCacheSize,
			resolve.WithDialer(b.dialer),
			resolve.WithTimeout(cfg.DialTimeout),
			resolve.WithLogger(b.logger),
		)
		if err != nil {
			return nil, err
		}
		if !r.SystemOnly() {
			b.resolver = r
		}
	}

	// Fail on an unusable HTTP/2 setup now rather than on the first probe.
	if _, err := b.Transport(); err != nil {
		return nil, err
	}
	return b, nil
}

// Transport returns a new transport with its own connection pool.
func (b *Builder) Transport() (*http.Transport, error) {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           b.dialer.DialContext,
		TLSClientConfig:       b.tls.Clone(),
		TLSHandshakeTimeout:   b.cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: b.cfg.ResponseHeaderTimeout,
		DisableCompression:    true,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
	}
	if b.resolver != nil {
		tr.DialContext = b.resolver.DialContext
	}

	if !b.cfg.HTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
		return tr, nil
	}
	h2, err := http2.ConfigureTransports(tr)
	if err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	h2.ReadIdleTimeout = 30 * time.Second
	h2.PingTimeout = 10 * time.Second
	return tr, nil
}

// Client returns an HTTP client on a fresh transport. It sets no overall
// timeout; probes bound each request with their own deadline.
func (b *Builder) Client() (*http.Client, error) {
	tr, err := b.Transport()
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: tr}, nil
}
