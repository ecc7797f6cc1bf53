// Package probe times a single HTTP download against one URL.
//
// A probe optionally issues a HEAD to check the endpoint is reachable, then
// streams GET responses carrying a large byte range until its stop condition
// fires. With re-issue enabled, a response that ends before the deadline is
// followed by another GET under the same deadline.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/pingsantohq/dlspeed/internal/clock"
	"github.com/pingsantohq/dlspeed/internal/events"
	"github.com/pingsantohq/dlspeed/internal/units"
	"github.com/pingsantohq/dlspeed/pkg/types"
)

const (
	DefaultRangeEnd  = 100000000
	DefaultChunkSize = 32 << 10
	DefaultBudget    = 10 * time.Second
)

// Config controls how a probe is bounded.
type Config struct {
	PreflightHEAD bool
	// RangeEnd is the inclusive upper bound sent as "Range: bytes=0-<RangeEnd>".
	RangeEnd  int64
	Stop      types.StopShape
	Budget    time.Duration
	Reissue   bool
	ChunkSize int
	UserAgent string
}

func DefaultConfig() Config {
	return Config{
		PreflightHEAD: true,
		RangeEnd:      DefaultRangeEnd,
		Stop:          types.StopTotalBudget,
		Budget:        DefaultBudget,
		Reissue:       true,
		ChunkSize:     DefaultChunkSize,
	}
}

type Prober struct {
	cfg       Config
	client    *http.Client
	newClient func() (*http.Client, error)
	clock     clock.Clock
	events    events.Recorder
}

type Option func(*Prober)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) {
		if c != nil {
			p.client = c
		}
	}
}

// WithClientFactory gives every probe its own client, and so its own
// connections. It takes precedence over WithHTTPClient.
func WithClientFactory(fn func() (*http.Client, error)) Option {
	return func(p *Prober) {
		p.newClient = fn
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Prober) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(p *Prober) {
		if rec != nil {
			p.events = rec
		}
	}
}

func New(cfg Config, opts ...Option) *Prober {
	if cfg.RangeEnd <= 0 {
		cfg.RangeEnd = DefaultRangeEnd
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Stop == "" {
		cfg.Stop = types.StopTotalBudget
	}
	p := &Prober{
		cfg:    cfg,
		client: http.DefaultClient,
		clock:  clock.New(),
		events: events.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Prober) Config() Config {
	return p.cfg
}

// Run executes one probe. It never returns a partial result silently: the
// outcome is either a ProbeResult or a ProbeError.
func (p *Prober) Run(ctx context.Context, req Request) types.Outcome {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	bound := p.withClient()
	if bound != p {
		defer bound.client.CloseIdleConnections()
	}
	outcome := bound.run(ctx, req)
	outcome.ProbeID = req.ID
	outcome.URL = req.URL
	return outcome
}

// withClient returns p, or a copy bound to a fresh client when a factory is
// configured. A factory error surfaces on the first request.
func (p *Prober) withClient() *Prober {
	if p.newClient == nil {
		return p
	}
	client, err := p.newClient()
	if err != nil {
		client = &http.Client{Transport: failingTransport{err: err}}
	}
	bound := *p
	bound.client = client
	bound.newClient = nil
	return &bound
}

type failingTransport struct {
	err error
}

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, f.err
}

func (p *Prober) run(ctx context.Context, req Request) types.Outcome {
	target, err := parseTarget(req.URL)
	if err != nil {
		return p.fail(req, &types.ProbeError{Kind: types.KindInvalidURL, URL: req.URL, Err: err})
	}
	p.emit(types.EventProbeStart, req, nil)

	if p.cfg.PreflightHEAD {
		if err := p.head(ctx, target); err != nil {
			return p.fail(req, &types.ProbeError{Kind: types.KindConnectFailed, URL: req.URL, Err: err})
		}
	}
	if err := ctx.Err(); err != nil {
		return p.fail(req, &types.ProbeError{Kind: types.KindConnectFailed, URL: req.URL, Err: err})
	}

	t := &transfer{
		p:     p,
		req:   req,
		url:   target,
		start: p.clock.Now(),
		buf:   make([]byte, p.cfg.ChunkSize),
	}
	return t.run(ctx)
}

func parseTarget(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	return u.String(), nil
}

// head checks the endpoint answers at all. Its status is not inspected.
func (p *Prober) head(ctx context.Context, target string) error {
	ctx, cancel := p.clock.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return err
	}
	p.decorate(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (p *Prober) decorate(req *http.Request) {
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
}

func (p *Prober) fail(req Request, perr *types.ProbeError) types.Outcome {
	details := map[string]any{"kind": string(perr.Kind)}
	if perr.StatusCode != 0 {
		details["status"] = perr.StatusCode
	}
	if perr.Err != nil {
		details["error"] = perr.Err.Error()
	}
	p.emit(types.EventProbeFailure, req, details)
	return types.Failure(perr)
}

func (p *Prober) emit(kind types.EventType, req Request, details map[string]any) {
	p.events.Record(types.Event{
		Type:      kind,
		Timestamp: p.clock.Now().UTC(),
		ProbeID:   req.ID,
		URL:       req.URL,
		Details:   details,
	})
}

// transfer is the timed part of a probe, from startTime to the stop condition.
type transfer struct {
	p         *Prober
	req       Request
	url       string
	start     time.Time
	firstByte time.Time
	bytes     int64
	requests  int
	buf       []byte

	parent context.Context
	timer  *clock.Timer
}

func (t *transfer) run(parent context.Context) types.Outcome {
	ctx, cancel := t.bound(parent)
	t.parent = parent
	defer func() {
		if t.timer != nil {
			t.timer.Stop()
		}
		cancel()
	}()

	for {
		got, stopped, perr := t.fetch(ctx)
		if perr != nil {
			return t.p.fail(t.req, perr)
		}
		if stopped || !t.p.cfg.Reissue || got == 0 {
			return t.success()
		}
		t.p.emit(types.EventProbeReissue, t.req, map[string]any{"requests": t.requests, "bytes": t.bytes})
	}
}

// bound ties in-flight requests to the deadline so a stalled read cannot
// outlive it. For the first-byte shape the wait for the first byte is bounded
// by the budget too; markFirstByte re-arms the timer from that byte.
func (t *transfer) bound(parent context.Context) (context.Context, context.CancelFunc) {
	if t.p.cfg.Stop == types.StopAfterFirstByte {
		ctx, cancel := context.WithCancel(parent)
		t.timer = t.p.clock.AfterFunc(t.p.cfg.Budget, cancel)
		return ctx, cancel
	}
	return t.p.clock.WithDeadline(parent, t.start.Add(t.p.cfg.Budget))
}

func (t *transfer) deadline() (time.Time, bool) {
	if t.p.cfg.Stop == types.StopAfterFirstByte {
		if t.firstByte.IsZero() {
			return time.Time{}, false
		}
		return t.firstByte.Add(t.p.cfg.Budget), true
	}
	return t.start.Add(t.p.cfg.Budget), true
}

func (t *transfer) expired(now time.Time) bool {
	d, ok := t.deadline()
	return ok && !now.Before(d)
}

// stopping reports whether an error may be discarded: either the deadline
// passed or the run was cancelled after timing began.
func (t *transfer) stopping(ctx context.Context) bool {
	return t.expired(t.p.clock.Now()) || ctx.Err() != nil || t.parent.Err() != nil
}

// fetch issues one GET and streams it. It returns the bytes this request
// contributed and whether the stop condition fired.
func (t *transfer) fetch(ctx context.Context) (int64, bool, *types.ProbeError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return 0, false, &types.ProbeError{Kind: types.KindConnectFailed, URL: t.req.URL, Err: err}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", t.p.cfg.RangeEnd))
	t.p.decorate(req)

	t.requests++
	resp, err := t.p.client.Do(req)
	if err != nil {
		if t.stopping(ctx) {
			return 0, true, nil
		}
		return 0, false, &types.ProbeError{Kind: types.KindConnectFailed, URL: t.req.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, false, &types.ProbeError{
			Kind:       types.KindUnexpectedStatus,
			URL:        t.req.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("server returned %s", resp.Status),
		}
	}

	var got int64
	for {
		n, err := resp.Body.Read(t.buf)
		now := t.p.clock.Now()
		if n > 0 {
			if t.firstByte.IsZero() {
				t.markFirstByte(now)
			}
			got += int64(n)
			t.bytes += int64(n)
		}
		if t.expired(now) {
			t.p.emit(types.EventProbeDeadline, t.req, map[string]any{"bytes": t.bytes})
			return got, true, nil
		}
		if errors.Is(err, io.EOF) {
			return got, false, nil
		}
		if err != nil {
			if t.stopping(ctx) {
				return got, true, nil
			}
			return got, false, &types.ProbeError{Kind: types.KindTransfer, URL: t.req.URL, Err: err}
		}
	}
}

func (t *transfer) markFirstByte(now time.Time) {
	t.firstByte = now
	if t.timer != nil {
		t.timer.Reset(t.p.cfg.Budget)
	}
}

func (t *transfer) success() types.Outcome {
	elapsed := clock.ElapsedMillis(t.p.clock, t.start)
	if elapsed < 1 {
		elapsed = 1
	}
	result := types.ProbeResult{
		Bytes:           t.bytes,
		ElapsedMillis:   elapsed,
		StartedAtMillis: clock.Millis(t.start),
	}
	t.p.emit(types.EventProbeComplete, t.req, map[string]any{
		"bytes":      units.Bytes(t.bytes),
		"elapsed_ms": elapsed,
		"requests":   t.requests,
	})
	return types.Success(result)
}
