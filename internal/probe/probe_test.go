package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingsantohq/dlspeed/internal/clock"
	"github.com/pingsantohq/dlspeed/internal/events"
	"github.com/pingsantohq/dlspeed/pkg/types"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// clockedBody advances the mock clock by perChunk on every read, simulating
// a transfer that takes wall time.
type clockedBody struct {
	mock      *clock.Mock
	remaining int64 // negative means endless
	chunk     int
	perChunk  time.Duration
	failAt    int
	err       error
	hook      func(read int)
	reads     int
}

func (b *clockedBody) Read(p []byte) (int, error) {
	if b.remaining == 0 {
		return 0, io.EOF
	}
	b.reads++
	b.mock.Add(b.perChunk)
	if b.hook != nil {
		b.hook(b.reads)
	}
	if b.failAt > 0 && b.reads >= b.failAt {
		return 0, b.err
	}
	n := len(p)
	if n > b.chunk {
		n = b.chunk
	}
	if b.remaining > 0 {
		if int64(n) > b.remaining {
			n = int(b.remaining)
		}
		b.remaining -= int64(n)
	}
	return n, nil
}

func (b *clockedBody) Close() error { return nil }

func response(status int, body io.ReadCloser) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     make(http.Header),
		Body:       body,
	}
}

type fakeServer struct {
	heads int
	gets  int
}

func testConfig(budget time.Duration) Config {
	return Config{
		RangeEnd:  DefaultRangeEnd,
		Stop:      types.StopTotalBudget,
		Budget:    budget,
		ChunkSize: 1 << 20,
	}
}

func newTestProber(cfg Config, mock *clock.Mock, rec events.Recorder, rt roundTripFunc) *Prober {
	return New(cfg,
		WithClock(mock),
		WithEventRecorder(rec),
		WithHTTPClient(&http.Client{Transport: rt}),
	)
}

func TestRunSingleFiniteDownload(t *testing.T) {
	mock := clock.NewMock()
	rec := &events.Buffer{}
	srv := &fakeServer{}
	cfg := testConfig(5 * time.Second)

	p := newTestProber(cfg, mock, rec, func(r *http.Request) (*http.Response, error) {
		srv.gets++
		return response(http.StatusPartialContent, &clockedBody{
			mock: mock, remaining: 10_000_000, chunk: 1_000_000, perChunk: 200 * time.Millisecond,
		}), nil
	})

	outcome := p.Run(context.Background(), Request{ID: "p1", URL: "http://mirror.example.com/big.bin"})

	require.True(t, outcome.OK(), "failure: %v", outcome.Failure)
	require.Equal(t, "p1", outcome.ProbeID)
	require.Equal(t, "http://mirror.example.com/big.bin", outcome.URL)
	require.Equal(t, types.ProbeResult{Bytes: 10_000_000, ElapsedMillis: 2000, StartedAtMillis: 0}, *outcome.Result)
	require.Equal(t, 1, srv.gets)

	speed, err := outcome.Result.Speed()
	require.NoError(t, err)
	require.Equal(t, 5_000_000.0, speed)

	require.Equal(t, []types.EventType{types.EventProbeStart, types.EventProbeComplete}, rec.Types("p1"))
}

func TestRunStopsAtTotalBudget(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig(time.Second)
	cfg.Reissue = true

	body := &clockedBody{mock: mock, remaining: -1, chunk: 1_000_000, perChunk: 100 * time.Millisecond}
	p := newTestProber(cfg, mock, nil, func(r *http.Request) (*http.Response, error) {
		return response(http.StatusOK, body), nil
	})

	outcome := p.Run(context.Background(), Request{URL: "https://mirror.example.com/endless"})

	require.True(t, outcome.OK())
	require.NotEmpty(t, outcome.ProbeID)
	require.Equal(t, int64(10_000_000), outcome.Result.Bytes)
	require.Equal(t, int64(1000), outcome.Result.ElapsedMillis)
	require.Equal(t, 10, body.reads)
}

func TestRunReissuesUntilDeadline(t *testing.T) {
	mock := clock.NewMock()
	rec := &events.Buffer{}
	srv := &fakeServer{}
	cfg := testConfig(time.Second)
	cfg.Reissue = true

	p := newTestProber(cfg, mock, rec, func(r *http.Request) (*http.Response, error) {
		srv.gets++
		return response(http.StatusPartialContent, &clockedBody{
			mock: mock, remaining: 1000, chunk: 1000, perChunk: 100 * time.Millisecond,
		}), nil
	})

	outcome := p.Run(context.Background(), Request{ID: "p1", URL: "http://mirror.example.com/small.bin"})

	require.True(t, outcome.OK())
	require.Equal(t, int64(10_000), outcome.Result.Bytes)
	require.Equal(t, int64(1000), outcome.Result.ElapsedMillis)
	require.Equal(t, 10, srv.gets)

	kinds := rec.Types("p1")
	require.Equal(t, types.EventProbeStart, kinds[0])
	require.Equal(t, types.EventProbeComplete, kinds[len(kinds)-1])
	require.Equal(t, types.EventProbeDeadline, kinds[len(kinds)-2])
	reissues := 0
	for _, k := range kinds {
		if k == types.EventProbeReissue {
			reissues++
		}
	}
	require.Equal(t, 9, reissues)
}

func TestRunEmptyResourceDoesNotSpin(t *testing.T) {
	mock := clock.NewMock()
	srv := &fakeServer{}
	cfg := testConfig(time.Second)
	cfg.Reissue = true

	p := newTestProber(cfg, mock, nil, func(r *http.Request) (*http.Response, error) {
		srv.gets++
		return response(http.StatusOK, &clockedBody{mock: mock, remaining: 0}), nil
	})

	outcome := p.Run(context.Background(), Request{URL: "http://mirror.example.com/empty"})

	require.True(t, outcome.OK())
	require.Zero(t, outcome.Result.Bytes)
	require.Equal(t, int64(1), outcome.Result.ElapsedMillis)
	require.Equal(t, 1, srv.gets)
}

func TestRunHeadFailureEndsProbe(t *testing.T) {
	mock := clock.NewMock()
	rec := &events.Buffer{}
	srv := &fakeServer{}
	cfg := testConfig(time.Second)
	cfg.PreflightHEAD = true

	p := newTestProber(cfg, mock, rec, func(r *http.Request) (*http.Response, error) {
		if r.Method == http.MethodHead {
			srv.heads++
			return nil, errors.New("dial tcp 203.0.113.1:80: connect: connection refused")
		}
		srv.gets++
		return response(http.StatusOK, http.NoBody), nil
	})

	outcome := p.Run(context.Background(), Request{ID: "p1", URL: "http://203.0.113.1/file"})

	require.False(t, outcome.OK())
	require.Nil(t, outcome.Result)
	require.Equal(t, types.KindConnectFailed, outcome.Failure.Kind)
	require.ErrorIs(t, outcome.Failure, types.ErrConnectFailed)
	require.Equal(t, 1, srv.heads)
	require.Zero(t, srv.gets)
	require.Equal(t, []types.EventType{types.EventProbeStart, types.EventProbeFailure}, rec.Types("p1"))
}

func TestRunHeadStatusIsNotInspected(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig(time.Second)
	cfg.PreflightHEAD = true

	p := newTestProber(cfg, mock, nil, func(r *http.Request) (*http.Response, error) {
		if r.Method == http.MethodHead {
			return response(http.StatusMethodNotAllowed, http.NoBody), nil
		}
		return response(http.StatusPartialContent, &clockedBody{
			mock: mock, remaining: 500, chunk: 500, perChunk: 50 * time.Millisecond,
		}), nil
	})

	outcome := p.Run(context.Background(), Request{URL: "http://mirror.example.com/file"})
	require.True(t, outcome.OK())
	require.Equal(t, int64(500), outcome.Result.Bytes)
	require.Equal(t, int64(50), outcome.Result.ElapsedMillis)
}

func TestRunInvalidURL(t *testing.T) {
	mock := clock.NewMock()
	srv := &fakeServer{}
	p := newTestProber(testConfig(time.Second), mock, nil, func(r *http.Request) (*http.Response, error) {
		srv.gets++
		return response(http.StatusOK, http.NoBody), nil
	})

	for _, raw := range []string{"", "ftp://example.com/file", "http://", "://missing-scheme", "http://exa mple.com/"} {
		outcome := p.Run(context.Background(), Request{URL: raw})
		require.False(t, outcome.OK(), raw)
		require.Equal(t, types.KindInvalidURL, outcome.Failure.Kind, raw)
		require.ErrorIs(t, outcome.Failure, types.ErrInvalidURL)
	}
	require.Zero(t, srv.gets)
}

func TestRunConnectFailureOnGet(t *testing.T) {
	mock := clock.NewMock()
	p := newTestProber(testConfig(time.Second), mock, nil, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("no route to host")
	})

	outcome := p.Run(context.Background(), Request{URL: "http://198.51.100.7/file"})
	require.False(t, outcome.OK())
	require.Equal(t, types.KindConnectFailed, outcome.Failure.Kind)
}

func TestRunTransferErrorBeforeDeadline(t *testing.T) {
	mock := clock.NewMock()
	p := newTestProber(testConfig(5*time.Second), mock, nil, func(r *http.Request) (*http.Response, error) {
		return response(http.StatusOK, &clockedBody{
			mock: mock, remaining: -1, chunk: 1000, perChunk: 100 * time.Millisecond,
			failAt: 3, err: io.ErrUnexpectedEOF,
		}), nil
	})

	outcome := p.Run(context.Background(), Request{URL: "http://mirror.example.com/file"})
	require.False(t, outcome.OK())
	require.Nil(t, outcome.Result)
	require.Equal(t, types.KindTransfer, outcome.Failure.Kind)
	require.ErrorIs(t, outcome.Failure, io.ErrUnexpectedEOF)
}

func TestRunDiscardsErrorAfterDeadline(t *testing.T) {
	mock := clock.NewMock()
	p := newTestProber(testConfig(time.Second), mock, nil, func(r *http.Request) (*http.Response, error) {
		return response(http.StatusOK, &clockedBody{
			mock: mock, remaining: -1, chunk: 1000, perChunk: 600 * time.Millisecond,
			failAt: 2, err: errors.New("connection reset by peer"),
		}), nil
	})

	outcome := p.Run(context.Background(), Request{URL: "http://mirror.example.com/file"})
	require.True(t, outcome.OK(), "failure: %v", outcome.Failure)
	require.Equal(t, int64(1000), outcome.Result.Bytes)
	require.Equal(t, int64(1200), outcome.Result.ElapsedMillis)
}

func TestRunStopShapes(t *testing.T) {
	run := func(shape types.StopShape) types.ProbeResult {
		mock := clock.NewMock()
		cfg := testConfig(time.Second)
		cfg.Stop = shape
		p := newTestProber(cfg, mock, nil, func(r *http.Request) (*http.Response, error) {
			// time to first byte
			mock.Add(500 * time.Millisecond)
			return response(http.StatusOK, &clockedBody{
				mock: mock, remaining: -1, chunk: 1000, perChunk: 100 * time.Millisecond,
			}), nil
		})
		outcome := p.Run(context.Background(), Request{URL: "http://mirror.example.com/file"})
		require.True(t, outcome.OK())
		return *outcome.Result
	}

	total := run(types.StopTotalBudget)
	require.Equal(t, int64(5000), total.Bytes)
	require.Equal(t, int64(1000), total.ElapsedMillis)

	firstByte := run(types.StopAfterFirstByte)
	require.Equal(t, int64(11_000), firstByte.Bytes)
	require.Equal(t, int64(1600), firstByte.ElapsedMillis)
}

func TestRunFirstByteStopBoundsStalledResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(200 * time.Millisecond)
	cfg.Stop = types.StopAfterFirstByte
	p := New(cfg, WithHTTPClient(srv.Client()))

	done := make(chan types.Outcome, 1)
	go func() {
		done <- p.Run(context.Background(), Request{URL: srv.URL})
	}()

	select {
	case outcome := <-done:
		require.True(t, outcome.OK(), "failure: %v", outcome.Failure)
		require.Zero(t, outcome.Result.Bytes)
		require.GreaterOrEqual(t, outcome.Result.ElapsedMillis, int64(200))
	case <-time.After(5 * time.Second):
		t.Fatal("first_byte run did not finish after its budget")
	}
}

func TestRunCancelledMidTransferKeepsAccumulated(t *testing.T) {
	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newTestProber(testConfig(10*time.Second), mock, nil, func(r *http.Request) (*http.Response, error) {
		return response(http.StatusOK, &clockedBody{
			mock: mock, remaining: -1, chunk: 1000, perChunk: 100 * time.Millisecond,
			failAt: 3, err: context.Canceled,
			hook: func(read int) {
				if read == 3 {
					cancel()
				}
			},
		}), nil
	})

	outcome := p.Run(ctx, Request{URL: "http://mirror.example.com/file"})
	require.True(t, outcome.OK(), "failure: %v", outcome.Failure)
	require.Equal(t, int64(2000), outcome.Result.Bytes)
	require.Equal(t, int64(300), outcome.Result.ElapsedMillis)
}

func TestRunAgainstHTTPServer(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	var (
		mu                 sync.Mutex
		gotRange, gotAgent string
		heads              int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodHead {
			heads++
			return
		}
		gotRange = r.Header.Get("Range")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Reissue = false
	cfg.UserAgent = "dlspeed-test"
	p := New(cfg, WithHTTPClient(srv.Client()))

	outcome := p.Run(context.Background(), Request{URL: srv.URL + "/blob"})
	require.True(t, outcome.OK(), "failure: %v", outcome.Failure)
	require.Equal(t, int64(len(payload)), outcome.Result.Bytes)
	require.GreaterOrEqual(t, outcome.Result.ElapsedMillis, int64(1))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "bytes=0-100000000", gotRange)
	require.Equal(t, "dlspeed-test", gotAgent)
	require.Equal(t, 1, heads)
}

func TestRunUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := New(DefaultConfig(), WithHTTPClient(srv.Client()))

	outcome := p.Run(context.Background(), Request{URL: srv.URL + "/missing"})
	require.False(t, outcome.OK())
	require.Equal(t, types.KindUnexpectedStatus, outcome.Failure.Kind)
	require.Equal(t, http.StatusNotFound, outcome.Failure.StatusCode)
	require.ErrorIs(t, outcome.Failure, types.ErrUnexpectedStatus)
}

func TestRunCancelledBeforeStartFails(t *testing.T) {
	mock := clock.NewMock()
	srv := &fakeServer{}
	p := newTestProber(testConfig(time.Second), mock, nil, func(r *http.Request) (*http.Response, error) {
		srv.gets++
		return response(http.StatusOK, http.NoBody), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := p.Run(ctx, Request{URL: "http://mirror.example.com/file"})
	require.False(t, outcome.OK())
	require.Equal(t, types.KindConnectFailed, outcome.Failure.Kind)
	require.ErrorIs(t, outcome.Failure, context.Canceled)
	require.Zero(t, srv.gets)
}

func TestClientFactoryPerProbe(t *testing.T) {
	var built atomic.Int32
	factory := func() (*http.Client, error) {
		built.Add(1)
		return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return response(http.StatusOK, http.NoBody), nil
		})}, nil
	}
	p := New(testConfig(time.Second), WithClock(clock.NewMock()), WithClientFactory(factory))

	for i := 0; i < 3; i++ {
		outcome := p.Run(context.Background(), Request{URL: "http://mirror.example.com/file"})
		require.True(t, outcome.OK())
	}
	require.EqualValues(t, 3, built.Load())
}

func TestClientFactoryErrorIsConnectFailure(t *testing.T) {
	boom := errors.New("no transport")
	p := New(testConfig(time.Second), WithClock(clock.NewMock()), WithClientFactory(func() (*http.Client, error) {
		return nil, boom
	}))

	outcome := p.Run(context.Background(), Request{URL: "http://mirror.example.com/file"})
	require.False(t, outcome.OK())
	require.Equal(t, types.KindConnectFailed, outcome.Failure.Kind)
	require.ErrorIs(t, outcome.Failure, boom)
}
