package worker

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/dlspeed/internal/probe"
	"github.com/pingsantohq/dlspeed/internal/queue"
	"github.com/pingsantohq/dlspeed/pkg/types"
)

// Runner executes one probe and always returns an outcome.
type Runner func(ctx context.Context, req probe.Request) types.Outcome

type ResultSink interface {
	Enqueue(types.Outcome) bool
}

type Pool struct {
	jobs        <-chan Job
	results     ResultSink
	workerCount int
	runner      Runner
	limiter     *rate.Limiter
}

type PoolOption func(*Pool)

func WithWorkerCount(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workerCount = n
		}
	}
}

func WithRunner(fn Runner) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.runner = fn
		}
	}
}

// WithLaunchRate paces probe starts to perSecond with the given burst.
// A non-positive rate launches every job as soon as a worker is free.
func WithLaunchRate(perSecond float64, burst int) PoolOption {
	return func(p *Pool) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewPool(jobs <-chan Job, results ResultSink, opts ...PoolOption) *Pool {
	p := &Pool{
		jobs:        jobs,
		results:     results,
		workerCount: runtime.NumCPU(),
		runner:      probe.New(probe.DefaultConfig()).Run,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.results == nil {
		p.results = queue.NewResultQueue(1024)
	}
	return p
}

// Start launches the workers. The returned function blocks until every job
// sent on the channel has produced an outcome and the channel is closed.
// Workers keep draining after ctx is cancelled; the runner turns
// cancellation into an outcome so no job is abandoned.
func (p *Pool) Start(ctx context.Context) func() error {
	var g errgroup.Group
	for i := 0; i < p.workerCount; i++ {
		g.Go(func() error {
			p.runWorker(ctx)
			return nil
		})
	}
	return g.Wait
}

func (p *Pool) runWorker(ctx context.Context) {
	for job := range p.jobs {
		p.handleJob(ctx, job)
	}
}

func (p *Pool) handleJob(ctx context.Context, job Job) {
	if p.limiter != nil {
		// A failed wait means ctx is done; the runner reports that itself.
		_ = p.limiter.Wait(ctx)
	}

	outcome := p.runner(ctx, probe.Request{ID: job.ProbeID, URL: job.URL})
	outcome.ProbeID = job.ProbeID
	outcome.Index = job.Index
	outcome.URL = job.URL

	p.results.Enqueue(outcome)
}
