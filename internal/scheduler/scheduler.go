// Package scheduler fans a set of download probes out to a worker pool and
// joins their outcomes back into one ordered list.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/pingsantohq/dlspeed/internal/clock"
	"github.com/pingsantohq/dlspeed/internal/events"
	"github.com/pingsantohq/dlspeed/internal/metrics"
	"github.com/pingsantohq/dlspeed/internal/queue"
	"github.com/pingsantohq/dlspeed/internal/worker"
	"github.com/pingsantohq/dlspeed/pkg/types"
)

var (
	ErrNoTargets = errors.New("scheduler: no target urls")
	// ErrIncompleteJoin means the pool lost or duplicated an outcome.
	ErrIncompleteJoin = errors.New("scheduler: outcomes do not match jobs")
)

// Targets describes what to probe. A single URL with Repeat > 1 is probed
// Repeat times concurrently; several URLs are probed once each.
type Targets struct {
	URLs   []string
	Repeat int
}

type Scheduler struct {
	runner   worker.Runner
	workers  int
	poolOpts []worker.PoolOption
	queue    metrics.QueueRecorder
	events   events.Recorder
	clock    clock.Clock
	newID    func() string
}

type Option func(*Scheduler)

// WithWorkers caps concurrency. Zero runs every probe at once.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.workers = n
		}
	}
}

func WithPoolOptions(opts ...worker.PoolOption) Option {
	return func(s *Scheduler) {
		s.poolOpts = append(s.poolOpts, opts...)
	}
}

func WithQueueRecorder(rec metrics.QueueRecorder) Option {
	return func(s *Scheduler) {
		if rec != nil {
			s.queue = rec
		}
	}
}

// WithEventRecorder receives QueueReject events from the result queue.
func WithEventRecorder(rec events.Recorder) Option {
	return func(s *Scheduler) {
		if rec != nil {
			s.events = rec
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func New(runner worker.Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner: runner,
		queue:  metrics.NoopQueueRecorder{},
		events: events.NoopRecorder{},
		clock:  clock.New(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Jobs expands targets into one job per probe, indexed in launch order.
func (s *Scheduler) Jobs(targets Targets) []worker.Job {
	urls := dedupe(targets.URLs)
	if len(urls) == 1 && targets.Repeat > 1 {
		repeated := make([]string, targets.Repeat)
		for i := range repeated {
			repeated[i] = urls[0]
		}
		urls = repeated
	}

	jobs := make([]worker.Job, len(urls))
	for i, u := range urls {
		jobs[i] = worker.Job{ProbeID: s.newID(), Index: i, URL: u}
	}
	return jobs
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// RunAll launches every probe, waits for all of them and returns exactly one
// outcome per probe, ordered by job index. Cancelling ctx shortens the probes
// but still yields an outcome for each.
func (s *Scheduler) RunAll(ctx context.Context, targets Targets) ([]types.Outcome, error) {
	jobs := s.Jobs(targets)
	if len(jobs) == 0 {
		return nil, ErrNoTargets
	}

	results := s.newResults(len(jobs))

	jobCh := make(chan worker.Job, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	workers := s.workers
	if workers <= 0 || workers > len(jobs) {
		workers = len(jobs)
	}
	opts := append([]worker.PoolOption{}, s.poolOpts...)
	opts = append(opts, worker.WithWorkerCount(workers), worker.WithRunner(s.runner))

	pool := worker.NewPool(jobCh, results, opts...)
	if err := pool.Start(ctx)(); err != nil {
		return nil, err
	}

	return join(jobs, results.Drain(0))
}

func (s *Scheduler) newResults(capacity int) *queue.ResultQueue {
	results := queue.NewResultQueue(capacity)
	results.SetMetricsRecorder(s.queue)
	results.SetEventRecorder(s.events)
	results.SetClock(s.clock)
	return results
}

func join(jobs []worker.Job, outcomes []types.Outcome) ([]types.Outcome, error) {
	byID := make(map[string]types.Outcome, len(outcomes))
	for _, o := range outcomes {
		if _, dup := byID[o.ProbeID]; dup {
			return nil, fmt.Errorf("%w: duplicate outcome for probe %s", ErrIncompleteJoin, o.ProbeID)
		}
		byID[o.ProbeID] = o
	}

	joined := make([]types.Outcome, 0, len(jobs))
	for _, job := range jobs {
		o, ok := byID[job.ProbeID]
		if !ok {
			return nil, fmt.Errorf("%w: no outcome for probe %s", ErrIncompleteJoin, job.ProbeID)
		}
		joined = append(joined, o)
	}
	if len(joined) != len(outcomes) {
		return nil, fmt.Errorf("%w: %d outcomes for %d jobs", ErrIncompleteJoin, len(outcomes), len(jobs))
	}
	sort.SliceStable(joined, func(i, j int) bool { return joined[i].Index < joined[j].Index })
	return joined, nil
}
