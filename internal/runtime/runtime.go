// Package runtime wires the scheduler, probes, aggregation and telemetry
// into a single measurement run.
package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pingsantohq/dlspeed/internal/aggregate"
	"github.com/pingsantohq/dlspeed/internal/clock"
	"github.com/pingsantohq/dlspeed/internal/events"
	"github.com/pingsantohq/dlspeed/internal/logging"
	"github.com/pingsantohq/dlspeed/internal/metrics"
	"github.com/pingsantohq/dlspeed/internal/probe"
	"github.com/pingsantohq/dlspeed/internal/scheduler"
	"github.com/pingsantohq/dlspeed/internal/units"
	"github.com/pingsantohq/dlspeed/internal/worker"
	"github.com/pingsantohq/dlspeed/pkg/types"
)

type Option func(*config)

type config struct {
	runner        worker.Runner
	probeCfg      probe.Config
	schedulerOpts []scheduler.Option
	workerOpts    []worker.PoolOption
	metricsStore  *metrics.Store
	recorders     []metrics.ProbeRecorder
	policy        types.Policy
	formatter     units.Formatter
	runTimeout    time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	events        events.Recorder
}

// WithProber runs probes through p and reports its stop settings.
func WithProber(p *probe.Prober) Option {
	return func(c *config) {
		if p != nil {
			c.runner = p.Run
			c.probeCfg = p.Config()
		}
	}
}

// WithRunner replaces the probe function, keeping the reported probe settings.
func WithRunner(fn worker.Runner) Option {
	return func(c *config) {
		if fn != nil {
			c.runner = fn
		}
	}
}

func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(c *config) {
		c.schedulerOpts = append(c.schedulerOpts, opts...)
	}
}

func WithWorkerOptions(opts ...worker.PoolOption) Option {
	return func(c *config) {
		c.workerOpts = append(c.workerOpts, opts...)
	}
}

func WithMetricsStore(store *metrics.Store) Option {
	return func(c *config) {
		c.metricsStore = store
	}
}

// WithProbeRecorder adds an observer called once per finished probe.
func WithProbeRecorder(rec metrics.ProbeRecorder) Option {
	return func(c *config) {
		if rec != nil {
			c.recorders = append(c.recorders, rec)
		}
	}
}

func WithPolicy(p types.Policy) Option {
	return func(c *config) {
		if p != "" {
			c.policy = p
		}
	}
}

func WithFormatter(f units.Formatter) Option {
	return func(c *config) {
		c.formatter = f
	}
}

// WithRunTimeout bounds the whole run. Probes cut short by it keep the
// bytes they already received.
func WithRunTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.runTimeout = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.clock = c
		}
	}
}

// WithEventRecorder receives the result queue's events.
func WithEventRecorder(rec events.Recorder) Option {
	return func(c *config) {
		if rec != nil {
			c.events = rec
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithWorkers(n int) Option {
	return WithSchedulerOptions(scheduler.WithWorkers(n))
}

type Runtime struct {
	cfg       config
	scheduler *scheduler.Scheduler
}

func New(opts ...Option) *Runtime {
	cfg := config{
		probeCfg:  probe.DefaultConfig(),
		policy:    types.PolicySumBytesOverWindow,
		formatter: units.NewFormatter(units.BinaryScale),
		clock:     clock.New(),
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runner == nil {
		p := probe.New(cfg.probeCfg, probe.WithClock(cfg.clock))
		cfg.runner = p.Run
	}

	schedOpts := append([]scheduler.Option{scheduler.WithClock(cfg.clock)}, cfg.schedulerOpts...)
	if cfg.events != nil {
		schedOpts = append(schedOpts, scheduler.WithEventRecorder(cfg.events))
	}
	if len(cfg.workerOpts) > 0 {
		schedOpts = append(schedOpts, scheduler.WithPoolOptions(cfg.workerOpts...))
	}
	if cfg.metricsStore != nil {
		schedOpts = append(schedOpts, scheduler.WithQueueRecorder(cfg.metricsStore.QueueRecorder()))
		cfg.recorders = append(cfg.recorders, cfg.metricsStore)
	}

	return &Runtime{
		cfg:       cfg,
		scheduler: scheduler.New(cfg.runner, schedOpts...),
	}
}

// Measure runs every probe for targets and reduces them to one report. An
// error means the run could not take place; failed probes are reported in
// the outcomes and count as zero.
func (r *Runtime) Measure(ctx context.Context, targets scheduler.Targets) (types.RunReport, error) {
	report := types.RunReport{
		RunID:        uuid.NewString(),
		StartedAt:    r.cfg.clock.Now().UTC(),
		Policy:       r.cfg.policy,
		Stop:         r.cfg.probeCfg.Stop,
		BudgetMillis: r.cfg.probeCfg.Budget.Milliseconds(),
	}
	logger := r.cfg.logger.With("run_id", report.RunID)

	if r.cfg.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = r.cfg.clock.WithTimeout(ctx, r.cfg.runTimeout)
		defer cancel()
	}

	logger.Info("run started", "urls", len(targets.URLs), "repeat", targets.Repeat, "policy", string(r.cfg.policy))
	outcomes, err := r.scheduler.RunAll(ctx, targets)
	if err != nil {
		logger.Error("run aborted", "error", err)
		return report, err
	}

	for _, o := range outcomes {
		for _, rec := range r.cfg.recorders {
			rec.ObserveOutcome(o)
		}
		if o.OK() {
			report.Succeeded++
			report.BytesTotal += o.Result.Bytes
		} else {
			report.Failed++
		}
	}

	report.Outcomes = outcomes
	report.BytesPerSecond = aggregate.Combine(outcomes, r.cfg.policy)
	report.Formatted = r.cfg.formatter.Format(report.BytesPerSecond)
	report.FinishedAt = r.cfg.clock.Now().UTC()
	if r.cfg.metricsStore != nil {
		r.cfg.metricsStore.ObserveAggregate(report.BytesPerSecond)
	}

	if report.Succeeded == 0 {
		logger.Warn("no probe succeeded", "failed", report.Failed, "error", report.Err())
	}
	logger.Info("run finished",
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"bytes", units.Bytes(report.BytesTotal),
		"speed", report.Formatted,
	)
	return report, nil
}
