package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pingsantohq/dlspeed/pkg/types"
)

const namespace = "dlspeed"

// OutcomeSuccess labels successful probes; failures use their error kind.
const OutcomeSuccess = "success"

// Store holds the counters and gauges of one measurement run.
type Store struct {
	registry     *prometheus.Registry
	probes       *prometheus.CounterVec
	bytes        prometheus.Counter
	duration     prometheus.Histogram
	aggregate    prometheus.Gauge
	queueDepth   prometheus.Gauge
	queueRejects prometheus.Counter
}

// NewStore registers the run metrics on a private registry.
func NewStore() *Store {
	s := &Store{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probes finished, by outcome.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes received by successful probes.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Timed duration of successful probes.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
		}),
		aggregate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregate_bytes_per_second",
			Help:      "Combined download speed of the last run.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "result_queue_depth",
			Help:      "Outcomes waiting to be joined.",
		}),
		queueRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_queue_rejects_total",
			Help:      "Outcomes refused by a full result queue.",
		}),
	}
	s.registry.MustRegister(s.probes, s.bytes, s.duration, s.aggregate, s.queueDepth, s.queueRejects)
	return s
}

func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

// ObserveOutcome implements ProbeRecorder.
func (s *Store) ObserveOutcome(outcome types.Outcome) {
	if !outcome.OK() {
		kind := "unknown"
		if outcome.Failure != nil && outcome.Failure.Kind != "" {
			kind = string(outcome.Failure.Kind)
		}
		s.probes.WithLabelValues(kind).Inc()
		return
	}
	s.probes.WithLabelValues(OutcomeSuccess).Inc()
	s.bytes.Add(float64(outcome.Result.Bytes))
	s.duration.Observe(float64(outcome.Result.ElapsedMillis) / 1000)
}

func (s *Store) ObserveAggregate(bytesPerSecond float64) {
	s.aggregate.Set(bytesPerSecond)
}

// WriteTextfile writes the registry in the node_exporter textfile format.
// The file is replaced atomically.
func (s *Store) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, s.registry)
}

// QueueRecorder returns an implementation of QueueRecorder backed by the store.
func (s *Store) QueueRecorder() QueueRecorder {
	return queueRecorder{store: s}
}

type queueRecorder struct {
	store *Store
}

func (r queueRecorder) ObserveQueueDepth(depth int) {
	r.store.queueDepth.Set(float64(depth))
}

func (r queueRecorder) IncQueueRejects() {
	r.store.queueRejects.Inc()
}
