package metrics

import "github.com/pingsantohq/dlspeed/pkg/types"

type QueueRecorder interface {
	ObserveQueueDepth(depth int)
	IncQueueRejects()
}

type NoopQueueRecorder struct{}

func (NoopQueueRecorder) ObserveQueueDepth(depth int) {}
func (NoopQueueRecorder) IncQueueRejects()            {}

// ProbeRecorder observes finished probes.
type ProbeRecorder interface {
	ObserveOutcome(outcome types.Outcome)
}

type NoopProbeRecorder struct{}

func (NoopProbeRecorder) ObserveOutcome(types.Outcome) {}
