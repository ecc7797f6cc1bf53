package types

import "time"

type EventType string

const (
	EventProbeStart    EventType = "ProbeStart"
	EventProbeReissue  EventType = "ProbeReissue"
	EventProbeDeadline EventType = "ProbeDeadline"
	EventProbeComplete EventType = "ProbeComplete"
	EventProbeFailure  EventType = "ProbeFailure"
	EventQueueReject   EventType = "QueueReject"
)

type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"ts"`
	ProbeID   string         `json:"probe_id,omitempty"`
	URL       string         `json:"url,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
