package types

import "time"

// TargetList describes the endpoints a run measures, as stored in a target file.
type TargetList struct {
	Revision    string    `json:"revision" yaml:"revision"`
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`
	URLs        []string  `json:"urls" yaml:"urls"`
	// Repeat, when greater than one with a single URL, requests that many
	// concurrent probes against it.
	Repeat int `json:"repeat,omitempty" yaml:"repeat,omitempty"`
}
