// Package clock provides the time source used to bound and measure probes.
package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Clock is satisfied by both the real clock and bclock.Mock.
type Clock = bclock.Clock

// Timer is returned by AfterFunc on either clock.
type Timer = bclock.Timer

// Mock is a manually advanced clock for tests.
type Mock = bclock.Mock

func New() Clock {
	return bclock.New()
}

func NewMock() *Mock {
	return bclock.NewMock()
}

// Millis converts a clock reading to Unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// ElapsedMillis returns whole milliseconds since start, never negative.
func ElapsedMillis(c Clock, start time.Time) int64 {
	ms := c.Since(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
