package types

import (
	"time"

	"go.uber.org/multierr"
)

// RunReport is the complete record of one measurement run.
type RunReport struct {
	RunID          string    `json:"run_id" yaml:"run_id"`
	StartedAt      time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time `json:"finished_at" yaml:"finished_at"`
	Policy         Policy    `json:"policy" yaml:"policy"`
	Stop           StopShape `json:"stop" yaml:"stop"`
	BudgetMillis   int64     `json:"budget_ms" yaml:"budget_ms"`
	Outcomes       []Outcome `json:"outcomes" yaml:"outcomes"`
	Succeeded      int       `json:"succeeded" yaml:"succeeded"`
	Failed         int       `json:"failed" yaml:"failed"`
	BytesTotal     int64     `json:"bytes_total" yaml:"bytes_total"`
	BytesPerSecond float64   `json:"bytes_per_second" yaml:"bytes_per_second"`
	Formatted      string    `json:"formatted" yaml:"formatted"`
}

// Err combines every probe failure of the run, or returns nil.
func (r RunReport) Err() error {
	var err error
	for _, o := range r.Outcomes {
		if o.Failure != nil {
			err = multierr.Append(err, o.Failure)
		}
	}
	return err
}
