package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies why a probe could not produce a result.
type ErrorKind string

const (
	KindInvalidURL       ErrorKind = "InvalidUrl"
	KindConnectFailed    ErrorKind = "ConnectFailed"
	KindUnexpectedStatus ErrorKind = "UnexpectedStatus"
	KindTransfer         ErrorKind = "TransferError"
)

var (
	ErrInvalidURL       = errors.New("invalid url")
	ErrConnectFailed    = errors.New("connect failed")
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrTransfer         = errors.New("transfer error")

	// ErrZeroElapsed is returned instead of dividing by a non-positive duration.
	ErrZeroElapsed = errors.New("elapsed time must be positive")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindInvalidURL:
		return ErrInvalidURL
	case KindConnectFailed:
		return ErrConnectFailed
	case KindUnexpectedStatus:
		return ErrUnexpectedStatus
	case KindTransfer:
		return ErrTransfer
	default:
		return nil
	}
}

// ProbeError describes a failed probe. It matches its kind's sentinel with errors.Is.
type ProbeError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *ProbeError) Error() string {
	msg := string(e.Kind)
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProbeError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *ProbeError) MarshalJSON() ([]byte, error) {
	payload := struct {
		Kind       ErrorKind `json:"kind"`
		StatusCode int       `json:"status,omitempty"`
		Message    string    `json:"message,omitempty"`
	}{Kind: e.Kind, StatusCode: e.StatusCode}
	if e.Err != nil {
		payload.Message = e.Err.Error()
	}
	return json.Marshal(payload)
}

// ProbeResult is the measurement of one completed probe.
type ProbeResult struct {
	Bytes         int64 `json:"bytes" yaml:"bytes"`
	ElapsedMillis int64 `json:"elapsed_ms" yaml:"elapsed_ms"`
	// StartedAtMillis is the clock reading when timing began, used to
	// reconstruct the wall-time window covered by concurrent probes.
	StartedAtMillis int64 `json:"started_at_ms" yaml:"started_at_ms"`
}

// Speed returns bytes/millis*1000, refusing non-positive elapsed times.
func Speed(bytes, millis int64) (float64, error) {
	if millis <= 0 {
		return 0, ErrZeroElapsed
	}
	return float64(bytes) / float64(millis) * 1000, nil
}

// Speed derives the speed sample in bytes per second.
func (r ProbeResult) Speed() (float64, error) {
	return Speed(r.Bytes, r.ElapsedMillis)
}

// Outcome is either a successful ProbeResult or a ProbeError, never both.
type Outcome struct {
	ProbeID string       `json:"probe_id"`
	Index   int          `json:"index"`
	URL     string       `json:"url"`
	Result  *ProbeResult `json:"result,omitempty"`
	Failure *ProbeError  `json:"failure,omitempty"`
}

func Success(result ProbeResult) Outcome {
	return Outcome{Result: &result}
}

func Failure(err *ProbeError) Outcome {
	if err == nil {
		err = &ProbeError{Kind: KindTransfer}
	}
	return Outcome{URL: err.URL, Failure: err}
}

func (o Outcome) OK() bool {
	return o.Failure == nil && o.Result != nil
}
