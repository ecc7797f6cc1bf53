// Package units renders transfer rates and byte counts for people.
package units

import (
	"math"
	"strconv"

	"github.com/dustin/go-humanize"
)

const (
	// BinaryScale divides by 1024 per unit step.
	BinaryScale = 1024.0
	// DecimalScale divides by 1000 per unit step.
	DecimalScale = 1000.0

	// Threshold is the magnitude above which the next unit is used.
	Threshold = 1000.0
)

// RateUnits are the rate suffixes in increasing order.
var RateUnits = []string{"B/s", "KB/s", "MB/s"}

// Formatter renders bytes-per-second values with one fixed scale.
type Formatter struct {
	scale     float64
	precision int
}

type Option func(*Formatter)

// WithPrecision fixes the number of decimals; -1 keeps the shortest exact form.
func WithPrecision(p int) Option {
	return func(f *Formatter) {
		if p >= -1 {
			f.precision = p
		}
	}
}

func NewFormatter(scale float64, opts ...Option) Formatter {
	if scale != DecimalScale {
		scale = BinaryScale
	}
	f := Formatter{scale: scale, precision: -1}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// Scale reports the divisor used per unit step.
func (f Formatter) Scale() float64 {
	return f.scale
}

// Format renders speed as magnitude followed by unit, e.g. "12.5MB/s".
func (f Formatter) Format(speed float64) string {
	value, unit := f.Scaled(speed)
	return strconv.FormatFloat(value, 'f', f.precision, 64) + RateUnits[unit]
}

// Scaled returns the scaled magnitude and the index into RateUnits.
func (f Formatter) Scaled(speed float64) (float64, int) {
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed < 0 {
		return 0, 0
	}
	unit := 0
	for speed > Threshold && unit < len(RateUnits)-1 {
		speed /= f.scale
		unit++
	}
	return speed, unit
}

// Bytes renders a byte count for log lines.
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
