package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize reads a byte count such as "32KiB", "100MB" or "100000000".
// An empty value yields defaultBytes. Sizes must fit in an int64, since
// they end up in Range headers and read buffers.
func ParseSize(value string, defaultBytes int64) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultBytes, nil
	}
	if strings.HasPrefix(value, "-") {
		return 0, fmt.Errorf("size %q is negative", value)
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", value, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows int64", value)
	}
	return int64(n), nil
}
