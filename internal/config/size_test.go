package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"100000000", 100000000},
		{"32KiB", 32 << 10},
		{"32 KiB", 32 << 10},
		{"64MiB", 64 << 20},
		{"100MB", 100 * 1000 * 1000},
		{"1.5GB", 1500 * 1000 * 1000},
		{"", 4096},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.input, 4096)
		require.NoError(t, err, "ParseSize(%q)", tt.input)
		require.Equal(t, tt.expected, got, "ParseSize(%q)", tt.input)
	}
}

func TestParseSizeRejects(t *testing.T) {
	for _, input := range []string{"lots", "fiveMB", "-1", "-2KiB", "10EiB"} {
		_, err := ParseSize(input, 0)
		require.Error(t, err, "ParseSize(%q)", input)
	}
}

func TestRangeEndFromSize(t *testing.T) {
	cfg := Default()
	cfg.Probe.RangeEnd = "1GiB"
	n, err := cfg.RangeEndBytes()
	require.NoError(t, err)
	require.Equal(t, int64(1<<30), n)

	cfg.Probe.ChunkSize = "128MiB"
	_, err = cfg.ChunkSizeBytes()
	require.Error(t, err)
}
