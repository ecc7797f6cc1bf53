package types

import (
	"fmt"
	"strings"
)

// Policy selects how per-probe results are reduced to one speed.
type Policy string

const (
	PolicySumBytesOverWindow      Policy = "sum"
	PolicyAverageOfSpeeds         Policy = "average"
	PolicyFixedDurationAccumulate Policy = "window"
	PolicyPairwiseMerge           Policy = "merge"
)

func ParsePolicy(value string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PolicySumBytesOverWindow:
		return PolicySumBytesOverWindow, nil
	case PolicyAverageOfSpeeds:
		return PolicyAverageOfSpeeds, nil
	case PolicyFixedDurationAccumulate:
		return PolicyFixedDurationAccumulate, nil
	case PolicyPairwiseMerge:
		return PolicyPairwiseMerge, nil
	default:
		return "", fmt.Errorf("unknown aggregate policy %q", value)
	}
}

// StopShape selects what the probe budget is counted from.
type StopShape string

const (
	StopTotalBudget    StopShape = "total"
	StopAfterFirstByte StopShape = "first_byte"
)

func ParseStopShape(value string) (StopShape, error) {
	switch StopShape(strings.ToLower(strings.TrimSpace(value))) {
	case "", StopTotalBudget:
		return StopTotalBudget, nil
	case StopAfterFirstByte, "first-byte":
		return StopAfterFirstByte, nil
	default:
		return "", fmt.Errorf("unknown stop condition %q", value)
	}
}
