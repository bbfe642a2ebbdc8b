package enums

import "slices"

// SplitMode describes how an expense amount is divided between participants.
type SplitMode string

const (
	SplitModeEqual   SplitMode = "equal"
	SplitModeExact   SplitMode = "exact"
	SplitModePercent SplitMode = "percent"
)

var validSplitModes = []SplitMode{
	SplitModeEqual,
	SplitModeExact,
	SplitModePercent,
}

func (m SplitMode) String() string {
	return string(m)
}

// IsValid reports whether the split mode is recognized.
func (m SplitMode) IsValid() bool {
	return slices.Contains(validSplitModes, m)
}
