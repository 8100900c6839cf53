package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity grades validation issues, dry-run results and execution
// outcomes. Aggregation always takes the maximum. Blocker only occurs
// at compile time.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarn    Severity = "warn"
	SeverityError   Severity = "error"
	SeverityBlocker Severity = "blocker"
)

var severityRank = map[Severity]int{
	SeverityInfo:    0,
	SeverityWarn:    1,
	SeverityError:   2,
	SeverityBlocker: 3,
}

// Rank returns the ordering position of the severity. Unknown values
// rank below info so a corrupted record never masks a real problem.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether the severity is one of the four known grades.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity normalizes a severity string.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// UnmarshalJSON validates the severity on decode.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
