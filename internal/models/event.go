package models

import (
	"fmt"
	"time"
)

// EventType is the coarse class of a normalized event.
type EventType string

const (
	EventTypeUPS      EventType = "ups"
	EventTypeMetric   EventType = "metric"
	EventTypeTimer    EventType = "timer"
	EventTypeExternal EventType = "external"
)

// Well-known event kinds produced by the normalizer.
const (
	KindUPSState        = "ups.state"
	KindMetricThreshold = "metric.threshold"
	KindTimerCron       = "timer.cron"
	KindTimerAfter      = "timer.after"
)

// Subject identifies what an event is about.
type Subject struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (s Subject) String() string {
	return s.Kind + ":" + s.ID
}

// Event is the uniform, immutable record produced by the normalizer
// and consumed exactly once by the matcher. Events are not persisted
// beyond the snapshot embedded in an execution record.
type Event struct {
	Type          EventType      `json:"type"`
	Kind          string         `json:"kind"`
	Subject       Subject        `json:"subject"`
	Attrs         map[string]any `json:"attrs,omitempty"`
	Timestamp     time.Time      `json:"ts"`
	CorrelationID string         `json:"correlationId,omitempty"`

	// DedupeHash is supplied by the source adapter when it can identify
	// repeats. Duplicates are dropped silently before matching.
	DedupeHash string `json:"dedupeHash,omitempty"`
}

// StringAttr returns a string attribute, rendering scalars via fmt so
// payloads decoded from JSON (float64, bool) still compare.
func (e Event) StringAttr(key string) (string, bool) {
	v, ok := e.Attrs[key]
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	default:
		return fmt.Sprintf("%v", val), true
	}
}

// FloatAttr returns a numeric attribute if present and numeric.
func (e Event) FloatAttr(key string) (float64, bool) {
	v, ok := e.Attrs[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}
