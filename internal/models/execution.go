package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies why an execution record exists.
type Outcome string

const (
	OutcomeExecuted   Outcome = "executed"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeIdempotent Outcome = "idempotent"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeOverflow   Outcome = "overflow"
)

// ActionOutcome is the result of one (action, target) dispatch.
type ActionOutcome struct {
	Capability string `json:"capability"`
	Verb       string `json:"verb"`
	Target     string `json:"target"`
	OK         bool   `json:"ok"`
	Detail     string `json:"detail,omitempty"`
	Warning    bool   `json:"warning,omitempty"`
}

// Severity grades a single action outcome.
func (a ActionOutcome) Severity() Severity {
	switch {
	case !a.OK:
		return SeverityError
	case a.Warning:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

// ExecutionRecord is the durable summary of one policy run (or of a
// run that was suppressed, collapsed, cancelled or dropped). Records
// are append-only and pruned to a bounded history per policy.
type ExecutionRecord struct {
	ID             string          `json:"id"` // ULID, sortable by time
	PolicyID       uuid.UUID       `json:"policyId"`
	HostID         string          `json:"hostId,omitempty"`
	Timestamp      time.Time       `json:"ts"`
	Outcome        Outcome         `json:"outcome"`
	Severity       Severity        `json:"severity"`
	EventSnapshot  *Event          `json:"eventSnapshot,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Actions        []ActionOutcome `json:"actions,omitempty"`
	Summary        string          `json:"summary,omitempty"`
}

// AggregateSeverity computes the run severity from its actions:
// error if any failed, warn if any warned, info otherwise. An executed
// run with an empty plan is warn.
func AggregateSeverity(actions []ActionOutcome) Severity {
	if len(actions) == 0 {
		return SeverityWarn
	}
	sev := SeverityInfo
	for _, a := range actions {
		sev = MaxSeverity(sev, a.Severity())
	}
	return sev
}
