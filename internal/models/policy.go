package models

import (
	"time"

	"github.com/google/uuid"
)

// Trigger group logic values.
const (
	LogicAll = "ALL"
	LogicAny = "ANY"
)

// Selector modes.
const (
	SelectorModeList  = "list"
	SelectorModeRange = "range"
	SelectorModeQuery = "query" // reserved, rejected at compile time
)

// Action on_error values.
const (
	OnErrorContinue = "continue"
	OnErrorStop     = "stop"
)

// Default policy windows.
const (
	DefaultSuppressionSeconds = 300
	DefaultIdempotencySeconds = 600
)

// Selector is a textual pattern that, combined with a target type and
// a host's inventory, yields an ordered list of canonical target IDs.
type Selector struct {
	Mode  string `json:"mode"`
	Value string `json:"value"`
}

// TriggerSpec matches one event shape. Exactly one comparator is
/// expected per trigger: Equals for string attrs, Op/Value for numeric
// thresholds, Schedule for timers. ForDuration requires the comparator
// to have held continuously for that many seconds.
type TriggerSpec struct {
	Kind        string   `json:"kind"`
	Equals      string   `json:"equals,omitempty"`
	Op          string   `json:"op,omitempty"`
	Value       *float64 `json:"value,omitempty"`
	Schedule    string   `json:"schedule,omitempty"`
	ForDuration int      `json:"forDuration,omitempty"` // seconds
}

// TriggerGroup combines triggers with ALL/ANY logic.
type TriggerGroup struct {
	Logic    string        `json:"logic"`
	Triggers []TriggerSpec `json:"triggers"`
}

// ConditionSpec is a predicate over current system state, evaluated
// through a state resolver. Conditions are an implicit AND. Value may
// contain wildcard metacharacters for pattern matching.
type ConditionSpec struct {
	Scope string `json:"scope"` // "ups", "host" or "inventory"
	Field string `json:"field"`
	Op    string `json:"op"` // "=", "!=", ">", ">=", "<", "<="
	Value string `json:"value"`
}

// TargetSpec names the host and the selector that picks targets on it.
type TargetSpec struct {
	HostID     string   `json:"hostId"`
	TargetType string   `json:"targetType"`
	Selector   Selector `json:"selector"`
}

// ActionSpec is one capability invocation in a policy plan.
type ActionSpec struct {
	CapabilityID string         `json:"capabilityId"`
	Verb         string         `json:"verb"`
	Params       map[string]any `json:"params,omitempty"`
	OnError      string         `json:"onError,omitempty"` // default "continue"
	Idempotency  string         `json:"idempotency,omitempty"`
}

// PolicySpec is the user-authored policy description.
//
// DynamicResolution is a pointer so the compiler can distinguish
// "unset" (infer from the selector) from an explicit choice.
type PolicySpec struct {
	Name              string          `json:"name"`
	Priority          int             `json:"priority"`
	StopOnMatch       bool            `json:"stopOnMatch"`
	DynamicResolution *bool           `json:"dynamicResolution,omitempty"`
	TriggerGroup      TriggerGroup    `json:"triggerGroup"`
	Conditions        []ConditionSpec `json:"conditions,omitempty"`
	Targets           TargetSpec      `json:"targets"`
	Actions           []ActionSpec    `json:"actions"`
	SuppressionWindow string          `json:"suppressionWindow,omitempty"` // duration, default "5m"
	IdempotencyWindow string          `json:"idempotencyWindow,omitempty"` // duration, default "10m"
	Enabled           bool            `json:"enabled"`

	// NeedsInput lists fields a generated inverse could not infer.
	// Only populated on specs produced by inverse generation.
	NeedsInput []string `json:"needsInput,omitempty"`
}

// MatchIR is the normalized trigger group plus conditions.
type MatchIR struct {
	TriggerGroup TriggerGroup    `json:"triggerGroup"`
	Conditions   []ConditionSpec `json:"conditions,omitempty"`
}

// TargetIR carries the selector and, for static resolution, the IDs it
// expanded to at compile time.
type TargetIR struct {
	HostID      string     `json:"hostId"`
	TargetType  string     `json:"targetType"`
	Selector    Selector   `json:"selector"`
	ResolvedIDs []string   `json:"resolvedIds,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// ActionIR is a normalized action with defaults applied.
type ActionIR struct {
	CapabilityID string         `json:"capabilityId"`
	Verb         string         `json:"verb"`
	Params       map[string]any `json:"params,omitempty"`
	OnError      string         `json:"onError"`
}

// WindowsIR holds the policy windows as integer seconds.
type WindowsIR struct {
	SuppressionS int `json:"suppressionS"`
	IdempotencyS int `json:"idempotencyS"`
}

// PolicyIR is the compiled policy artifact. IRs are immutable once
// returned by the compiler; the matcher and engine only read them.
type PolicyIR struct {
	PolicyID          uuid.UUID  `json:"policyId"`
	Hash              string     `json:"hash"`
	VersionInt        int        `json:"versionInt"`
	Priority          int        `json:"priority"`
	StopOnMatch       bool       `json:"stopOnMatch"`
	DynamicResolution bool       `json:"dynamicResolution"`
	Match             MatchIR    `json:"match"`
	Targets           TargetIR   `json:"targets"`
	Plan              []ActionIR `json:"plan"`
	Windows           WindowsIR  `json:"windows"`
}

// SuppressionWindow returns the suppression window as a duration.
func (ir *PolicyIR) SuppressionWindow() time.Duration {
	return time.Duration(ir.Windows.SuppressionS) * time.Second
}

// IdempotencyWindow returns the idempotency window as a duration.
func (ir *PolicyIR) IdempotencyWindow() time.Duration {
	return time.Duration(ir.Windows.IdempotencyS) * time.Second
}
