package models

import "time"

// PreconditionCheck is one precondition a driver evaluated in preview.
type PreconditionCheck struct {
	Check  string `json:"check"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// DryRunPlan previews how the driver would carry out the action.
type DryRunPlan struct {
	Kind    string   `json:"kind"` // "cli", "api" or "ssh"
	Preview []string `json:"preview,omitempty"`
}

// EffectTransition records a per-target before/after state.
type EffectTransition struct {
	ID   string `json:"id"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// DryRunEffects summarizes what would change.
type DryRunEffects struct {
	Summary   string             `json:"summary,omitempty"`
	PerTarget []EffectTransition `json:"perTarget,omitempty"`
}

// DryRunResult is the uniform preview a driver returns for one
// (action, target) pair. No side effects may occur while producing it.
type DryRunResult struct {
	OK             bool                `json:"ok"`
	Severity       Severity            `json:"severity"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
	Preconditions  []PreconditionCheck `json:"preconditions,omitempty"`
	Plan           DryRunPlan          `json:"plan"`
	Effects        DryRunEffects       `json:"effects"`
	Reason         string              `json:"reason,omitempty"`
}

// InventorySnapshot records how fresh the inventory behind a dry run
// or execution was.
type InventorySnapshot struct {
	FetchedAt time.Time `json:"fetchedAt"`
	Stale     bool      `json:"stale"`
}

// DryRunTargetResult pairs a driver preview with the target and action
// it was produced for.
type DryRunTargetResult struct {
	Capability string       `json:"capability"`
	Verb       string       `json:"verb"`
	Target     string       `json:"target"`
	Result     DryRunResult `json:"result"`
}

// DryRunReport is the aggregated, side-effect-free answer to "what
// would this policy do right now".
type DryRunReport struct {
	TranscriptID  string               `json:"transcriptId"` // ULID, for audit linking
	PolicyID      string               `json:"policyId"`
	Severity      Severity             `json:"severity"`
	UsedInventory InventorySnapshot    `json:"usedInventory"`
	ResolvedIDs   []string             `json:"resolvedIds,omitempty"`
	Unresolved    []string             `json:"unresolved,omitempty"`
	Results       []DryRunTargetResult `json:"results,omitempty"`
}
