// Package policy validates, normalizes and compiles user-authored
// policy specs into the deterministic intermediate representation the
// matcher and execution engine run on.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/surgeguard/internal/inventory"
	"github.com/rcourtman/surgeguard/internal/models"
	"github.com/rcourtman/surgeguard/internal/selector"
)

var validThresholdOps = map[string]bool{
	">": true, ">=": true, "<": true, "<=": true, "=": true, "!=": true,
}

var validConditionScopes = map[string]bool{
	"ups": true, "host": true, "inventory": true,
}

// Compiler turns specs into IR. It is stateless with respect to runs
// and safe for concurrent use.
type Compiler struct {
	inventory          *inventory.Index
	defaultSuppression int
	defaultIdempotency int
}

// Option configures the compiler.
type Option func(*Compiler)

// WithWindowDefaults overrides the default suppression/idempotency
// window seconds applied when a spec leaves them unset.
func WithWindowDefaults(suppressionS, idempotencyS int) Option {
	return func(c *Compiler) {
		c.defaultSuppression = suppressionS
		c.defaultIdempotency = idempotencyS
	}
}

// New creates a compiler backed by the given inventory index.
func New(ix *inventory.Index, opts ...Option) *Compiler {
	c := &Compiler{
		inventory:          ix,
		defaultSuppression: models.DefaultSuppressionSeconds,
		defaultIdempotency: models.DefaultIdempotencySeconds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate runs schema validation only (shape and type checks) and
// returns the issues found, each located by a JSON-pointer path.
func (c *Compiler) Validate(spec *models.PolicySpec) []models.Issue {
	var issues []models.Issue
	blocker := func(path, code, msg string) {
		issues = append(issues, models.Issue{Severity: models.SeverityBlocker, Path: path, Code: code, Message: msg})
	}

	if len(strings.TrimSpace(spec.Name)) < 3 {
		blocker("/name", "name_too_short", "name must be at least 3 characters")
	}

	logic := strings.ToUpper(spec.TriggerGroup.Logic)
	if logic != models.LogicAll && logic != models.LogicAny {
		blocker("/triggerGroup/logic", "invalid_logic", fmt.Sprintf("logic must be ALL or ANY, got %q", spec.TriggerGroup.Logic))
	}
	if len(spec.TriggerGroup.Triggers) == 0 {
		blocker("/triggerGroup/triggers", "no_triggers", "trigger group must contain at least one trigger")
	}
	for i, t := range spec.TriggerGroup.Triggers {
		base := fmt.Sprintf("/triggerGroup/triggers/%d", i)
		if strings.TrimSpace(t.Kind) == "" {
			blocker(base+"/kind", "missing_kind", "trigger kind is required")
		}
		if t.Op != "" {
			if !validThresholdOps[t.Op] {
				blocker(base+"/op", "invalid_op", fmt.Sprintf("unknown threshold operator %q", t.Op))
			}
			if t.Value == nil {
				blocker(base+"/value", "missing_value", "threshold triggers require a numeric value")
			}
		}
		if t.ForDuration < 0 {
			blocker(base+"/forDuration", "negative_duration", "for_duration must be >= 0")
		}
	}

	for i, cond := range spec.Conditions {
		base := fmt.Sprintf("/conditions/%d", i)
		if !validConditionScopes[cond.Scope] {
			blocker(base+"/scope", "invalid_scope", fmt.Sprintf("condition scope must be ups, host or inventory, got %q", cond.Scope))
		}
		if strings.TrimSpace(cond.Field) == "" {
			blocker(base+"/field", "missing_field", "condition field is required")
		}
		if !validThresholdOps[cond.Op] {
			blocker(base+"/op", "invalid_op", fmt.Sprintf("unknown condition operator %q", cond.Op))
		}
	}

	if strings.TrimSpace(spec.Targets.HostID) == "" {
		blocker("/targets/hostId", "missing_host", "target host is required")
	}
	if strings.TrimSpace(spec.Targets.TargetType) == "" {
		blocker("/targets/targetType", "missing_target_type", "target type is required")
	}
	switch spec.Targets.Selector.Mode {
	case models.SelectorModeList, models.SelectorModeRange, models.SelectorModeQuery:
	default:
		blocker("/targets/selector/mode", "invalid_mode", fmt.Sprintf("unknown selector mode %q", spec.Targets.Selector.Mode))
	}

	if len(spec.Actions) == 0 {
		blocker("/actions", "no_actions", "policy must declare at least one action")
	}
	for i, a := range spec.Actions {
		base := fmt.Sprintf("/actions/%d", i)
		if strings.TrimSpace(a.CapabilityID) == "" {
			blocker(base+"/capabilityId", "missing_capability", "capability ID is required")
		}
		if strings.TrimSpace(a.Verb) == "" {
			blocker(base+"/verb", "missing_verb", "verb is required")
		}
		switch a.OnError {
		case "", models.OnErrorContinue, models.OnErrorStop:
		default:
			blocker(base+"/onError", "invalid_on_error", fmt.Sprintf("on_error must be continue or stop, got %q", a.OnError))
		}
	}

	if _, err := parseWindow(spec.SuppressionWindow, c.defaultSuppression); err != nil {
		blocker("/suppressionWindow", "invalid_duration", err.Error())
	}
	if _, err := parseWindow(spec.IdempotencyWindow, c.defaultIdempotency); err != nil {
		blocker("/idempotencyWindow", "invalid_duration", err.Error())
	}

	return issues
}

// Compile runs the full pipeline for a new policy: schema validation,
// normalization and hashing, capability verification, selector
// compilation and resolution-mode inference.
func (c *Compiler) Compile(ctx context.Context, spec *models.PolicySpec) models.ValidationResult {
	return c.CompileFor(ctx, spec, uuid.New(), 1)
}

// CompileFor compiles a spec under an existing policy identity.
func (c *Compiler) CompileFor(ctx context.Context, spec *models.PolicySpec, policyID uuid.UUID, version int) models.ValidationResult {
	result := models.ValidationResult{}

	result.SchemaIssues = c.Validate(spec)
	for _, iss := range result.SchemaIssues {
		if iss.Severity == models.SeverityBlocker {
			return result
		}
	}

	compileIssue := func(sev models.Severity, path, code, msg string) {
		result.CompileIssues = append(result.CompileIssues, models.Issue{Severity: sev, Path: path, Code: code, Message: msg})
	}

	// Selector compilation happens before hashing because resolution
	// mode inference feeds the canonical form.
	sel := spec.Targets.Selector
	var expansion []string
	selectorOK := true
	if sel.Mode == models.SelectorModeQuery {
		compileIssue(models.SeverityBlocker, "/targets/selector/mode", "mode_reserved", "selector mode \"query\" is reserved")
		selectorOK = false
	} else if ids, err := selector.Expand(sel); err != nil {
		compileIssue(models.SeverityBlocker, "/targets/selector/value", "malformed_selector", err.Error())
		selectorOK = false
	} else {
		expansion = ids
	}

	dynamic := false
	if spec.DynamicResolution != nil {
		dynamic = *spec.DynamicResolution
	} else if selectorOK {
		dynamic = selector.NonTrivial(sel)
	}

	suppressionS, _ := parseWindow(spec.SuppressionWindow, c.defaultSuppression)
	idempotencyS, _ := parseWindow(spec.IdempotencyWindow, c.defaultIdempotency)

	hash, err := Hash(spec, dynamic, suppressionS, idempotencyS)
	if err != nil {
		compileIssue(models.SeverityBlocker, "", "canonicalize_failed", err.Error())
		return result
	}
	result.Hash = hash

	// Capability verification against the host's descriptor.
	caps, capsSnap, err := c.inventory.Capabilities(ctx, spec.Targets.HostID, 0)
	switch {
	case err != nil:
		compileIssue(models.SeverityBlocker, "/targets/hostId", "capabilities_unavailable",
			fmt.Sprintf("cannot verify capabilities for host %s: %v", spec.Targets.HostID, err))
	case capsSnap.Stale && len(caps) == 0:
		compileIssue(models.SeverityBlocker, "/targets/hostId", "capabilities_unavailable",
			fmt.Sprintf("capability descriptor for host %s is unavailable", spec.Targets.HostID))
	default:
		if capsSnap.Stale {
			compileIssue(models.SeverityWarn, "/targets/hostId", "stale_capabilities",
				"capability descriptor is stale; verification used cached data")
		}
		byID := make(map[string]models.HostCapability, len(caps))
		for _, cap := range caps {
			byID[cap.ID] = cap
		}
		for i, a := range spec.Actions {
			cap, ok := byID[a.CapabilityID]
			if !ok {
				compileIssue(models.SeverityBlocker, fmt.Sprintf("/actions/%d/capabilityId", i), "unknown_capability",
					fmt.Sprintf("host %s does not advertise capability %q", spec.Targets.HostID, a.CapabilityID))
				continue
			}
			if !cap.HasVerb(a.Verb) {
				compileIssue(models.SeverityBlocker, fmt.Sprintf("/actions/%d/verb", i), "unknown_verb",
					fmt.Sprintf("capability %q has no verb %q", a.CapabilityID, a.Verb))
			}
		}
	}

	if result.HasBlocker() {
		return result
	}

	ir := &models.PolicyIR{
		PolicyID:          policyID,
		Hash:              hash,
		VersionInt:        version,
		Priority:          spec.Priority,
		StopOnMatch:       spec.StopOnMatch,
		DynamicResolution: dynamic,
		Match: models.MatchIR{
			TriggerGroup: normalizeTriggerGroup(spec.TriggerGroup),
			Conditions:   append([]models.ConditionSpec(nil), spec.Conditions...),
		},
		Targets: models.TargetIR{
			HostID:     spec.Targets.HostID,
			TargetType: spec.Targets.TargetType,
			Selector:   sel,
		},
		Plan:    normalizeActions(spec.Actions),
		Windows: models.WindowsIR{SuppressionS: suppressionS, IdempotencyS: idempotencyS},
	}

	// Static resolution expands now; dynamic defers to dispatch time.
	if !dynamic {
		res, err := c.inventory.Resolve(ctx, ir.Targets.HostID, ir.Targets.TargetType, sel, 0)
		if err != nil {
			compileIssue(models.SeverityBlocker, "/targets/selector/value", "resolve_failed", err.Error())
			return result
		}
		if res.Snapshot.Stale {
			compileIssue(models.SeverityWarn, "/targets", "stale_inventory",
				"inventory was stale during compile-time resolution")
		}
		if len(res.Unresolved) > 0 {
			compileIssue(models.SeverityWarn, "/targets/selector/value", "unresolved_targets",
				fmt.Sprintf("selector items not found in inventory: %s", strings.Join(res.Unresolved, ", ")))
		}
		if len(res.IDs) == 0 {
			compileIssue(models.SeverityWarn, "/targets/selector/value", "empty_expansion",
				"selector matched no targets")
		}
		now := time.Now().UTC()
		ir.Targets.ResolvedIDs = res.IDs
		ir.Targets.ResolvedAt = &now
	}

	result.OK = true
	result.IR = ir

	log.Debug().
		Str("policy", policyID.String()).
		Str("hash", hash).
		Bool("dynamic", dynamic).
		Int("staticTargets", len(ir.Targets.ResolvedIDs)).
		Int("expansion", len(expansion)).
		Msg("Compiled policy spec")
	return result
}

func normalizeTriggerGroup(tg models.TriggerGroup) models.TriggerGroup {
	out := models.TriggerGroup{
		Logic:    strings.ToUpper(tg.Logic),
		Triggers: append([]models.TriggerSpec(nil), tg.Triggers...),
	}
	return out
}

func normalizeActions(actions []models.ActionSpec) []models.ActionIR {
	plan := make([]models.ActionIR, 0, len(actions))
	for _, a := range actions {
		onError := a.OnError
		if onError == "" {
			onError = models.OnErrorContinue
		}
		plan = append(plan, models.ActionIR{
			CapabilityID: a.CapabilityID,
			Verb:         a.Verb,
			Params:       a.Params,
			OnError:      onError,
		})
	}
	return plan
}
