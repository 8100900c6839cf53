package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/surgeguard/internal/models"
)

// canonicalSpec is the normalized, hash-stable form of a policy spec:
// durations rewritten to integer seconds, defaulted fields elided, and
// keys emitted in sorted order with minimal separators. Two logically
// equivalent specs always canonicalize to the same byte sequence.
//
// `enabled` and `needsInput` are administrative, not semantic, and are
// deliberately excluded: toggling a policy on must not change its hash.
func canonicalSpec(spec *models.PolicySpec, dynamic bool, suppressionS, idempotencyS int) map[string]any {
	m := map[string]any{
		"name":     spec.Name,
		"priority": spec.Priority,
		"targets": map[string]any{
			"host_id":     spec.Targets.HostID,
			"target_type": spec.Targets.TargetType,
			"selector": map[string]any{
				"mode":  spec.Targets.Selector.Mode,
				"value": spec.Targets.Selector.Value,
			},
		},
		"trigger_group": canonicalTriggerGroup(spec.TriggerGroup),
		"actions":       canonicalActions(spec.Actions),
	}

	if spec.StopOnMatch {
		m["stop_on_match"] = true
	}
	if dynamic {
		m["dynamic_resolution"] = true
	}
	if len(spec.Conditions) > 0 {
		m["conditions"] = canonicalConditions(spec.Conditions)
	}
	if suppressionS != models.DefaultSuppressionSeconds {
		m["suppression_s"] = suppressionS
	}
	if idempotencyS != models.DefaultIdempotencySeconds {
		m["idempotency_s"] = idempotencyS
	}
	return m
}

func canonicalTriggerGroup(tg models.TriggerGroup) map[string]any {
	triggers := make([]any, 0, len(tg.Triggers))
	for _, t := range tg.Triggers {
		entry := map[string]any{"kind": t.Kind}
		if t.Equals != "" {
			entry["equals"] = t.Equals
		}
		if t.Op != "" {
			entry["op"] = t.Op
		}
		if t.Value != nil {
			entry["value"] = *t.Value
		}
		if t.Schedule != "" {
			entry["schedule"] = t.Schedule
		}
		if t.ForDuration > 0 {
			entry["for_duration"] = t.ForDuration
		}
		triggers = append(triggers, entry)
	}
	return map[string]any{
		"logic":    strings.ToUpper(tg.Logic),
		"triggers": triggers,
	}
}

func canonicalConditions(conds []models.ConditionSpec) []any {
	out := make([]any, 0, len(conds))
	for _, c := range conds {
		out = append(out, map[string]any{
			"scope": c.Scope,
			"field": c.Field,
			"op":    c.Op,
			"value": c.Value,
		})
	}
	return out
}

func canonicalActions(actions []models.ActionSpec) []any {
	out := make([]any, 0, len(actions))
	for _, a := range actions {
		entry := map[string]any{
			"capability_id": a.CapabilityID,
			"verb":          a.Verb,
		}
		if len(a.Params) > 0 {
			entry["params"] = a.Params
		}
		if a.OnError != "" && a.OnError != models.OnErrorContinue {
			entry["on_error"] = a.OnError
		}
		if a.Idempotency != "" {
			entry["idempotency"] = a.Idempotency
		}
		out = append(out, entry)
	}
	return out
}

// Hash computes the SHA-256 of the canonical spec bytes. encoding/json
// marshals map keys in sorted order with no whitespace, which is
// exactly the canonical serialization the contract requires.
func Hash(spec *models.PolicySpec, dynamic bool, suppressionS, idempotencyS int) (string, error) {
	canonical := canonicalSpec(spec, dynamic, suppressionS, idempotencyS)
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal canonical spec: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// parseWindow turns a user-supplied window ("5m", "90s", "300") into
// integer seconds, falling back to def when unset.
func parseWindow(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative window %q", raw)
		}
		return secs, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative window %q", raw)
	}
	return int(d / time.Second), nil
}
