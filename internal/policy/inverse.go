package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcourtman/surgeguard/internal/models"
)

const inverseNamePrefix = "Inverse of "

// NonInvertibleError reports every action whose verb has no declared
// inverse, not just the first one found.
type NonInvertibleError struct {
	Paths []string
}

func (e *NonInvertibleError) Error() string {
	return fmt.Sprintf("actions are not invertible: %s", strings.Join(e.Paths, ", "))
}

// Inverse produces the spec that undoes the given one: every verb is
// replaced by its declared inverse, selectors stay as they are, the
// result is disabled, and fields whose inverse cannot be inferred are
// listed in NeedsInput. If any action is not invertible the whole
// operation fails with the offending paths.
func (c *Compiler) Inverse(ctx context.Context, spec *models.PolicySpec) (*models.PolicySpec, error) {
	caps, _, err := c.inventory.Capabilities(ctx, spec.Targets.HostID, 0)
	if err != nil {
		return nil, fmt.Errorf("look up capabilities for host %s: %w", spec.Targets.HostID, err)
	}
	byID := make(map[string]models.HostCapability, len(caps))
	for _, capability := range caps {
		byID[capability.ID] = capability
	}

	var offending []string
	inverted := make([]models.ActionSpec, len(spec.Actions))
	for i, a := range spec.Actions {
		capability, ok := byID[a.CapabilityID]
		inverseVerb := ""
		if ok {
			inverseVerb = capability.Invertible[a.Verb]
		}
		if inverseVerb == "" {
			offending = append(offending, fmt.Sprintf("/actions/%d/verb", i))
			continue
		}
		inverted[i] = a
		inverted[i].Verb = inverseVerb
	}
	if len(offending) > 0 {
		return nil, &NonInvertibleError{Paths: offending}
	}

	out := *spec
	out.Actions = inverted
	out.Enabled = false
	out.NeedsInput = nil

	// Toggle rather than stack the prefix so inverting twice restores
	// the original name.
	if strings.HasPrefix(spec.Name, inverseNamePrefix) {
		out.Name = strings.TrimPrefix(spec.Name, inverseNamePrefix)
	} else {
		out.Name = inverseNamePrefix + spec.Name
	}

	// A timer trigger's inverse firing time cannot be inferred.
	for i, t := range spec.TriggerGroup.Triggers {
		if t.Schedule != "" {
			out.NeedsInput = append(out.NeedsInput, fmt.Sprintf("/triggerGroup/triggers/%d/schedule", i))
		}
	}

	return &out, nil
}
