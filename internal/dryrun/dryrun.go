// Package dryrun answers "what would this policy do right now" without
// side effects. It resolves the policy's selector against live
// inventory and asks the driver to preview every (action, target) pair.
package dryrun

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/surgeguard/internal/drivers"
	"github.com/rcourtman/surgeguard/internal/engine"
	"github.com/rcourtman/surgeguard/internal/inventory"
	"github.com/rcourtman/surgeguard/internal/models"
)

// Evaluator produces dry-run reports for compiled policies.
type Evaluator struct {
	inventory  *inventory.Index
	drivers    inventory.DriverSource
	resolveSLA time.Duration

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// New creates a dry-run evaluator. A non-positive SLA defaults to 5s.
func New(ix *inventory.Index, drv inventory.DriverSource, resolveSLA time.Duration) *Evaluator {
	if resolveSLA <= 0 {
		resolveSLA = 5 * time.Second
	}
	return &Evaluator{
		inventory:  ix,
		drivers:    drv,
		resolveSLA: resolveSLA,
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
}

// Evaluate previews a full policy run. Every capability in the plan
// must support dry runs; otherwise the whole evaluation is rejected
// rather than returning a partial preview.
func (e *Evaluator) Evaluate(ctx context.Context, ir *models.PolicyIR) (*models.DryRunReport, error) {
	hostID := ir.Targets.HostID

	for i, a := range ir.Plan {
		capability, ok, err := e.inventory.CapabilityByID(ctx, hostID, a.CapabilityID)
		if err != nil {
			return nil, fmt.Errorf("look up capability %s: %w", a.CapabilityID, err)
		}
		if !ok {
			return nil, fmt.Errorf("action %d: capability %q not present on host %s", i, a.CapabilityID, hostID)
		}
		if !capability.SupportsDryRun {
			return nil, fmt.Errorf("action %d: capability %q does not support dry runs", i, a.CapabilityID)
		}
	}

	res, err := e.inventory.Resolve(ctx, hostID, ir.Targets.TargetType, ir.Targets.Selector, e.resolveSLA)
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}

	sorted := append([]string(nil), res.IDs...)
	sort.Strings(sorted)

	report := &models.DryRunReport{
		TranscriptID:  e.newID(),
		PolicyID:      ir.PolicyID.String(),
		Severity:      models.SeverityInfo,
		UsedInventory: res.Snapshot,
		ResolvedIDs:   sorted,
		Unresolved:    res.Unresolved,
	}

	drv, err := e.drivers.DriverFor(hostID)
	if err != nil {
		return nil, err
	}

	for _, a := range ir.Plan {
		for _, id := range sorted {
			result, err := drv.DryRun(ctx, drivers.Call{
				CapabilityID: a.CapabilityID,
				Verb:         a.Verb,
				TargetID:     id,
				Params:       a.Params,
			})
			if err != nil {
				result = models.DryRunResult{
					OK:       false,
					Severity: models.SeverityError,
					Reason:   err.Error(),
				}
			}
			if result.IdempotencyKey == "" {
				result.IdempotencyKey = engine.IdempotencyKey(ir.PolicyID, sorted, ir.Plan)
			}
			report.Results = append(report.Results, models.DryRunTargetResult{
				Capability: a.CapabilityID,
				Verb:       a.Verb,
				Target:     id,
				Result:     result,
			})
			report.Severity = models.MaxSeverity(report.Severity, result.Severity)
		}
	}

	// A preview built on stale inventory can never be better than warn.
	if res.Snapshot.Stale || len(res.Unresolved) > 0 {
		report.Severity = models.MaxSeverity(report.Severity, models.SeverityWarn)
	}
	if len(sorted) == 0 {
		report.Severity = models.MaxSeverity(report.Severity, models.SeverityWarn)
	}

	log.Debug().
		Str("policy", report.PolicyID).
		Str("transcript", report.TranscriptID).
		Str("severity", string(report.Severity)).
		Int("targets", len(sorted)).
		Msg("Dry run evaluated")
	return report, nil
}

func (e *Evaluator) newID() string {
	e.entropyMu.Lock()
	defer e.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.entropy).String()
}
