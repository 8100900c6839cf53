// Package matcher routes normalized events to compiled policies. It
// evaluates trigger groups and conditions, enforces the suppression
// window, and hands matching policies to the execution engine in
// deterministic candidate order.
package matcher

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/surgeguard/internal/engine"
	"github.com/rcourtman/surgeguard/internal/errors"
	"github.com/rcourtman/surgeguard/internal/models"
)

// PolicySource yields the enabled compiled policies.
type PolicySource interface {
	ActivePolicies() []*models.PolicyIR
}

// Submitter enqueues a run on the execution engine.
type Submitter interface {
	Submit(ir *models.PolicyIR, ev models.Event) (*engine.Handle, error)
}

// History is the ledger surface the matcher needs.
type History interface {
	Append(rec *models.ExecutionRecord) error
	LastActioned(policyID uuid.UUID, within time.Duration) (bool, error)
}

// StateResolver answers condition lookups against current system state.
// The second return is false when the field is unknown, which fails the
// condition closed.
type StateResolver interface {
	Field(ctx context.Context, scope, field string, subject models.Subject) (any, bool, error)
}

// Matcher evaluates events against the active policy set.
type Matcher struct {
	policies PolicySource
	engine   Submitter
	history  History
	state    StateResolver

	mu        sync.Mutex
	held      map[string]time.Time // for_duration entry timestamps
	listeners []engine.Listener
	entropy   *ulid.MonotonicEntropy
	entropyMu sync.Mutex
}

// New creates a matcher.
func New(policies PolicySource, eng Submitter, history History, state StateResolver) *Matcher {
	return &Matcher{
		policies: policies,
		engine:   eng,
		history:  history,
		state:    state,
		held:     make(map[string]time.Time),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// OnRecord registers a listener for the records the matcher itself
// writes (suppressed matches and queue overflows). Records produced by
// actual runs flow through the engine's listeners instead.
func (m *Matcher) OnRecord(l engine.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Matcher) appendRecord(rec models.ExecutionRecord) {
	if err := m.history.Append(&rec); err != nil {
		log.Error().Err(err).Str("policy", rec.PolicyID.String()).Msg("Failed to persist execution record")
	}
	m.mu.Lock()
	listeners := append([]engine.Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(rec)
	}
}

// HandleEvent evaluates one event against every enabled policy in
// candidate order: ascending priority, then policy ID for stability. A
// stop-on-match policy that actually produced actions ends the sweep.
func (m *Matcher) HandleEvent(ctx context.Context, ev models.Event) {
	candidates := append([]*models.PolicyIR(nil), m.policies.ActivePolicies()...)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].PolicyID.String() < candidates[j].PolicyID.String()
	})

	for _, ir := range candidates {
		if !m.triggersMatch(ir, ev) {
			continue
		}
		if !m.conditionsPass(ctx, ir, ev) {
			log.Debug().Str("policy", ir.PolicyID.String()).Msg("Trigger matched but conditions failed")
			continue
		}

		if m.suppressed(ir, ev) {
			continue
		}

		handle, err := m.engine.Submit(ir, ev)
		if err != nil {
			if errors.Is(err, errors.ErrQueueFull) {
				m.recordOverflow(ir, ev, err)
			} else {
				log.Error().Err(err).Str("policy", ir.PolicyID.String()).Msg("Failed to submit run")
			}
			continue
		}

		if !ir.StopOnMatch {
			continue
		}

		// Stop-on-match only short-circuits when the run actually did
		// something: a suppressed, idempotent or empty run lets lower
		// priority policies still see the event.
		rec, err := handle.Record(ctx)
		if err != nil {
			return
		}
		if rec.Outcome == models.OutcomeExecuted && len(rec.Actions) > 0 {
			log.Debug().Str("policy", ir.PolicyID.String()).Msg("Stop-on-match halted candidate sweep")
			return
		}
	}
}

// suppressed checks the policy's suppression window and writes the
// suppressed record when it applies.
func (m *Matcher) suppressed(ir *models.PolicyIR, ev models.Event) bool {
	if ir.SuppressionWindow() <= 0 {
		return false
	}
	actioned, err := m.history.LastActioned(ir.PolicyID, ir.SuppressionWindow())
	if err != nil {
		log.Warn().Err(err).Str("policy", ir.PolicyID.String()).Msg("Suppression lookup failed, proceeding")
		return false
	}
	if !actioned {
		return false
	}

	m.appendRecord(models.ExecutionRecord{
		ID:            m.newID(),
		PolicyID:      ir.PolicyID,
		HostID:        ir.Targets.HostID,
		Timestamp:     time.Now().UTC(),
		Outcome:       models.OutcomeSuppressed,
		Severity:      models.SeverityInfo,
		EventSnapshot: &ev,
		Summary:       fmt.Sprintf("match suppressed: policy acted within the last %s", ir.SuppressionWindow()),
	})
	return true
}

func (m *Matcher) recordOverflow(ir *models.PolicyIR, ev models.Event, cause error) {
	m.appendRecord(models.ExecutionRecord{
		ID:            m.newID(),
		PolicyID:      ir.PolicyID,
		HostID:        ir.Targets.HostID,
		Timestamp:     time.Now().UTC(),
		Outcome:       models.OutcomeOverflow,
		Severity:      models.SeverityWarn,
		EventSnapshot: &ev,
		Summary:       cause.Error(),
	})
	log.Warn().Str("policy", ir.PolicyID.String()).Msg("Host queue full, run dropped as overflow")
}

// triggersMatch evaluates the trigger group against the event,
// including for_duration holds.
func (m *Matcher) triggersMatch(ir *models.PolicyIR, ev models.Event) bool {
	tg := ir.Match.TriggerGroup
	if len(tg.Triggers) == 0 {
		return false
	}

	any := false
	all := true
	for i, t := range tg.Triggers {
		ok := m.triggerMatches(ir.PolicyID, i, t, ev)
		any = any || ok
		all = all && ok
	}
	if strings.EqualFold(tg.Logic, models.LogicAll) {
		return all
	}
	return any
}

func (m *Matcher) triggerMatches(policyID uuid.UUID, idx int, t models.TriggerSpec, ev models.Event) bool {
	if !kindMatches(t.Kind, ev.Kind) {
		return false
	}

	matched := comparatorMatches(t, ev)

	if t.ForDuration <= 0 {
		return matched
	}

	// for_duration: the comparator must have held continuously. Events
	// re-assert state, so a matching event either starts the hold or
	// extends it; a non-matching one for the same subject resets it.
	key := holdKey(policyID, idx, ev.Subject)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !matched {
		delete(m.held, key)
		return false
	}
	entered, ok := m.held[key]
	if !ok {
		m.held[key] = ev.Timestamp
		return false
	}
	return ev.Timestamp.Sub(entered) >= time.Duration(t.ForDuration)*time.Second
}

func holdKey(policyID uuid.UUID, idx int, subject models.Subject) string {
	return policyID.String() + "|" + strconv.Itoa(idx) + "|" + subject.Kind + "/" + subject.ID
}

// kindMatches allows wildcard patterns in trigger kinds, so a policy
// can listen for e.g. "external.*".
func kindMatches(pattern, kind string) bool {
	if strings.ContainsAny(pattern, "*?") {
		return wildcard.Match(pattern, kind)
	}
	return pattern == kind
}

func comparatorMatches(t models.TriggerSpec, ev models.Event) bool {
	switch {
	case t.Equals != "":
		got, ok := ev.StringAttr("equals")
		return ok && strings.EqualFold(got, t.Equals)

	case t.Op != "" && t.Value != nil:
		got, ok := ev.FloatAttr("value")
		return ok && compareFloat(got, t.Op, *t.Value)

	case t.Schedule != "":
		got, ok := ev.StringAttr("schedule")
		return ok && got == t.Schedule

	default:
		// A bare kind trigger matches on kind alone.
		return true
	}
}

// conditionsPass evaluates the implicit AND of the policy's conditions.
// Unknown fields and resolver errors fail closed.
func (m *Matcher) conditionsPass(ctx context.Context, ir *models.PolicyIR, ev models.Event) bool {
	if len(ir.Match.Conditions) == 0 {
		return true
	}
	if m.state == nil {
		return false
	}
	for _, c := range ir.Match.Conditions {
		val, ok, err := m.state.Field(ctx, c.Scope, c.Field, ev.Subject)
		if err != nil || !ok {
			return false
		}
		if !conditionHolds(val, c.Op, c.Value) {
			return false
		}
	}
	return true
}

func conditionHolds(val any, op, want string) bool {
	switch op {
	case "=", "!=":
		got := fmt.Sprintf("%v", val)
		eq := got == want
		if !eq && strings.ContainsAny(want, "*?") {
			eq = wildcard.Match(want, got)
		}
		if op == "=" {
			return eq
		}
		return !eq

	case ">", ">=", "<", "<=":
		gotF, ok := toFloat(val)
		if !ok {
			return false
		}
		wantF, err := strconv.ParseFloat(want, 64)
		if err != nil {
			return false
		}
		return compareFloat(gotF, op, wantF)

	default:
		return false
	}
}

func compareFloat(got float64, op string, want float64) bool {
	switch op {
	case ">":
		return got > want
	case ">=":
		return got >= want
	case "<":
		return got < want
	case "<=":
		return got <= want
	case "=":
		return got == want
	case "!=":
		return got != want
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (m *Matcher) newID() string {
	m.entropyMu.Lock()
	defer m.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
}
