package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rcourtman/surgeguard/internal/drivers"
	"github.com/rcourtman/surgeguard/internal/drivers/mock"
	"github.com/rcourtman/surgeguard/internal/errors"
	"github.com/rcourtman/surgeguard/internal/inventory"
	"github.com/rcourtman/surgeguard/internal/models"
)

type memHistory struct {
	mu      sync.Mutex
	records []models.ExecutionRecord
	seen    map[string]bool
}

func newMemHistory() *memHistory {
	return &memHistory{seen: make(map[string]bool)}
}

func (h *memHistory) Append(rec *models.ExecutionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, *rec)
	return nil
}

func (h *memHistory) SeenIdempotencyKey(_ uuid.UUID, key string, _ time.Duration) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[key], nil
}

func (h *memHistory) markSeen(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[key] = true
}

func (h *memHistory) all() []models.ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.ExecutionRecord(nil), h.records...)
}

type fixture struct {
	engine  *Engine
	driver  *mock.Driver
	history *memHistory
}

func newFixture(t *testing.T, cfg Config, opts ...mock.Option) *fixture {
	t.Helper()
	if len(opts) == 0 {
		opts = []mock.Option{
			mock.WithTargets("vm", mock.SimpleTargets("vm-104", "vm-105", "vm-106")...),
		}
	}
	drv := mock.New("mock", opts...)
	registry := drivers.NewRegistry()
	if err := registry.Bind(context.Background(), "pve1", drv); err != nil {
		t.Fatalf("bind driver: %v", err)
	}
	ix := inventory.New(inventory.DefaultConfig(), registry)
	history := newMemHistory()
	eng := New(cfg, ix, registry, history)
	t.Cleanup(eng.Stop)
	return &fixture{engine: eng, driver: drv, history: history}
}

func staticIR(ids ...string) *models.PolicyIR {
	now := time.Now().UTC()
	return &models.PolicyIR{
		PolicyID: uuid.New(),
		Hash:     "testhash",
		Priority: 10,
		Targets: models.TargetIR{
			HostID:      "pve1",
			TargetType:  "vm",
			Selector:    models.Selector{Mode: models.SelectorModeList, Value: "static"},
			ResolvedIDs: ids,
			ResolvedAt:  &now,
		},
		Plan: []models.ActionIR{
			{CapabilityID: "host.power", Verb: "shutdown", OnError: models.OnErrorContinue},
		},
		Windows: models.WindowsIR{SuppressionS: 300, IdempotencyS: 600},
	}
}

func waitRecord(t *testing.T, h *Handle) models.ExecutionRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := h.Record(ctx)
	if err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
	return rec
}

func TestRunDispatchesSortedTargets(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	// Resolution order is whatever the selector said; dispatch order is
	// sorted canonical IDs.
	ir := staticIR("vm-106", "vm-104", "vm-105")
	h, err := f.engine.Submit(ir, models.Event{Kind: models.KindUPSState})
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRecord(t, h)

	if rec.Outcome != models.OutcomeExecuted {
		t.Fatalf("outcome = %s", rec.Outcome)
	}
	if rec.Severity != models.SeverityInfo {
		t.Errorf("severity = %s", rec.Severity)
	}
	want := []string{"vm-104", "vm-105", "vm-106"}
	calls := f.driver.Calls()
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(calls), len(want))
	}
	for i, call := range calls {
		if call.TargetID != want[i] {
			t.Errorf("call %d target = %s, want %s", i, call.TargetID, want[i])
		}
	}
	if rec.IdempotencyKey == "" {
		t.Error("executed record must carry the idempotency key")
	}
}

func TestRunActionsOuterTargetsInner(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	ir := staticIR("vm-104", "vm-105")
	ir.Plan = append(ir.Plan, models.ActionIR{
		CapabilityID: "host.power", Verb: "start", OnError: models.OnErrorContinue,
	})
	h, err := f.engine.Submit(ir, models.Event{})
	if err != nil {
		t.Fatal(err)
	}
	waitRecord(t, h)

	calls := f.driver.Calls()
	wantVerbs := []string{"shutdown", "shutdown", "start", "start"}
	if len(calls) != len(wantVerbs) {
		t.Fatalf("got %d calls, want %d", len(calls), len(wantVerbs))
	}
	for i, call := range calls {
		if call.Verb != wantVerbs[i] {
			t.Errorf("call %d verb = %s, want %s", i, call.Verb, wantVerbs[i])
		}
	}
}

func TestRunIdempotentCollapse(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	ir := staticIR("vm-104")
	key := IdempotencyKey(ir.PolicyID, []string{"vm-104"}, ir.Plan)
	f.history.markSeen(key)

	h, err := f.engine.Submit(ir, models.Event{})
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRecord(t, h)

	if rec.Outcome != models.OutcomeIdempotent {
		t.Fatalf("outcome = %s, want idempotent", rec.Outcome)
	}
	if len(f.driver.Calls()) != 0 {
		t.Error("idempotent run must not touch the driver")
	}
	if rec.IdempotencyKey != key {
		t.Errorf("record key = %s, want %s", rec.IdempotencyKey, key)
	}
}

func TestRunEmptyExpansionWarns(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	ir := staticIR() // dynamic path, selector matches nothing
	ir.DynamicResolution = true
	ir.Targets.Selector = models.Selector{Mode: models.SelectorModeList, Value: "vm-900"}
	ir.Targets.ResolvedIDs = nil

	h, err := f.engine.Submit(ir, models.Event{})
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRecord(t, h)

	if rec.Outcome != models.OutcomeExecuted {
		t.Fatalf("outcome = %s", rec.Outcome)
	}
	if rec.Severity != models.SeverityWarn {
		t.Errorf("severity = %s, want warn", rec.Severity)
	}
	if len(f.driver.Calls()) != 0 {
		t.Error("no targets means no driver calls")
	}
}

func TestRunStaticEmptyExpansionNeverReresolves(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	// Static policy whose compile-time expansion came up empty. Even
	// though the selector would match live inventory, a static run must
	// stick to resolved_ids and never touch the driver.
	ir := staticIR()
	ir.Targets.Selector = models.Selector{Mode: models.SelectorModeList, Value: "vm-104"}

	h, err := f.engine.Submit(ir, models.Event{})
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRecord(t, h)

	if rec.Outcome != models.OutcomeExecuted {
		t.Fatalf("outcome = %s", rec.Outcome)
	}
	if rec.Severity != models.SeverityWarn {
		t.Errorf("severity = %s, want warn", rec.Severity)
	}
	if len(rec.Actions) != 0 {
		t.Errorf("got %d action outcomes, want 0", len(rec.Actions))
	}
	if len(f.driver.Calls()) != 0 {
		t.Error("static run with empty expansion must make zero driver calls")
	}
}

func TestRunOnErrorStop(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		mock.WithTargets("vm", mock.SimpleTargets("vm-104", "vm-105")...),
		mock.WithFailingVerb("shutdown", "guest agent unreachable"),
	)

	ir := staticIR("vm-104", "vm-105")
	ir.Plan[0].OnError = models.OnErrorStop
	ir.Plan = append(ir.Plan, models.ActionIR{
		CapabilityID: "host.power", Verb: "start", OnError: models.OnErrorContinue,
	})

	h, err := f.engine.Submit(ir, models.Event{})
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRecord(t, h)

	if rec.Severity != models.SeverityError {
		t.Errorf("severity = %s, want error", rec.Severity)
	}
	// Stops after the first failure: no second target, no second action.
	if len(rec.Actions) != 1 {
		t.Fatalf("got %d outcomes, want 1: %+v", len(rec.Actions), rec.Actions)
	}
	if rec.Actions[0].OK {
		t.Error("first outcome should be the failure")
	}
}

func TestRunDynamicResolution(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	ir := staticIR()
	ir.DynamicResolution = true
	ir.Targets.Selector = models.Selector{Mode: models.SelectorModeList, Value: "vm-104,vm-106"}
	ir.Targets.ResolvedIDs = nil

	h, err := f.engine.Submit(ir, models.Event{})
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRecord(t, h)
	if rec.Outcome != models.OutcomeExecuted || len(rec.Actions) != 2 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSubmitQueueOverflow(t *testing.T) {
	f := newFixture(t, Config{QueueDepth: 1, GlobalConcurrency: 1})

	release := make(chan struct{})
	f.driver.InvokeFunc = func(drivers.Call) (drivers.Result, error) {
		<-release
		return drivers.Result{OK: true}, nil
	}
	defer close(release)

	// First job occupies the worker, second fills the queue.
	h1, err := f.engine.Submit(staticIR("vm-104"), models.Event{})
	if err != nil {
		t.Fatal(err)
	}
	// Wait until the worker has picked the first job up.
	deadline := time.After(2 * time.Second)
	for len(f.driver.Calls()) == 0 {
		select {
		case <-deadline:
			t.Fatal("worker never started the first job")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, err := f.engine.Submit(staticIR("vm-104"), models.Event{}); err != nil {
		t.Fatalf("second submit should queue: %v", err)
	}

	_, err = f.engine.Submit(staticIR("vm-104"), models.Event{})
	if !errors.Is(err, errors.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	_ = h1
}

func TestStopDrainsQueueAsCancelled(t *testing.T) {
	f := newFixture(t, Config{QueueDepth: 8, GlobalConcurrency: 1})

	started := make(chan struct{})
	var once sync.Once
	release := make(chan struct{})
	f.driver.InvokeFunc = func(drivers.Call) (drivers.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return drivers.Result{OK: true}, nil
	}

	h1, err := f.engine.Submit(staticIR("vm-104"), models.Event{})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	h2, err := f.engine.Submit(staticIR("vm-105"), models.Event{})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	f.engine.Stop()

	rec2 := waitRecord(t, h2)
	if rec2.Outcome != models.OutcomeCancelled {
		t.Errorf("queued job outcome = %s, want cancelled", rec2.Outcome)
	}
	_ = h1
}

func TestIdempotencyKeyStability(t *testing.T) {
	policyID := uuid.New()
	plan := []models.ActionIR{
		{CapabilityID: "host.power", Verb: "shutdown"},
		{CapabilityID: "vm.snapshot", Verb: "create"},
	}
	a := IdempotencyKey(policyID, []string{"vm-1", "vm-2"}, plan)

	reordered := []models.ActionIR{plan[1], plan[0]}
	b := IdempotencyKey(policyID, []string{"vm-1", "vm-2"}, reordered)
	if a != b {
		t.Error("plan order must not affect the key")
	}

	c := IdempotencyKey(policyID, []string{"vm-1", "vm-3"}, plan)
	if a == c {
		t.Error("different targets must change the key")
	}
	d := IdempotencyKey(uuid.New(), []string{"vm-1", "vm-2"}, plan)
	if a == d {
		t.Error("different policies must change the key")
	}
}
