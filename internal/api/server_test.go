package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcourtman/surgeguard/internal/drivers"
	"github.com/rcourtman/surgeguard/internal/drivers/mock"
	"github.com/rcourtman/surgeguard/internal/dryrun"
	"github.com/rcourtman/surgeguard/internal/events"
	"github.com/rcourtman/surgeguard/internal/inventory"
	"github.com/rcourtman/surgeguard/internal/ledger"
	"github.com/rcourtman/surgeguard/internal/models"
	"github.com/rcourtman/surgeguard/internal/policy"
	"github.com/rcourtman/surgeguard/internal/store"
)

type harness struct {
	handler http.Handler
	store   *store.Store

	mu     sync.Mutex
	events []models.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	drv := mock.New("mock", mock.WithTargets("vm", mock.SimpleTargets("vm-104", "vm-105")...))
	registry := drivers.NewRegistry()
	require.NoError(t, registry.Bind(context.Background(), "pve1", drv))
	ix := inventory.New(inventory.DefaultConfig(), registry)

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "policies.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	led, err := ledger.New(ledger.Config{DBPath: filepath.Join(dir, "executions.db"), HistoryPerPolicy: 30})
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	h := &harness{store: st}
	handlers := &Handlers{
		Compiler:   policy.New(ix),
		Store:      st,
		Ledger:     led,
		DryRun:     dryrun.New(ix, registry, time.Second),
		Normalizer: events.NewNormalizer(),
		Events: func(ev models.Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, ev)
		},
	}
	h.handler = handlers.Routes()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func validSpec(name string) map[string]any {
	return map[string]any{
		"name":     name,
		"priority": 10,
		"enabled":  true,
		"triggerGroup": map[string]any{
			"logic": "ALL",
			"triggers": []map[string]any{
				{"kind": "ups.state", "equals": "OB"},
			},
		},
		"targets": map[string]any{
			"hostId":     "pve1",
			"targetType": "vm",
			"selector":   map[string]any{"mode": "list", "value": "vm-104,vm-105"},
		},
		"actions": []map[string]any{
			{"capabilityId": "host.power", "verb": "shutdown"},
		},
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into), rec.Body.String())
}

func TestValidateEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/policies/validate", validSpec("valid policy"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		OK     bool           `json:"ok"`
		Issues []models.Issue `json:"issues"`
	}
	decodeBody(t, rec, &out)
	if !out.OK {
		t.Errorf("valid spec flagged: %+v", out.Issues)
	}

	bad := validSpec("bad")
	delete(bad, "actions")
	rec = h.do(t, http.MethodPost, "/api/policies/validate", bad)
	decodeBody(t, rec, &out)
	if out.OK || len(out.Issues) == 0 {
		t.Errorf("missing actions not flagged: %+v", out)
	}
}

func TestValidateRejectsUnknownFields(t *testing.T) {
	h := newHarness(t)
	spec := validSpec("typo")
	spec["prioritty"] = 5
	rec := h.do(t, http.MethodPost, "/api/policies/validate", spec)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, unknown fields must 400", rec.Code)
	}
}

func TestCreateAndConflict(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/policies", validSpec("shed load"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Policy store.Policy `json:"policy"`
	}
	decodeBody(t, rec, &created)
	if created.Policy.Hash == "" {
		t.Fatal("created policy has no hash")
	}

	// The identical spec posted again collides on its canonical hash.
	rec = h.do(t, http.MethodPost, "/api/policies", validSpec("shed load"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d: %s", rec.Code, rec.Body.String())
	}
	var conflict struct {
		ExistingID string `json:"existingId"`
		Hash       string `json:"hash"`
	}
	decodeBody(t, rec, &conflict)
	if conflict.ExistingID != created.Policy.ID.String() {
		t.Errorf("conflict names %s, want %s", conflict.ExistingID, created.Policy.ID)
	}
}

func TestCreateWithBlockerRejected(t *testing.T) {
	h := newHarness(t)

	spec := validSpec("broken")
	spec["actions"] = []map[string]any{
		{"capabilityId": "vm.snapshot", "verb": "create"},
	}
	rec := h.do(t, http.MethodPost, "/api/policies", spec)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	// saveAnyway parks it disabled instead.
	rec = h.do(t, http.MethodPost, "/api/policies?saveAnyway=true", spec)
	if rec.Code != http.StatusCreated {
		t.Fatalf("saveAnyway status = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Policy store.Policy `json:"policy"`
	}
	decodeBody(t, rec, &created)
	if created.Policy.Spec.Enabled {
		t.Error("parked policy must be disabled")
	}

	// And enabling it recompiles, hitting the same blocker.
	rec = h.do(t, http.MethodPost, "/api/policies/"+created.Policy.ID.String()+"/enable", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("enable status = %d, parked policy must not go live", rec.Code)
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/policies", validSpec("first draft"))
	var created struct {
		Policy store.Policy `json:"policy"`
	}
	decodeBody(t, rec, &created)

	spec := validSpec("second draft")
	spec["priority"] = 20
	rec = h.do(t, http.MethodPut, "/api/policies/"+created.Policy.ID.String(), spec)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	var updated struct {
		Policy store.Policy `json:"policy"`
	}
	decodeBody(t, rec, &updated)
	if updated.Policy.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Policy.Version)
	}
}

func TestDisableAndDelete(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/policies", validSpec("short lived"))
	var created struct {
		Policy store.Policy `json:"policy"`
	}
	decodeBody(t, rec, &created)
	id := created.Policy.ID.String()

	if rec = h.do(t, http.MethodPost, "/api/policies/"+id+"/disable", nil); rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if rec = h.do(t, http.MethodDelete, "/api/policies/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec = h.do(t, http.MethodGet, "/api/policies/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

func TestInverseEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/policies", validSpec("shutdown policy"))
	var created struct {
		Policy store.Policy `json:"policy"`
	}
	decodeBody(t, rec, &created)

	rec = h.do(t, http.MethodPost, "/api/policies/"+created.Policy.ID.String()+"/inverse", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("inverse status = %d: %s", rec.Code, rec.Body.String())
	}
	var inverse models.PolicySpec
	decodeBody(t, rec, &inverse)
	if inverse.Actions[0].Verb != "start" {
		t.Errorf("inverse verb = %s", inverse.Actions[0].Verb)
	}
	if inverse.Enabled {
		t.Error("generated inverse must come back disabled")
	}
}

func TestDryRunEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/policies", validSpec("preview me"))
	var created struct {
		Policy store.Policy `json:"policy"`
	}
	decodeBody(t, rec, &created)

	rec = h.do(t, http.MethodPost, "/api/policies/"+created.Policy.ID.String()+"/dry-run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dry-run status = %d: %s", rec.Code, rec.Body.String())
	}
	var report models.DryRunReport
	decodeBody(t, rec, &report)
	if report.TranscriptID == "" || len(report.Results) != 2 {
		t.Errorf("report = %+v", report)
	}
}

func TestExecutionsEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/policies", validSpec("with history"))
	var created struct {
		Policy store.Policy `json:"policy"`
	}
	decodeBody(t, rec, &created)
	id := created.Policy.ID.String()

	rec = h.do(t, http.MethodGet, "/api/policies/"+id+"/executions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var records []models.ExecutionRecord
	decodeBody(t, rec, &records)
	if len(records) != 0 {
		t.Errorf("fresh policy has %d records", len(records))
	}

	rec = h.do(t, http.MethodGet, "/api/policies/"+id+"/executions?since=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since = %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/api/policies/"+id+"/executions?limit=-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", rec.Code)
	}
}

func TestInjectEvent(t *testing.T) {
	h := newHarness(t)

	body := map[string]any{
		"source": "apc-1500",
		"type":   "ups.state",
		"from":   "OL",
		"to":     "OB",
	}
	rec := h.do(t, http.MethodPost, "/api/events", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Accepted bool   `json:"accepted"`
		Kind     string `json:"kind"`
	}
	decodeBody(t, rec, &out)
	if !out.Accepted || out.Kind != models.KindUPSState {
		t.Errorf("out = %+v", out)
	}

	h.mu.Lock()
	delivered := len(h.events)
	h.mu.Unlock()
	if delivered != 1 {
		t.Errorf("sink saw %d events", delivered)
	}

	// The same admin event again is deduplicated.
	rec = h.do(t, http.MethodPost, "/api/events", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	decodeBody(t, rec, &out)
	if out.Accepted {
		t.Error("duplicate must not be accepted")
	}

	rec = h.do(t, http.MethodPost, "/api/events", map[string]any{"type": "ups.state"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed event = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestInvalidPolicyID(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{
		"/api/policies/not-a-uuid",
		"/api/policies/not-a-uuid/executions",
	} {
		rec := h.do(t, http.MethodGet, path, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", path, rec.Code)
		}
	}
	rec := h.do(t, http.MethodGet, fmt.Sprintf("/api/policies/%s", "00000000-0000-0000-0000-000000000001"), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown uuid = %d, want 404", rec.Code)
	}
}
