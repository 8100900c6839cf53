package store

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/rcourtman/surgeguard/internal/errors"
	"github.com/rcourtman/surgeguard/internal/models"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "policies.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dbPath
}

func testPolicy(name, hash string, priority int, enabled bool) (models.PolicySpec, *models.PolicyIR) {
	spec := models.PolicySpec{
		Name:     name,
		Enabled:  enabled,
		Priority: priority,
	}
	ir := &models.PolicyIR{
		PolicyID:   uuid.New(),
		Hash:       hash,
		VersionInt: 1,
		Priority:   priority,
	}
	return spec, ir
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)

	spec, ir := testPolicy("shed load", "hash-1", 10, true)
	p, err := s.Create(spec, ir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID != ir.PolicyID || p.Version != 1 || p.Hash != "hash-1" {
		t.Errorf("policy = %+v", p)
	}

	got, ok := s.Get(p.ID)
	if !ok || got.Spec.Name != "shed load" {
		t.Errorf("get = %+v, %v", got, ok)
	}
}

func TestCreateSameSpecRejected(t *testing.T) {
	s, _ := newTestStore(t)

	spec, ir := testPolicy("original", "hash-1", 10, true)
	p, err := s.Create(spec, ir)
	if err != nil {
		t.Fatal(err)
	}

	dupSpec, dupIR := testPolicy("renamed copy", "hash-1", 20, true)
	_, err = s.Create(dupSpec, dupIR)
	var same *errors.SameSpecError
	if !errors.As(err, &same) {
		t.Fatalf("expected SameSpecError, got %v", err)
	}
	if same.ExistingID != p.ID.String() || same.Hash != "hash-1" {
		t.Errorf("conflict = %+v", same)
	}
}

func TestCreateDisabledPersists(t *testing.T) {
	s, _ := newTestStore(t)

	spec, ir := testPolicy("staged", "hash-1", 10, false)
	p, err := s.Create(spec, ir)
	if err != nil {
		t.Fatalf("disabled specs must still persist: %v", err)
	}
	if got, ok := s.Get(p.ID); !ok || got.Spec.Enabled {
		t.Errorf("get = %+v, %v", got, ok)
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	s, _ := newTestStore(t)

	spec, ir := testPolicy("v1", "hash-1", 10, true)
	p, err := s.Create(spec, ir)
	if err != nil {
		t.Fatal(err)
	}

	spec2, ir2 := testPolicy("v2", "hash-2", 10, true)
	ir2.PolicyID = p.ID
	updated, err := s.Update(p.ID, spec2, ir2)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
	if updated.IR.VersionInt != 2 {
		t.Errorf("IR version = %d, must follow the stored version", updated.IR.VersionInt)
	}
	if updated.Hash != "hash-2" {
		t.Errorf("hash = %s", updated.Hash)
	}
}

func TestUpdateHashConflict(t *testing.T) {
	s, _ := newTestStore(t)

	specA, irA := testPolicy("a", "hash-a", 10, true)
	if _, err := s.Create(specA, irA); err != nil {
		t.Fatal(err)
	}
	specB, irB := testPolicy("b", "hash-b", 20, true)
	pb, err := s.Create(specB, irB)
	if err != nil {
		t.Fatal(err)
	}

	// Updating B to A's hash collides.
	specB2, irB2 := testPolicy("b rewritten", "hash-a", 20, true)
	irB2.PolicyID = pb.ID
	_, err = s.Update(pb.ID, specB2, irB2)
	var same *errors.SameSpecError
	if !errors.As(err, &same) {
		t.Fatalf("expected SameSpecError, got %v", err)
	}

	// Updating B to its own current hash is fine (no-op edits).
	specB3, irB3 := testPolicy("b touched", "hash-b", 20, true)
	irB3.PolicyID = pb.ID
	if _, err := s.Update(pb.ID, specB3, irB3); err != nil {
		t.Fatalf("self-hash update: %v", err)
	}
}

func TestUpdateUnknownPolicy(t *testing.T) {
	s, _ := newTestStore(t)
	spec, ir := testPolicy("x", "hash-x", 10, true)
	if _, err := s.Update(uuid.New(), spec, ir); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestSetEnabledAndReload(t *testing.T) {
	s, dbPath := newTestStore(t)

	spec, ir := testPolicy("toggle me", "hash-1", 10, true)
	p, err := s.Create(spec, ir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetEnabled(p.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// The toggle survives a restart.
	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, ok := reopened.Get(p.ID)
	if !ok {
		t.Fatal("policy lost across reopen")
	}
	if got.Spec.Enabled {
		t.Error("disable did not persist")
	}
	if got.Spec.Name != "toggle me" || got.Hash != "hash-1" {
		t.Errorf("reloaded policy = %+v", got)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)

	spec, ir := testPolicy("doomed", "hash-1", 10, true)
	p, err := s.Create(spec, ir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(p.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(p.ID); ok {
		t.Error("deleted policy still visible")
	}
	if err := s.Delete(p.ID); err == nil {
		t.Error("double delete should fail")
	}

	// A new spec with the old hash is allowed again.
	spec2, ir2 := testPolicy("reborn", "hash-1", 10, true)
	if _, err := s.Create(spec2, ir2); err != nil {
		t.Errorf("hash freed by delete: %v", err)
	}
}

func TestListOrdering(t *testing.T) {
	s, _ := newTestStore(t)

	for i, pri := range []int{30, 10, 20} {
		spec, ir := testPolicy("p", string(rune('a'+i)), pri, true)
		if _, err := s.Create(spec, ir); err != nil {
			t.Fatal(err)
		}
	}

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("got %d policies", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Spec.Priority > list[i].Spec.Priority {
			t.Errorf("list not priority-sorted: %d before %d", list[i-1].Spec.Priority, list[i].Spec.Priority)
		}
	}
}

func TestActivePoliciesFiltersDisabled(t *testing.T) {
	s, _ := newTestStore(t)

	on, onIR := testPolicy("on", "hash-on", 10, true)
	if _, err := s.Create(on, onIR); err != nil {
		t.Fatal(err)
	}
	off, offIR := testPolicy("off", "hash-off", 20, false)
	if _, err := s.Create(off, offIR); err != nil {
		t.Fatal(err)
	}

	active := s.ActivePolicies()
	if len(active) != 1 || active[0].Hash != "hash-on" {
		t.Errorf("active = %+v", active)
	}
}
