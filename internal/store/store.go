// Package store persists policies (spec plus compiled IR) in SQLite and
// keeps a write-through in-memory copy so the matcher's hot path never
// touches the database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/surgeguard/internal/errors"
	"github.com/rcourtman/surgeguard/internal/models"
)

// Policy is one stored policy: the authored spec, its compiled IR and
// bookkeeping.
type Policy struct {
	ID        uuid.UUID         `json:"id"`
	Spec      models.PolicySpec `json:"spec"`
	IR        *models.PolicyIR  `json:"ir"`
	Hash      string            `json:"hash"`
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Store is the policy repository.
type Store struct {
	db *sql.DB

	mu       sync.RWMutex
	policies map[uuid.UUID]*Policy
}

// Open loads (creating if needed) the policy database at dbPath and
// warms the in-memory copy.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open policy database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, policies: make(map[uuid.UUID]*Policy)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	version INTEGER NOT NULL,
	enabled INTEGER NOT NULL,
	spec TEXT NOT NULL,
	ir TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policies_hash ON policies(hash);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate policy schema: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT id, hash, version, spec, ir, created_at, updated_at FROM policies`)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idStr, hash, specJSON, irJSON string
			version                       int
			createdAt, updatedAt          int64
		)
		if err := rows.Scan(&idStr, &hash, &version, &specJSON, &irJSON, &createdAt, &updatedAt); err != nil {
			return fmt.Errorf("scan policy row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("invalid policy id %q: %w", idStr, err)
		}
		p := &Policy{
			ID:        id,
			Hash:      hash,
			Version:   version,
			CreatedAt: time.UnixMilli(createdAt),
			UpdatedAt: time.UnixMilli(updatedAt),
		}
		if err := json.Unmarshal([]byte(specJSON), &p.Spec); err != nil {
			return fmt.Errorf("decode policy spec %s: %w", idStr, err)
		}
		if err := json.Unmarshal([]byte(irJSON), &p.IR); err != nil {
			return fmt.Errorf("decode policy ir %s: %w", idStr, err)
		}
		s.policies[id] = p
	}
	if err := rows.Err(); err != nil {
		return err
	}
	log.Info().Int("policies", len(s.policies)).Msg("Policy store loaded")
	return nil
}

// Create stores a new policy. Two specs with the same canonical hash
// are the same policy: creation fails with a SameSpecError naming the
// existing one. Disabled specs are persisted all the same so an
// operator can stage a policy before enabling it.
func (s *Store) Create(spec models.PolicySpec, ir *models.PolicyIR) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.policies {
		if existing.Hash == ir.Hash {
			return nil, &errors.SameSpecError{ExistingID: existing.ID.String(), Hash: ir.Hash}
		}
	}

	now := time.Now().UTC()
	p := &Policy{
		ID:        ir.PolicyID,
		Spec:      spec,
		IR:        ir,
		Hash:      ir.Hash,
		Version:   ir.VersionInt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.persist(p, true); err != nil {
		return nil, err
	}
	s.policies[p.ID] = p
	log.Info().Str("policy", p.ID.String()).Str("hash", p.Hash).Bool("enabled", spec.Enabled).Msg("Policy created")
	return p, nil
}

// Update replaces a policy's spec and IR, bumping the version. An
// update whose hash matches a different policy fails the same way
// Create does.
func (s *Store) Update(id uuid.UUID, spec models.PolicySpec, ir *models.PolicyIR) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, errors.NewOrchestratorError(errors.ErrorTypeNotFound, "update_policy", "",
			fmt.Errorf("policy %s not found", id))
	}
	for _, existing := range s.policies {
		if existing.ID != id && existing.Hash == ir.Hash {
			return nil, &errors.SameSpecError{ExistingID: existing.ID.String(), Hash: ir.Hash}
		}
	}

	updated := *p
	updated.Spec = spec
	updated.IR = ir
	updated.Hash = ir.Hash
	updated.Version = p.Version + 1
	updated.IR.VersionInt = updated.Version
	updated.UpdatedAt = time.Now().UTC()

	if err := s.persist(&updated, false); err != nil {
		return nil, err
	}
	s.policies[id] = &updated
	log.Info().Str("policy", id.String()).Int("version", updated.Version).Msg("Policy updated")
	return &updated, nil
}

// SetEnabled flips a policy on or off without touching its hash.
func (s *Store) SetEnabled(id uuid.UUID, enabled bool) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, errors.NewOrchestratorError(errors.ErrorTypeNotFound, "set_enabled", "",
			fmt.Errorf("policy %s not found", id))
	}
	if p.Spec.Enabled == enabled {
		return p, nil
	}

	updated := *p
	updated.Spec.Enabled = enabled
	updated.UpdatedAt = time.Now().UTC()
	if err := s.persist(&updated, false); err != nil {
		return nil, err
	}
	s.policies[id] = &updated
	log.Info().Str("policy", id.String()).Bool("enabled", enabled).Msg("Policy toggled")
	return &updated, nil
}

// Delete removes a policy.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return errors.NewOrchestratorError(errors.ErrorTypeNotFound, "delete_policy", "",
			fmt.Errorf("policy %s not found", id))
	}
	if _, err := s.db.Exec(`DELETE FROM policies WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	delete(s.policies, id)
	log.Info().Str("policy", id.String()).Msg("Policy deleted")
	return nil
}

// Get returns one policy.
func (s *Store) Get(id uuid.UUID) (*Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	return p, ok
}

// List returns every policy sorted by priority then ID.
func (s *Store) List() []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Spec.Priority != out[j].Spec.Priority {
			return out[i].Spec.Priority < out[j].Spec.Priority
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// ActivePolicies returns the IRs of every enabled policy. This is the
// matcher's PolicySource.
func (s *Store) ActivePolicies() []*models.PolicyIR {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PolicyIR
	for _, p := range s.policies {
		if p.Spec.Enabled {
			out = append(out, p.IR)
		}
	}
	return out
}

func (s *Store) persist(p *Policy, insert bool) error {
	specJSON, err := json.Marshal(p.Spec)
	if err != nil {
		return fmt.Errorf("marshal policy spec: %w", err)
	}
	irJSON, err := json.Marshal(p.IR)
	if err != nil {
		return fmt.Errorf("marshal policy ir: %w", err)
	}

	enabled := 0
	if p.Spec.Enabled {
		enabled = 1
	}

	if insert {
		_, err = s.db.Exec(
			`INSERT INTO policies (id, hash, version, enabled, spec, ir, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID.String(), p.Hash, p.Version, enabled, string(specJSON), string(irJSON),
			p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE policies SET hash = ?, version = ?, enabled = ?, spec = ?, ir = ?, updated_at = ? WHERE id = ?`,
			p.Hash, p.Version, enabled, string(specJSON), string(irJSON),
			p.UpdatedAt.UnixMilli(), p.ID.String(),
		)
	}
	if err != nil {
		return fmt.Errorf("persist policy: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
