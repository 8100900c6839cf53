// Package ledger provides the durable, append-only execution history
// backed by SQLite. The matcher queries it for suppression and
// idempotency decisions; the API reads it for audit listings.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/surgeguard/internal/models"
)

// Config holds ledger storage settings.
type Config struct {
	DBPath           string
	HistoryPerPolicy int // records retained per policy, default 30
}

// DefaultConfig returns the stock ledger settings under dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DBPath:           filepath.Join(dataDir, "executions.db"),
		HistoryPerPolicy: 30,
	}
}

// Ledger is the execution history store. Writes are serialized: the
// connection pool is pinned to a single connection (SQLite is a single
// writer anyway) and appends take a write lock, which also preserves
// per-policy append ordering.
type Ledger struct {
	db      *sql.DB
	writeMu sync.Mutex
	retain  int
}

// New opens (and if needed creates) the ledger database.
func New(cfg Config) (*Ledger, error) {
	if cfg.HistoryPerPolicy <= 0 {
		cfg.HistoryPerPolicy = 30
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	// Pragmas ride in the DSN so every pool connection is configured.
	dsn := cfg.DBPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Ledger{db: db, retain: cfg.HistoryPerPolicy}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	policy_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	severity TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	action_count INTEGER NOT NULL DEFAULT 0,
	record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_policy_ts ON executions(policy_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_executions_idempotency ON executions(policy_id, idempotency_key, ts DESC);
`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Append stores one execution record and prunes the policy's history
// down to the retention bound.
func (l *Ledger) Append(rec *models.ExecutionRecord) error {
	if rec == nil {
		return fmt.Errorf("nil execution record")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution record: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin ledger append: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO executions (id, policy_id, ts, outcome, severity, idempotency_key, action_count, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.PolicyID.String(),
		rec.Timestamp.UnixMilli(),
		string(rec.Outcome),
		string(rec.Severity),
		rec.IdempotencyKey,
		len(rec.Actions),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}

	// Prune: keep only the newest N records for this policy.
	_, err = tx.Exec(
		`DELETE FROM executions WHERE policy_id = ? AND id NOT IN (
			SELECT id FROM executions WHERE policy_id = ? ORDER BY ts DESC, id DESC LIMIT ?
		)`,
		rec.PolicyID.String(), rec.PolicyID.String(), l.retain,
	)
	if err != nil {
		return fmt.Errorf("prune execution history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger append: %w", err)
	}

	log.Debug().
		Str("policy", rec.PolicyID.String()).
		Str("outcome", string(rec.Outcome)).
		Str("severity", string(rec.Severity)).
		Int("actions", len(rec.Actions)).
		Msg("Appended execution record")
	return nil
}

// ByPolicy returns the newest records for a policy since the given
// instant, newest first, up to limit (0 means no limit).
func (l *Ledger) ByPolicy(policyID uuid.UUID, since time.Time, limit int) ([]models.ExecutionRecord, error) {
	query := `SELECT record FROM executions WHERE policy_id = ? AND ts > ? ORDER BY ts DESC, id DESC`
	args := []any{policyID.String(), since.UnixMilli()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		var rec models.ExecutionRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode execution record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastActioned reports whether the policy produced at least one action
// within the window. Suppressed, idempotent, cancelled and overflow
// records never count against the suppression window.
func (l *Ledger) LastActioned(policyID uuid.UUID, within time.Duration) (bool, error) {
	cutoff := time.Now().Add(-within).UnixMilli()
	var n int
	err := l.db.QueryRow(
		`SELECT COUNT(1) FROM executions
		 WHERE policy_id = ? AND ts > ? AND outcome = ? AND action_count > 0`,
		policyID.String(), cutoff, string(models.OutcomeExecuted),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("suppression lookup: %w", err)
	}
	return n > 0, nil
}

// SeenIdempotencyKey reports whether an executed run with the same key
// exists inside the window.
func (l *Ledger) SeenIdempotencyKey(policyID uuid.UUID, key string, within time.Duration) (bool, error) {
	if key == "" {
		return false, nil
	}
	cutoff := time.Now().Add(-within).UnixMilli()
	var n int
	err := l.db.QueryRow(
		`SELECT COUNT(1) FROM executions
		 WHERE policy_id = ? AND idempotency_key = ? AND ts > ? AND outcome = ?`,
		policyID.String(), key, cutoff, string(models.OutcomeExecuted),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return n > 0, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
