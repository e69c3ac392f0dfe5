package champion

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Audit action kinds. Manual interventions are recorded here, never in the
// iteration history log: the history describes what the loop did, the audit
// trail describes what an operator did to the loop.
const (
	ActionForcePromote  = "force_promote"
	ActionForceRollback = "force_rollback"
)

// AuditEntry is one recorded operator intervention.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	TargetID  string    `json:"target_id"`
	Reason    string    `json:"reason"`
	Operator  string    `json:"operator"`
	Detail    string    `json:"detail,omitempty"`
}

// AuditStore persists operator interventions in SQLite.
type AuditStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenAuditStore opens (creating if needed) the audit database at dbPath.
func OpenAuditStore(dbPath string) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id        TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		action    TEXT NOT NULL,
		target_id TEXT NOT NULL,
		reason    TEXT NOT NULL,
		operator  TEXT NOT NULL,
		detail    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return &AuditStore{db: db}, nil
}

// Record appends one intervention to the audit trail.
func (s *AuditStore) Record(action, targetID, reason, operator, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO audit_entries (id, timestamp, action, target_id, reason, operator, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), time.Now().UTC(), action, targetID, reason, operator, detail)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *AuditStore) Recent(n int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, timestamp, action, target_id, reason, operator, COALESCE(detail, '')
		 FROM audit_entries ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &e.TargetID, &e.Reason, &e.Operator, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
