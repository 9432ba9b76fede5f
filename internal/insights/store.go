package insights

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store persists cycle results and the per-action audit trail.
type Store struct {
	db *sql.DB
}

// NewStore creates a result store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate insights: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cycles (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			insights TEXT NOT NULL,
			alerts TEXT NOT NULL,
			actions TEXT NOT NULL,
			raw TEXT NOT NULL,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_cycles_created ON cycles(created_at);

		CREATE TABLE IF NOT EXISTS cycle_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL REFERENCES cycles(id),
			domain TEXT NOT NULL,
			service TEXT NOT NULL,
			service_data TEXT,
			confidence REAL NOT NULL,
			executed BOOLEAN NOT NULL,
			reason TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_cycle_actions_cycle ON cycle_actions(cycle_id);
	`)
	return err
}

// Save records a completed cycle and its action dispositions.
func (s *Store) Save(r Result) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	when := r.When
	if when.IsZero() {
		when = time.Now()
	}

	_, err = tx.Exec(`
		INSERT INTO cycles (id, created_at, status, insights, alerts, actions, raw, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.CycleID, when.UTC(), string(r.Status), r.Insights, r.Alerts, r.Actions, r.Raw, r.Err)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}

	for _, o := range r.Outcomes {
		_, err = tx.Exec(`
			INSERT INTO cycle_actions (cycle_id, domain, service, service_data, confidence, executed, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.CycleID, o.Domain, o.Service, o.ServiceData, o.Confidence, o.Executed, o.Reason)
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
	}

	return tx.Commit()
}

// Last returns the most recent cycle, or nil when none exist.
func (s *Store) Last() (*Result, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, status, insights, alerts, actions, raw, error
		FROM cycles
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`)

	r := &Result{}
	var status string
	var errText sql.NullString
	err := row.Scan(&r.CycleID, &r.When, &status, &r.Insights, &r.Alerts, &r.Actions, &r.Raw, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last cycle: %w", err)
	}
	r.Status = Status(status)
	if errText.Valid {
		r.Err = errText.String
	}

	outcomes, err := s.actions(r.CycleID)
	if err != nil {
		return nil, err
	}
	r.Outcomes = outcomes

	return r, nil
}

func (s *Store) actions(cycleID string) ([]ActionOutcome, error) {
	rows, err := s.db.Query(`
		SELECT domain, service, service_data, confidence, executed, reason
		FROM cycle_actions
		WHERE cycle_id = ?
		ORDER BY id ASC
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("query cycle actions: %w", err)
	}
	defer rows.Close()

	var out []ActionOutcome
	for rows.Next() {
		var o ActionOutcome
		var data, reason sql.NullString
		if err := rows.Scan(&o.Domain, &o.Service, &data, &o.Confidence, &o.Executed, &reason); err != nil {
			return nil, err
		}
		o.ServiceData = data.String
		o.Reason = reason.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// Prune deletes cycles older than the retention window, along with
// their action rows. Returns the number of cycles removed.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		DELETE FROM cycle_actions
		WHERE cycle_id IN (SELECT id FROM cycles WHERE created_at < ?)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune actions: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM cycles WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune cycles: %w", err)
	}
	n, _ := res.RowsAffected()

	return n, tx.Commit()
}
