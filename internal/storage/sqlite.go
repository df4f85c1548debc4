package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dftworks/abiflow/internal/flow"
	_ "modernc.org/sqlite"
)

// Storage persists flow snapshots in a single sqlite file. The database is
// the on-disk blob of the resumability contract: a restarted scheduler
// loads the snapshot and continues where the previous process stopped.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS flows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP,
		name TEXT NOT NULL,
		workdir TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS works (
		flow_id INTEGER NOT NULL REFERENCES flows(id),
		idx INTEGER NOT NULL,
		name TEXT NOT NULL,
		workdir TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		built INTEGER NOT NULL DEFAULT 0,
		finalized INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		fail_reason TEXT NOT NULL DEFAULT '',
		expanded INTEGER NOT NULL DEFAULT 0,
		fired INTEGER NOT NULL DEFAULT 0,
		template TEXT,
		PRIMARY KEY (flow_id, idx)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		flow_id INTEGER NOT NULL REFERENCES flows(id),
		work_idx INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		workdir TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'init',
		retries INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		cancelled INTEGER NOT NULL DEFAULT 0,
		built INTEGER NOT NULL DEFAULT 0,
		pid INTEGER NOT NULL DEFAULT 0,
		vars TEXT NOT NULL,
		products TEXT,
		PRIMARY KEY (flow_id, work_idx, idx)
	);

	CREATE TABLE IF NOT EXISTS deps (
		flow_id INTEGER NOT NULL REFERENCES flows(id),
		consumer TEXT NOT NULL,
		position INTEGER NOT NULL,
		producer TEXT NOT NULL,
		kind TEXT NOT NULL,
		soft INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (flow_id, consumer, position)
	);

	CREATE INDEX IF NOT EXISTS idx_works_flow ON works(flow_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_flow ON tasks(flow_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// FlowRecord is one row of the flows table, for listings.
type FlowRecord struct {
	ID        int64
	Name      string
	Workdir   string
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// CreateFlow registers a new campaign and returns its id.
func (s *Storage) CreateFlow(name, workdir string) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO flows (name, workdir) VALUES (?, ?)`, name, workdir)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlowRecord(row rowScanner) (*FlowRecord, error) {
	var rec FlowRecord
	var updatedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &updatedAt, &rec.Name, &rec.Workdir); err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		rec.UpdatedAt = &updatedAt.Time
	}
	return &rec, nil
}

func (s *Storage) GetFlow(id int64) (*FlowRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, updated_at, name, workdir FROM flows WHERE id = ?`, id)
	return scanFlowRecord(row)
}

func (s *Storage) ListFlows(limit int) ([]*FlowRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, created_at, updated_at, name, workdir
		 FROM flows ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*FlowRecord
	for rows.Next() {
		rec, err := scanFlowRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveFlow replaces the persisted state of a flow with the given snapshot.
func (s *Storage) SaveFlow(id int64, snap *flow.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"works", "tasks", "deps"} {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE flow_id = ?`, table), id); err != nil {
			return err
		}
	}

	for _, ws := range snap.Works {
		var template any
		if ws.Template != nil {
			data, err := json.Marshal(ws.Template)
			if err != nil {
				return err
			}
			template = string(data)
		}
		if _, err := tx.Exec(
			`INSERT INTO works (flow_id, idx, name, workdir, kind, built, finalized, failed, fail_reason, expanded, fired, template)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, ws.Idx, ws.Name, ws.Workdir, ws.Kind,
			ws.Built, ws.Finalized, ws.Failed, ws.FailReason, ws.Expanded, ws.Fired, template,
		); err != nil {
			return err
		}
		workID := fmt.Sprintf("w%d", ws.Idx)
		if err := saveDeps(tx, id, workID, ws.Deps); err != nil {
			return err
		}

		for _, ts := range ws.Tasks {
			vars, err := json.Marshal(ts.Vars)
			if err != nil {
				return err
			}
			var products any
			if len(ts.Products) > 0 {
				data, err := json.Marshal(ts.Products)
				if err != nil {
					return err
				}
				products = string(data)
			}
			if _, err := tx.Exec(
				`INSERT INTO tasks (flow_id, work_idx, idx, workdir, status, retries, max_retries, last_error, cancelled, built, pid, vars, products)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, ws.Idx, ts.Idx, ts.Workdir, ts.Status, ts.Retries, ts.MaxRetries,
				ts.LastError, ts.Cancelled, ts.Built, ts.PID, string(vars), products,
			); err != nil {
				return err
			}
			taskID := fmt.Sprintf("%s_t%d", workID, ts.Idx)
			if err := saveDeps(tx, id, taskID, ts.Deps); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(
		`UPDATE flows SET updated_at = ?, name = ?, workdir = ? WHERE id = ?`,
		time.Now(), snap.Name, snap.Workdir, id,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func saveDeps(tx *sql.Tx, flowID int64, consumer string, deps []flow.DepSnap) error {
	for i, d := range deps {
		if _, err := tx.Exec(
			`INSERT INTO deps (flow_id, consumer, position, producer, kind, soft)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			flowID, consumer, i, d.Producer, d.Kind, d.Soft,
		); err != nil {
			return err
		}
	}
	return nil
}

// LoadFlow reads a snapshot back, equivalent in content to what SaveFlow
// stored.
func (s *Storage) LoadFlow(id int64) (*flow.Snapshot, error) {
	rec, err := s.GetFlow(id)
	if err != nil {
		return nil, err
	}
	snap := &flow.Snapshot{Name: rec.Name, Workdir: rec.Workdir}

	deps, err := s.loadDeps(id)
	if err != nil {
		return nil, err
	}

	workRows, err := s.db.Query(
		`SELECT idx, name, workdir, kind, built, finalized, failed, fail_reason, expanded, fired, template
		 FROM works WHERE flow_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer workRows.Close()

	for workRows.Next() {
		var ws flow.WorkSnap
		var template sql.NullString
		if err := workRows.Scan(&ws.Idx, &ws.Name, &ws.Workdir, &ws.Kind,
			&ws.Built, &ws.Finalized, &ws.Failed, &ws.FailReason, &ws.Expanded, &ws.Fired, &template); err != nil {
			return nil, err
		}
		if template.Valid {
			if err := json.Unmarshal([]byte(template.String), &ws.Template); err != nil {
				return nil, err
			}
		}
		ws.Deps = deps[fmt.Sprintf("w%d", ws.Idx)]
		snap.Works = append(snap.Works, ws)
	}
	if err := workRows.Err(); err != nil {
		return nil, err
	}

	taskRows, err := s.db.Query(
		`SELECT work_idx, idx, workdir, status, retries, max_retries, last_error, cancelled, built, pid, vars, products
		 FROM tasks WHERE flow_id = ? ORDER BY work_idx, idx`, id)
	if err != nil {
		return nil, err
	}
	defer taskRows.Close()

	for taskRows.Next() {
		var workIdx int
		var ts flow.TaskSnap
		var vars string
		var products sql.NullString
		if err := taskRows.Scan(&workIdx, &ts.Idx, &ts.Workdir, &ts.Status, &ts.Retries,
			&ts.MaxRetries, &ts.LastError, &ts.Cancelled, &ts.Built, &ts.PID, &vars, &products); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vars), &ts.Vars); err != nil {
			return nil, err
		}
		if products.Valid {
			if err := json.Unmarshal([]byte(products.String), &ts.Products); err != nil {
				return nil, err
			}
		}
		if workIdx < 0 || workIdx >= len(snap.Works) {
			return nil, fmt.Errorf("storage: task row references unknown work %d", workIdx)
		}
		ts.Deps = deps[fmt.Sprintf("w%d_t%d", workIdx, ts.Idx)]
		snap.Works[workIdx].Tasks = append(snap.Works[workIdx].Tasks, ts)
	}
	if err := taskRows.Err(); err != nil {
		return nil, err
	}

	return snap, nil
}

func (s *Storage) loadDeps(id int64) (map[string][]flow.DepSnap, error) {
	rows, err := s.db.Query(
		`SELECT consumer, producer, kind, soft FROM deps
		 WHERE flow_id = ? ORDER BY consumer, position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deps := make(map[string][]flow.DepSnap)
	for rows.Next() {
		var consumer string
		var d flow.DepSnap
		if err := rows.Scan(&consumer, &d.Producer, &d.Kind, &d.Soft); err != nil {
			return nil, err
		}
		deps[consumer] = append(deps[consumer], d)
	}
	return deps, rows.Err()
}

// DeleteFlow removes a flow and all of its rows.
func (s *Storage) DeleteFlow(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"deps", "tasks", "works"} {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE flow_id = ?`, table), id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM flows WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}
