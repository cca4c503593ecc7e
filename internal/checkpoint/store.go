// Package checkpoint persists serialized generators in SQLite so runs can be
// resumed and inspected.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// Run is one independent learner.
type Run struct {
	ID        string
	Name      string
	Seed      uint64
	Config    []byte
	CreatedAt time.Time
}

// Checkpoint is a serialized generator with its progress counters.
type Checkpoint struct {
	ID          int64
	RunID       string
	Episode     int
	Updates     int
	BestValue   float64
	Convergence float64
	Converged   bool
	State       []byte
	CreatedAt   time.Time
}

// Store is the SQLite checkpoint store.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open db: %w", err)
	}
	// Concurrent runs share one connection; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: wal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return s, nil
}

// migrate creates tables on first run.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			seed       INTEGER NOT NULL,
			config     BLOB,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL REFERENCES runs(id),
			episode     INTEGER NOT NULL,
			updates     INTEGER NOT NULL,
			best_value  REAL NOT NULL,
			convergence REAL NOT NULL,
			converged   INTEGER NOT NULL DEFAULT 0,
			state       BLOB NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun registers a new run under a fresh identifier.
func (s *Store) CreateRun(ctx context.Context, name string, seed uint64, config []byte) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := Run{
		ID:        uuid.NewString(),
		Name:      name,
		Seed:      seed,
		Config:    config,
		CreatedAt: s.now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, name, seed, config, created_at) VALUES(?, ?, ?, ?, ?)`,
		run.ID, run.Name, int64(run.Seed), run.Config, run.CreatedAt.UnixNano(),
	); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, seed, config, created_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns every run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, seed, config, created_at FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Save appends a checkpoint to its run and returns its ID.
func (s *Store) Save(ctx context.Context, cp Checkpoint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints(run_id, episode, updates, best_value, convergence, converged, state, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.Episode, cp.Updates, cp.BestValue, cp.Convergence, cp.Converged, cp.State, cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}
	return res.LastInsertId()
}

const checkpointColumns = `id, run_id, episode, updates, best_value, convergence, converged, state, created_at`

// Latest returns the most recent checkpoint of a run.
func (s *Store) Latest(ctx context.Context, runID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("checkpoint for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

// List returns the checkpoints of a run, oldest first.
func (s *Store) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Prune keeps the newest keep checkpoints of a run and deletes the rest.
func (s *Store) Prune(ctx context.Context, runID string, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE run_id = ? ORDER BY id DESC LIMIT ?
		)`, runID, runID, max(0, keep))
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run     Run
		seed    int64
		created int64
	)
	if err := sc.Scan(&run.ID, &run.Name, &seed, &run.Config, &created); err != nil {
		return Run{}, err
	}
	run.Seed = uint64(seed)
	run.CreatedAt = time.Unix(0, created).UTC()
	return run, nil
}

func scanCheckpoint(sc scanner) (Checkpoint, error) {
	var (
		cp      Checkpoint
		created int64
	)
	if err := sc.Scan(&cp.ID, &cp.RunID, &cp.Episode, &cp.Updates, &cp.BestValue,
		&cp.Convergence, &cp.Converged, &cp.State, &created); err != nil {
		return Checkpoint{}, err
	}
	cp.CreatedAt = time.Unix(0, created).UTC()
	return cp, nil
}
