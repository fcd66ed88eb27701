// Package archive persists finished runs in SQLite.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/batch"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/geojsonio"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("archive: run not found")

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID           string
	Status       string
	Error        string
	Sites        int
	Profiles     int
	PairsTotal   int
	PairsChecked int
	Visible      int
	Diameter     sql.NullInt64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Store is a SQLite-backed run archive.
type Store struct {
	db *sql.DB
}

// Open opens the database at dsn and configures WAL mode.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("archive: exec %s: %w", pragma, err)
		}
	}
	return &Store{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	sites         INTEGER NOT NULL,
	profiles      INTEGER NOT NULL,
	pairs_total   INTEGER NOT NULL,
	pairs_checked INTEGER NOT NULL,
	visible       INTEGER NOT NULL,
	diameter      INTEGER,
	document      TEXT NOT NULL,
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS visible_pairs (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	i          INTEGER NOT NULL,
	j          INTEGER NOT NULL,
	distance_m REAL NOT NULL,
	PRIMARY KEY (run_id, i, j)
);

CREATE TABLE IF NOT EXISTS node_stats (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	idx         INTEGER NOT NULL,
	site_id     TEXT NOT NULL,
	degree      INTEGER NOT NULL,
	clustering  REAL NOT NULL,
	betweenness REAL NOT NULL,
	closeness   REAL NOT NULL,
	component   INTEGER NOT NULL,
	PRIMARY KEY (run_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migration); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveResult stores a run with its visible pairs and, for completed runs,
// per-node statistics. A result without a run ID is given one. It returns
// the stored ID.
func (s *Store) SaveResult(ctx context.Context, res *batch.Result) (string, error) {
	id := res.RunID
	if id == "" {
		id = uuid.New().String()
	}
	doc := geojsonio.NewResultDocument(res, false)
	doc.RunID = id
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("archive: marshal run %s: %w", id, err)
	}

	var diameter sql.NullInt64
	if res.Stats != nil && res.Stats.Diameter != nil {
		diameter = sql.NullInt64{Int64: int64(*res.Stats.Diameter), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, status, error, sites, profiles, pairs_total, pairs_checked, visible, diameter, document, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, doc.Status, doc.Error, len(res.Sites), len(res.Profiles), res.PairsTotal, res.PairsChecked,
		len(res.Visible), diameter, string(payload), res.StartedAt.UTC(), res.FinishedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("archive: insert run %s: %w", id, err)
	}

	pairStmt, err := tx.PrepareContext(ctx, `INSERT INTO visible_pairs (run_id, i, j, distance_m) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("archive: prepare pairs: %w", err)
	}
	defer pairStmt.Close()
	for _, p := range res.Visible {
		if _, err := pairStmt.ExecContext(ctx, id, p.I, p.J, p.DistanceM); err != nil {
			return "", fmt.Errorf("archive: insert pair %d-%d: %w", p.I, p.J, err)
		}
	}

	if res.Stats != nil {
		nodeStmt, err := tx.PrepareContext(ctx,
			`INSERT INTO node_stats (run_id, idx, site_id, degree, clustering, betweenness, closeness, component)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return "", fmt.Errorf("archive: prepare node stats: %w", err)
		}
		defer nodeStmt.Close()
		for _, ns := range res.Stats.Node {
			siteID := ""
			if ns.Index < len(res.Sites) {
				siteID = res.Sites[ns.Index].ID
			}
			if _, err := nodeStmt.ExecContext(ctx, id, ns.Index, siteID, ns.Degree, ns.Clustering, ns.Betweenness, ns.Closeness, ns.Component); err != nil {
				return "", fmt.Errorf("archive: insert node %d: %w", ns.Index, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("archive: commit run %s: %w", id, err)
	}
	return id, nil
}

type scannable interface {
	Scan(dest ...any) error
}

const summaryColumns = `id, status, error, sites, profiles, pairs_total, pairs_checked, visible, diameter, started_at, finished_at`

func scanSummary(row scannable) (*RunSummary, error) {
	var r RunSummary
	err := row.Scan(&r.ID, &r.Status, &r.Error, &r.Sites, &r.Profiles, &r.PairsTotal, &r.PairsChecked,
		&r.Visible, &r.Diameter, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive: scan run: %w", err)
	}
	return &r, nil
}

// GetRun returns one run summary.
func (s *Store) GetRun(ctx context.Context, id string) (*RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanSummary(row)
	if errors.Is(err, ErrRunNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns the most recently finished runs first. A non-empty
// status filters by final status.
func (s *Store) ListRuns(ctx context.Context, status string, limit int) ([]RunSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM runs WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		r, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: list runs iterate: %w", err)
	}
	return runs, nil
}

// Document returns the stored result document of a run.
func (s *Store) Document(ctx context.Context, id string) (*geojsonio.ResultDocument, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: load document %s: %w", id, err)
	}
	var doc geojsonio.ResultDocument
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("archive: unmarshal document %s: %w", id, err)
	}
	return &doc, nil
}

// VisiblePairs returns a run's visible pairs ordered by index.
func (s *Store) VisiblePairs(ctx context.Context, id string) ([]model.VisiblePair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i, j, distance_m FROM visible_pairs WHERE run_id = ? ORDER BY i, j`, id)
	if err != nil {
		return nil, fmt.Errorf("archive: list pairs: %w", err)
	}
	defer rows.Close()

	var pairs []model.VisiblePair
	for rows.Next() {
		var p model.VisiblePair
		if err := rows.Scan(&p.I, &p.J, &p.DistanceM); err != nil {
			return nil, fmt.Errorf("archive: scan pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// DeleteRun removes a run and its pairs and node statistics.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM visible_pairs WHERE run_id = ?`,
		`DELETE FROM node_stats WHERE run_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("archive: delete run %s: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("archive: delete run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("archive: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return tx.Commit()
}
