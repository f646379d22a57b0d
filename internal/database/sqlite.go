package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hbk-go/internal/database/migrations"
	"hbk-go/internal/hbk"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteCatalog implements hbk.Catalog on top of SQLite.
type SQLiteCatalog struct {
	db   *sql.DB
	path string
}

// NewSQLiteCatalog opens the catalog at path and brings its schema up to
// date. path can be a file path or ":memory:".
func NewSQLiteCatalog(path string) (*SQLiteCatalog, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating catalog: %w", err)
	}
	return &SQLiteCatalog{db: db, path: path}, nil
}

// OpenConnection opens a SQLite connection with foreign keys enforced.
// The pool is limited to one connection: an in-memory database exists per
// connection, and the catalog never needs concurrent writers.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Run tracking

func (s *SQLiteCatalog) StartRun(runID, operation string, startedAt time.Time) (*hbk.RunRecord, error) {
	res, err := s.db.Exec(
		`INSERT INTO runs (run_id, operation, started_at, status) VALUES (?, ?, ?, ?)`,
		runID, operation, startedAt.UTC(), hbk.RunStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	return &hbk.RunRecord{
		ID:        id,
		RunID:     runID,
		Operation: operation,
		StartedAt: startedAt.UTC(),
		Status:    hbk.RunStatusRunning,
	}, nil
}

func (s *SQLiteCatalog) FinishRun(id int64, status, message string, finishedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE runs SET finished_at = ?, status = ?, message = ? WHERE id = ?`,
		finishedAt.UTC(), status, message, id,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run: no run with id %d", id)
	}
	return nil
}

func (s *SQLiteCatalog) ListRuns(limit int) ([]*hbk.RunRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.Query(
		`SELECT id, run_id, operation, started_at, finished_at, status, message
		   FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*hbk.RunRecord
	for rows.Next() {
		var (
			r        hbk.RunRecord
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.Operation, &r.StartedAt, &finished, &r.Status, &r.Message); err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		r.FinishedAt = nullTimePtr(finished)
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// Artifact records

func (s *SQLiteCatalog) RecordArtifact(rec *hbk.ArtifactRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, run_id, payload_name, key_name, payload_digest, key_digest,
		                        payload_size, cipher_mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.ID), rec.RunID, rec.PayloadName, rec.KeyName, rec.PayloadDigest, rec.KeyDigest,
		rec.PayloadSize, string(rec.CipherMode), rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording artifact %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteCatalog) FindArtifact(id hbk.ArtifactID) (*hbk.ArtifactRecord, error) {
	var (
		rec      hbk.ArtifactRecord
		recID    string
		mode     string
		mirrored sql.NullTime
		pruned   sql.NullTime
	)
	err := s.db.QueryRow(
		`SELECT id, run_id, payload_name, key_name, payload_digest, key_digest,
		        payload_size, cipher_mode, created_at, mirrored_at, pruned_at
		   FROM artifacts WHERE id = ?`, string(id),
	).Scan(&recID, &rec.RunID, &rec.PayloadName, &rec.KeyName, &rec.PayloadDigest, &rec.KeyDigest,
		&rec.PayloadSize, &mode, &rec.CreatedAt, &mirrored, &pruned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding artifact %s: %w", id, err)
	}
	rec.ID = hbk.ArtifactID(recID)
	rec.CipherMode = hbk.CipherMode(mode)
	rec.MirroredAt = nullTimePtr(mirrored)
	rec.PrunedAt = nullTimePtr(pruned)
	return &rec, nil
}

// MarkArtifactMirrored is a no-op for artifacts the catalog never recorded.
func (s *SQLiteCatalog) MarkArtifactMirrored(id hbk.ArtifactID, at time.Time) error {
	if _, err := s.db.Exec(`UPDATE artifacts SET mirrored_at = ? WHERE id = ?`, at.UTC(), string(id)); err != nil {
		return fmt.Errorf("marking artifact %s mirrored: %w", id, err)
	}
	return nil
}

// MarkArtifactPruned is a no-op for artifacts the catalog never recorded,
// such as ones placed before the catalog existed.
func (s *SQLiteCatalog) MarkArtifactPruned(id hbk.ArtifactID, at time.Time) error {
	if _, err := s.db.Exec(`UPDATE artifacts SET pruned_at = ? WHERE id = ?`, at.UTC(), string(id)); err != nil {
		return fmt.Errorf("marking artifact %s pruned: %w", id, err)
	}
	return nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteCatalog) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteCatalog) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a consistent copy of the catalog to destPath using VACUUM INTO.
func (s *SQLiteCatalog) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up catalog: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteCatalog) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ hbk.Catalog = (*SQLiteCatalog)(nil)
