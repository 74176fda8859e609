// Package ledger records dataset runs and per-case outcomes in SQLite.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02 15:04:05.000000"

// Store wraps the SQLite database holding the ledger.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the ledger at path and ensures the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            started_at TEXT NOT NULL,
            finished_at TEXT,
            input_dir TEXT,
            output_dir TEXT,
            config_yaml TEXT,
            discovered INTEGER DEFAULT 0,
            done INTEGER DEFAULT 0,
            skipped INTEGER DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS cases (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            case_id TEXT NOT NULL,
            input_path TEXT,
            state TEXT NOT NULL,
            output_dir TEXT,
            views INTEGER DEFAULT 0,
            error_message TEXT,
            duration_ms INTEGER,
            recorded_at TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_cases_run_id ON cases(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_cases_case_id ON cases(case_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one dataset run.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	InputDir   string
	OutputDir  string
	ConfigYAML string
	Discovered int
	Done       int
	Skipped    int
}

// CaseRecord captures the outcome of one case.
type CaseRecord struct {
	RunID      string
	CaseID     string
	InputPath  string
	State      string
	OutputDir  string
	Views      int
	Error      string
	Duration   time.Duration
	RecordedAt time.Time
}

// StartRun inserts a new run and returns its id. A nil store returns an
// empty id.
func (s *Store) StartRun(inputDir, outputDir, configYAML string) (string, error) {
	if s == nil {
		return "", nil
	}
	id := uuid.NewString()
	_, err := s.DB.Exec(`INSERT INTO runs (id, started_at, input_dir, output_dir, config_yaml) VALUES (?, ?, ?, ?, ?);`,
		id, formatTime(time.Now()), inputDir, outputDir, configYAML)
	if err != nil {
		return "", err
	}
	return id, nil
}

// RecordCase stores the outcome of a case.
func (s *Store) RecordCase(rec CaseRecord) error {
	if s == nil {
		return nil
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	var errMsg sql.NullString
	if rec.Error != "" {
		errMsg = sql.NullString{String: rec.Error, Valid: true}
	}
	_, err := s.DB.Exec(`INSERT INTO cases (run_id, case_id, input_path, state, output_dir, views, error_message, duration_ms, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.CaseID, rec.InputPath, rec.State, rec.OutputDir, rec.Views, errMsg, rec.Duration.Milliseconds(), formatTime(rec.RecordedAt))
	return err
}

// FinishRun stores the final counts of a run.
func (s *Store) FinishRun(id string, discovered, done, skipped int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET finished_at=?, discovered=?, done=?, skipped=? WHERE id=?;`,
		formatTime(time.Now()), discovered, done, skipped, id)
	return err
}

// Run fetches a run by id.
func (s *Store) Run(id string) (*RunRecord, error) {
	if s == nil {
		return nil, errors.New("ledger not initialized")
	}
	var rec RunRecord
	var started string
	var finished, inputDir, outputDir, configYAML sql.NullString
	err := s.DB.QueryRow(`SELECT id, started_at, finished_at, input_dir, output_dir, config_yaml, discovered, done, skipped FROM runs WHERE id=?;`, id).
		Scan(&rec.ID, &started, &finished, &inputDir, &outputDir, &configYAML, &rec.Discovered, &rec.Done, &rec.Skipped)
	if err != nil {
		return nil, err
	}
	if rec.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return nil, err
		}
		rec.FinishedAt = &t
	}
	rec.InputDir = inputDir.String
	rec.OutputDir = outputDir.String
	rec.ConfigYAML = configYAML.String
	return &rec, nil
}

// RecentCases returns the latest case outcomes, newest first, up to limit.
func (s *Store) RecentCases(limit int) ([]CaseRecord, error) {
	if s == nil {
		return nil, errors.New("ledger not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, case_id, input_path, state, output_dir, views, error_message, duration_ms, recorded_at FROM cases ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []CaseRecord
	for rows.Next() {
		var rec CaseRecord
		var inputPath, outputDir, errMsg sql.NullString
		var durationMS int64
		var recorded string
		if err := rows.Scan(&rec.RunID, &rec.CaseID, &inputPath, &rec.State, &outputDir, &rec.Views, &errMsg, &durationMS, &recorded); err != nil {
			return nil, err
		}
		rec.InputPath = inputPath.String
		rec.OutputDir = outputDir.String
		rec.Error = errMsg.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if rec.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ledger timestamp %q: %w", s, err)
	}
	return t, nil
}
