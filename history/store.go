// Package history records every pipeline run in a SQLite database so
// results can be compared across runs.
package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    mode TEXT NOT NULL,
    model_path TEXT NOT NULL,
    train_examples INTEGER NOT NULL,
    dev_examples INTEGER NOT NULL,
    epochs INTEGER NOT NULL,
    final_loss REAL,
    accuracy REAL NOT NULL,
    micro_f1 REAL NOT NULL,
    macro_f1 REAL NOT NULL,
    duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Run is one row of the history table.
type Run struct {
	ID            int64
	StartedAt     time.Time
	Mode          string // "reload" or "build"
	ModelPath     string
	TrainExamples int
	DevExamples   int
	Epochs        int     // 0 when the model was reloaded
	FinalLoss     float64 // last training epoch loss, 0 when reloaded
	Accuracy      float64
	MicroF1       float64
	MacroF1       float64
	Duration      time.Duration
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create history directory")
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history %s", path)
	}
	// a single writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create history schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts run and returns its id.
func (s *Store) Record(ctx context.Context, run Run) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO runs (started_at, mode, model_path, train_examples, dev_examples,
            epochs, final_loss, accuracy, micro_f1, macro_f1, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.StartedAt.UTC(), run.Mode, run.ModelPath, run.TrainExamples, run.DevExamples,
		run.Epochs, run.FinalLoss, run.Accuracy, run.MicroF1, run.MacroF1, run.Duration.Milliseconds())
	if err != nil {
		return 0, errors.Wrap(err, "failed to record run")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read run id")
	}
	return id, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, started_at, mode, model_path, train_examples, dev_examples,
            epochs, final_loss, accuracy, micro_f1, macro_f1, duration_ms
        FROM runs
        ORDER BY started_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.Mode, &r.ModelPath, &r.TrainExamples, &r.DevExamples,
			&r.Epochs, &r.FinalLoss, &r.Accuracy, &r.MicroF1, &r.MacroF1, &durationMS); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "failed to iterate runs")
}
