// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sqlitesink implements a tracker.FileSink that stores runs in a SQLite database, using the
// pure-Go driver modernc.org/sqlite.
//
// Several runs can share one database. The tables are:
//
//	runs(id, name, started)
//	metrics(run, step, key, value)
//	files(run, step, key, path)
package sqlitesink

import (
	"database/sql"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/ml/train/tracker"
	"github.com/gomlx/kdiffusion/pkg/support/fsutil"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs(
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		started REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metrics(
		run TEXT NOT NULL,
		step INTEGER NOT NULL,
		key TEXT NOT NULL,
		value REAL
	)`,
	`CREATE TABLE IF NOT EXISTS files(
		run TEXT NOT NULL,
		step INTEGER NOT NULL,
		key TEXT NOT NULL,
		path TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS metrics_run_key ON metrics(run, key, step)`,
}

// Sink stores the values of one run in a SQLite database.
type Sink struct {
	mu    sync.Mutex
	db    *sql.DB
	runID string
}

var _ tracker.FileSink = (*Sink)(nil)

// Open the database in dbPath (created if it doesn't exist) and registers a new run with the given name.
func Open(dbPath, runName string) (*Sink, error) {
	dbPath, err := fsutil.ReplaceTildeInDir(dbPath)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open tracker database %q", dbPath)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err = db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to create tables in tracker database %q", dbPath)
		}
	}
	s := &Sink{db: db, runID: uuid.NewString()}
	_, err = db.Exec("INSERT INTO runs(id, name, started) VALUES(?,?,?)",
		s.runID, runName, float64(time.Now().UnixMilli())/1000.0)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to register run")
	}
	klog.V(1).Infof("tracking run %q (%s) in %q", runName, s.runID, dbPath)
	return s, nil
}

// RunID of the run registered by Open.
func (s *Sink) RunID() string { return s.runID }

// DB returns the underlying database, for queries.
func (s *Sink) DB() *sql.DB { return s.db }

// Log implements tracker.Sink. All values of a step are inserted in one transaction.
// Non-finite values are stored as NULL.
func (s *Sink) Log(step int64, values map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("tracker database already closed")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "tracker database")
	}
	for key, v := range values {
		var value sql.NullFloat64
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			value = sql.NullFloat64{Float64: v, Valid: true}
		}
		if _, err = tx.Exec("INSERT INTO metrics(run, step, key, value) VALUES(?,?,?,?)",
			s.runID, step, key, value); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "logging %q at step %d", key, step)
		}
	}
	return errors.Wrap(tx.Commit(), "tracker database")
}

// LogFile implements tracker.FileSink. Only the path is stored, not the contents.
func (s *Sink) LogFile(step int64, key, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("tracker database already closed")
	}
	_, err := s.db.Exec("INSERT INTO files(run, step, key, path) VALUES(?,?,?,?)", s.runID, step, key, path)
	return errors.Wrapf(err, "logging file %q at step %d", key, step)
}

// Point is one logged value.
type Point struct {
	Step  int64
	Value float64
}

// Series returns the values logged for key in this run, ordered by step. NULL values are returned as NaN.
func (s *Sink) Series(key string) ([]Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("tracker database already closed")
	}
	rows, err := s.db.Query("SELECT step, value FROM metrics WHERE run = ? AND key = ? ORDER BY step", s.runID, key)
	if err != nil {
		return nil, errors.Wrapf(err, "querying %q", key)
	}
	return scanPoints(rows, key)
}

// ReadSeries returns the values logged for key by all the runs named runName in the database, ordered by step.
// A resumed training registers a new run with the same name, so this returns the whole history.
// It doesn't register a run.
func ReadSeries(dbPath, runName, key string) ([]Point, error) {
	dbPath, err := fsutil.ReplaceTildeInDir(dbPath)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(dbPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("tracker database %q not found", dbPath)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open tracker database %q", dbPath)
	}
	defer func() { _ = db.Close() }()
	rows, err := db.Query(`SELECT m.step, m.value FROM metrics m JOIN runs r ON m.run = r.id
		WHERE r.name = ? AND m.key = ? ORDER BY m.step, r.started`, runName, key)
	if err != nil {
		return nil, errors.Wrapf(err, "querying %q of run %q", key, runName)
	}
	return scanPoints(rows, key)
}

func scanPoints(rows *sql.Rows, key string) ([]Point, error) {
	defer func() { _ = rows.Close() }()
	var points []Point
	for rows.Next() {
		var p Point
		var value sql.NullFloat64
		if err := rows.Scan(&p.Step, &value); err != nil {
			return nil, errors.Wrapf(err, "querying %q", key)
		}
		p.Value = math.NaN()
		if value.Valid {
			p.Value = value.Float64
		}
		points = append(points, p)
	}
	return points, errors.Wrapf(rows.Err(), "querying %q", key)
}

// Close implements tracker.Sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Wrap(err, "closing tracker database")
}
