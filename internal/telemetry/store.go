// Package telemetry persists navigation runs to sqlite: sampled poses, grid
// corrections, localization results and operator commands. Stored runs can
// be rendered as trajectory plots.
package telemetry

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/gridnav/internal/correction"
	"github.com/banshee-data/gridnav/internal/localize"
	"github.com/banshee-data/gridnav/internal/monitoring"
	"github.com/banshee-data/gridnav/internal/odometry"
)

var logf = monitoring.Tagged("telemetry")

// ErrRunNotFound is returned for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

//go:embed migrations/*.sql
var migrationsFS embed.FS

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Store is the telemetry database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for the SQL debug console.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// MigrateUp applies all pending migrations. The migrate instance is not
// closed since that would close the shared handle.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (s *Store) MigrateDown() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version, 0 when none.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { logf("migrate: "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

// RunInfo describes a run at its start.
type RunInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Mode      string    `json:"mode"`
	Corner    int       `json:"corner"`
	Role      string    `json:"role"`
}

// StartRun inserts a run with a fresh ID and returns it.
func (s *Store) StartRun(info RunInfo) (RunInfo, error) {
	info.ID = uuid.NewString()
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, started_at, mode, corner, role) VALUES (?, ?, ?, ?, ?)`,
		info.ID, info.StartedAt.UTC(), info.Mode, info.Corner, info.Role,
	)
	if err != nil {
		return info, fmt.Errorf("start run: %w", err)
	}
	return info, nil
}

// EndRun stamps the run's end time.
func (s *Store) EndRun(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE runs SET ended_at = ? WHERE run_id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// Run returns one run.
func (s *Store) Run(id string) (RunInfo, error) {
	row := s.db.QueryRow(`SELECT run_id, started_at, ended_at, mode, corner, role FROM runs WHERE run_id = ?`, id)
	info, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return info, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return info, err
}

// Runs lists runs, newest first.
func (s *Store) Runs() ([]RunInfo, error) {
	rows, err := s.db.Query(`SELECT run_id, started_at, ended_at, mode, corner, role FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunInfo, error) {
	var (
		info  RunInfo
		ended sql.NullTime
	)
	if err := sc.Scan(&info.ID, &info.StartedAt, &ended, &info.Mode, &info.Corner, &info.Role); err != nil {
		return info, err
	}
	if ended.Valid {
		info.EndedAt = ended.Time
	}
	return info, nil
}

// PoseSample is a pose at an offset from the run start.
type PoseSample struct {
	T    time.Duration `json:"t"`
	Pose odometry.Pose `json:"pose"`
}

// RecordPoses appends samples in one transaction.
func (s *Store) RecordPoses(runID string, samples []PoseSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("record poses: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO pose_samples (run_id, t_ms, x, y, heading) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("record poses: %w", err)
	}
	defer stmt.Close()

	for _, p := range samples {
		if _, err := stmt.Exec(runID, p.T.Milliseconds(), p.Pose.X, p.Pose.Y, p.Pose.Heading); err != nil {
			return fmt.Errorf("record poses: %w", err)
		}
	}
	return tx.Commit()
}

// Trajectory returns the run's pose samples in time order.
func (s *Store) Trajectory(runID string) ([]PoseSample, error) {
	rows, err := s.db.Query(`SELECT t_ms, x, y, heading FROM pose_samples WHERE run_id = ? ORDER BY t_ms`, runID)
	if err != nil {
		return nil, fmt.Errorf("trajectory: %w", err)
	}
	defer rows.Close()

	var out []PoseSample
	for rows.Next() {
		var (
			ms int64
			p  PoseSample
		)
		if err := rows.Scan(&ms, &p.Pose.X, &p.Pose.Y, &p.Pose.Heading); err != nil {
			return nil, err
		}
		p.T = time.Duration(ms) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}

// CorrectionEvent is a stored grid correction.
type CorrectionEvent struct {
	T      time.Duration   `json:"t"`
	Kind   correction.Kind `json:"kind"`
	Axis   correction.Axis `json:"axis"`
	Before odometry.Pose   `json:"before"`
	After  odometry.Pose   `json:"after"`
}

func (s *Store) RecordCorrection(runID string, c CorrectionEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO corrections (run_id, t_ms, kind, axis, before_x, before_y, before_heading, after_x, after_y, after_heading)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, c.T.Milliseconds(), string(c.Kind), string(c.Axis),
		c.Before.X, c.Before.Y, c.Before.Heading,
		c.After.X, c.After.Y, c.After.Heading,
	)
	if err != nil {
		return fmt.Errorf("record correction: %w", err)
	}
	return nil
}

func (s *Store) Corrections(runID string) ([]CorrectionEvent, error) {
	rows, err := s.db.Query(
		`SELECT t_ms, kind, axis, before_x, before_y, before_heading, after_x, after_y, after_heading
		 FROM corrections WHERE run_id = ? ORDER BY t_ms`, runID)
	if err != nil {
		return nil, fmt.Errorf("corrections: %w", err)
	}
	defer rows.Close()

	var out []CorrectionEvent
	for rows.Next() {
		var (
			ms         int64
			kind, axis string
			c          CorrectionEvent
		)
		if err := rows.Scan(&ms, &kind, &axis,
			&c.Before.X, &c.Before.Y, &c.Before.Heading,
			&c.After.X, &c.After.Y, &c.After.Heading); err != nil {
			return nil, err
		}
		c.T = time.Duration(ms) * time.Millisecond
		c.Kind, c.Axis = correction.Kind(kind), correction.Axis(axis)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordLocalization stores a localization attempt; locErr is the error
// Localize returned, if any.
func (s *Store) RecordLocalization(runID string, t time.Duration, res localize.Result, locErr error) error {
	_, err := s.db.Exec(
		`INSERT INTO localizations (run_id, t_ms, corner, edge_a, edge_b, reference, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, t.Milliseconds(), int(res.Corner), res.EdgeA, res.EdgeB, res.Reference, errString(locErr),
	)
	if err != nil {
		return fmt.Errorf("record localization: %w", err)
	}
	return nil
}

// Command is an operator command and its outcome.
type Command struct {
	T        time.Duration `json:"t"`
	Name     string        `json:"name"`
	Args     string        `json:"args"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

func (s *Store) RecordCommand(runID string, c Command) error {
	_, err := s.db.Exec(
		`INSERT INTO commands (run_id, t_ms, command, args, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, c.T.Milliseconds(), c.Name, c.Args, c.Duration.Milliseconds(), c.Err,
	)
	if err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

func (s *Store) Commands(runID string) ([]Command, error) {
	rows, err := s.db.Query(`SELECT t_ms, command, args, duration_ms, error FROM commands WHERE run_id = ? ORDER BY t_ms`, runID)
	if err != nil {
		return nil, fmt.Errorf("commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		var (
			ms, dur int64
			c       Command
		)
		if err := rows.Scan(&ms, &c.Name, &c.Args, &dur, &c.Err); err != nil {
			return nil, err
		}
		c.T = time.Duration(ms) * time.Millisecond
		c.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, c)
	}
	return out, rows.Err()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
