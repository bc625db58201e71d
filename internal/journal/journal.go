// Package journal keeps a local operational record of runs and the actions
// published during them, in a sqlite database under the agent run root.
package journal

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is an open run journal.
type Journal struct {
	db *sql.DB
}

// Run is one recorded benchmark run.
type Run struct {
	UUID      string
	Group     string
	RunDir    string
	StartedAt time.Time
	EndedAt   *time.Time
}

// ActionRecord is one recorded driver action within a run.
type ActionRecord struct {
	RunUUID   string
	Action    string
	Directory string
	Status    string
	At        time.Time
}

// Open opens (creating and migrating as needed) the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}
	if err := runMigrations(path); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func runMigrations(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("journal: loading migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("journal: creating migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal: migrating %s: %w", path, err)
	}
	return nil
}

// RecordRunStart inserts a new run row.
func (j *Journal) RecordRunStart(uuid, group, runDir string) error {
	_, err := j.db.Exec(
		`INSERT INTO runs (uuid, tool_group, run_dir, started_at) VALUES (?, ?, ?, ?)`,
		uuid, group, runDir, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("journal: recording run start: %w", err)
	}
	return nil
}

// RecordRunEnd stamps the run's end time.
func (j *Journal) RecordRunEnd(uuid string) error {
	_, err := j.db.Exec(`UPDATE runs SET ended_at = ? WHERE uuid = ?`, time.Now().UTC(), uuid)
	if err != nil {
		return fmt.Errorf("journal: recording run end: %w", err)
	}
	return nil
}

// RecordAction appends an action row for a run.
func (j *Journal) RecordAction(runUUID, action, directory, status string) error {
	_, err := j.db.Exec(
		`INSERT INTO actions (run_uuid, action, directory, status, at) VALUES (?, ?, ?, ?, ?)`,
		runUUID, action, directory, status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("journal: recording action: %w", err)
	}
	return nil
}

// Runs lists recorded runs, most recent first.
func (j *Journal) Runs(limit int) ([]Run, error) {
	rows, err := j.db.Query(
		`SELECT uuid, tool_group, run_dir, started_at, ended_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: listing runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var r Run
		var ended sql.NullTime
		if err := rows.Scan(&r.UUID, &r.Group, &r.RunDir, &r.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("journal: scanning run: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Actions lists the actions recorded for a run in publish order.
func (j *Journal) Actions(runUUID string) ([]ActionRecord, error) {
	rows, err := j.db.Query(
		`SELECT run_uuid, action, directory, status, at
		 FROM actions WHERE run_uuid = ? ORDER BY at`, runUUID)
	if err != nil {
		return nil, fmt.Errorf("journal: listing actions: %w", err)
	}
	defer rows.Close()
	var recs []ActionRecord
	for rows.Next() {
		var rec ActionRecord
		if err := rows.Scan(&rec.RunUUID, &rec.Action, &rec.Directory, &rec.Status, &rec.At); err != nil {
			return nil, fmt.Errorf("journal: scanning action: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
