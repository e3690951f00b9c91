// Package state persists the current client version and the per-patch
// checkpoint marker. Uses pure-Go SQLite (modernc.org/sqlite) — no cgo
// required. Every write is its own synchronously committed transaction, so
// a process kill between two marks leaves exactly one of them durable.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"
)

// Persisted keys. Key names are a compatibility contract with existing
// deployments (see the phase tokens in phase.go).
const (
	keyCurrentVersion    = "Version.CurrentVersion"
	keyStartUpdate       = "Version.StartUpdate"
	keyStartUpdateTarget = "Version.StartUpdateVersion"
)

// Store is the durable key-value store backing version and checkpoint
// state. A single engine instance owns the store for the duration of a run.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the state database at the given path.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	// Single writer, fully synchronous commits. Checkpoint marks must hit
	// disk before the work they guard begins.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	return err
}

// CurrentVersion returns the last fully committed version, or 0 when the
// store has never recorded one.
func (s *Store) CurrentVersion() (int, error) {
	raw, ok, err := s.get(keyCurrentVersion)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: bad current version %q", ErrCheckpointCorrupt, raw)
	}
	return v, nil
}

// SetCurrentVersion durably advances the committed version. Called exactly
// once per fully applied patch.
func (s *Store) SetCurrentVersion(v int) error {
	if v < 0 {
		return fmt.Errorf("negative version %d", v)
	}
	return s.set(keyCurrentVersion, strconv.Itoa(v))
}

// Mark durably records that the given phase of the patch targeting version
// has been reached. The phase and version land in one committed transaction.
func (s *Store) Mark(p Phase, version int) error {
	if p == PhaseNone {
		return fmt.Errorf("cannot mark PhaseNone")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mark: %w", err)
	}
	for key, value := range map[string]string{
		keyStartUpdate:       p.String(),
		keyStartUpdateTarget: strconv.Itoa(version),
	} {
		if _, err := tx.Exec(upsert, key, value); err != nil {
			tx.Rollback()
			return fmt.Errorf("mark %s for version %d: %w", p, version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark %s for version %d: %w", p, version, err)
	}
	return nil
}

// LastMark returns the live checkpoint marker and its version, or PhaseNone
// when no patch has been started. A marker for a version other than the
// current or the next one is corrupt.
func (s *Store) LastMark() (Phase, int, error) {
	token, ok, err := s.get(keyStartUpdate)
	if err != nil {
		return PhaseNone, 0, err
	}
	if !ok {
		return PhaseNone, 0, nil
	}

	phase, err := ParsePhase(token)
	if err != nil {
		return PhaseNone, 0, err
	}

	current, err := s.CurrentVersion()
	if err != nil {
		return PhaseNone, 0, err
	}

	raw, ok, err := s.get(keyStartUpdateTarget)
	if err != nil {
		return PhaseNone, 0, err
	}
	if !ok {
		// Markers written by older deployments carry no version; they can
		// only refer to the patch after the committed version.
		return phase, current + 1, nil
	}
	version, err := strconv.Atoi(raw)
	if err != nil || version < 0 {
		return PhaseNone, 0, fmt.Errorf("%w: bad marker version %q", ErrCheckpointCorrupt, raw)
	}
	if version > current+1 {
		return PhaseNone, 0, fmt.Errorf("%w: marker %s targets version %d but current version is %d",
			ErrCheckpointCorrupt, phase, version, current)
	}
	return phase, version, nil
}

// ClearMark removes the checkpoint marker after a patch is committed.
func (s *Store) ClearMark() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	for _, key := range []string{keyStartUpdate, keyStartUpdateTarget} {
		if _, err := tx.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
			tx.Rollback()
			return fmt.Errorf("clear mark: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	return nil
}

const upsert = `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
`

func (s *Store) get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) set(key, value string) error {
	if _, err := s.db.Exec(upsert, key, value); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
