// Package sqliteindex mirrors every aggregate tally mutation into a
// mattn/go-sqlite3 table for operator queryability. It is never
// authoritative: the per-file shard under aggregate-timers/ (see
// internal/aggregatetally) remains the source of truth, so a missing or
// corrupt index never blocks StoreEvent/Iter.
//
// This is grounded on the teacher's SQLite audit backend
// (agilira/argus audit_backend.go's newSQLiteBackend), which keeps the same
// "best-effort secondary store, primary data lives elsewhere" relationship
// between its SQLite table and the audit event stream.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package sqliteindex

import (
	"database/sql"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"github.com/google/uuid"

	"github.com/lantern-labs/metricsrecorder/internal/recorderrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS tally_index (
	event_id      TEXT    NOT NULL,
	user_id       INTEGER NOT NULL,
	aggregate_key BLOB    NOT NULL,
	period        TEXT    NOT NULL,
	counter       INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (event_id, user_id, aggregate_key, period)
);
`

// Index is a best-effort, queryable mirror of aggregate tally state.
type Index struct {
	db *sql.DB
}

// Open creates or opens the index database at <cacheDir>/aggregate-tally-index.db.
func Open(cacheDir string) (*Index, error) {
	path := filepath.Join(cacheDir, "aggregate-tally-index.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, recorderrors.Wrap(err, recorderrors.CodeIO, "sqliteindex: open database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, recorderrors.Wrap(err, recorderrors.CodeIO, "sqliteindex: create schema")
	}
	return &Index{db: db}, nil
}

// Upsert mirrors one StoreEvent result into the index.
func (idx *Index) Upsert(eventID uuid.UUID, userID uint32, aggregateKey []byte, period string, counter uint32, updatedAt int64) error {
	_, err := idx.db.Exec(`
		INSERT INTO tally_index (event_id, user_id, aggregate_key, period, counter, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, user_id, aggregate_key, period)
		DO UPDATE SET counter = excluded.counter, updated_at = excluded.updated_at
	`, eventID.String(), userID, aggregateKey, period, counter, updatedAt)
	return err
}

// Delete removes the index row for one drained tally entry.
func (idx *Index) Delete(eventID uuid.UUID, userID uint32, aggregateKey []byte, period string) error {
	_, err := idx.db.Exec(`
		DELETE FROM tally_index WHERE event_id = ? AND user_id = ? AND aggregate_key = ? AND period = ?
	`, eventID.String(), userID, aggregateKey, period)
	return err
}

// CounterFor returns the last-known counter for a tuple, for operator
// tooling/diagnostics; it does not participate in daemon correctness.
func (idx *Index) CounterFor(eventID uuid.UUID, userID uint32, aggregateKey []byte, period string) (uint32, bool, error) {
	row := idx.db.QueryRow(`
		SELECT counter FROM tally_index WHERE event_id = ? AND user_id = ? AND aggregate_key = ? AND period = ?
	`, eventID.String(), userID, aggregateKey, period)
	var counter uint32
	if err := row.Scan(&counter); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return counter, true, nil
}

// Clear deletes every row, used when the daemon's permission change
// handler purges all recorded state.
func (idx *Index) Clear() error {
	_, err := idx.db.Exec(`DELETE FROM tally_index`)
	return err
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}
