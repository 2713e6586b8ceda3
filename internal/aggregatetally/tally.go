// Package aggregatetally implements the directory-sharded, content-addressed
// counter store from SPEC_FULL.md §4.4: one file per
// (event_id, user_id, aggregate_key, period) tuple, hashed with SHA-256 and
// filed under aggregate-timers/<date>/<hash>.
//
// The directory-per-period / file-per-key layout and "decode, delete on
// corruption, log a warning" recovery policy mirror the teacher's SQLite
// audit backend's sibling JSONL backend in audit_backend.go, which also
// lays data out as one file per rollup window and treats a corrupt file as
// recoverable by dropping it rather than failing the whole store.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package aggregatetally

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-labs/metricsrecorder/internal/aggregatetally/sqliteindex"
	"github.com/lantern-labs/metricsrecorder/internal/logging"
	"github.com/lantern-labs/metricsrecorder/internal/recorderrors"
	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

// PeriodKind distinguishes daily from monthly rollup windows.
type PeriodKind int

const (
	Daily PeriodKind = iota
	Monthly
)

const tallyDirName = "aggregate-timers"

// Entry is one decoded tally file's contents, handed to Iter's callback.
type Entry struct {
	UserID       uint32
	EventID      uuid.UUID
	AggregateKey variant.Value
	Payload      variant.Value // Nothing() if absent
	Counter      uint32
	Date         string
}

// IterFlags controls Iter/IterBefore behavior.
type IterFlags struct {
	Delete bool
}

// Tally is a handle on the aggregate-timers/ subtree under a cache
// directory.
type Tally struct {
	dir    string // <cache-dir>/aggregate-timers
	logger *logging.Logger
	index  *sqliteindex.Index // optional, best-effort secondary index
}

// New returns a Tally rooted at cacheDir/aggregate-timers.
func New(cacheDir string, logger *logging.Logger) *Tally {
	if logger == nil {
		logger = logging.Default("aggregatetally")
	}
	return &Tally{dir: filepath.Join(cacheDir, tallyDirName), logger: logger}
}

// WithIndex attaches a queryable secondary index. Mirroring failures are
// logged and otherwise ignored: the shard files remain the source of
// truth, per sqliteindex's own doc comment.
func (t *Tally) WithIndex(index *sqliteindex.Index) *Tally {
	t.index = index
	return t
}

func periodString(kind PeriodKind, t time.Time) string {
	if kind == Monthly {
		return t.Format("2006-01")
	}
	return t.Format("2006-01-02")
}

func shardHash(eventID uuid.UUID, userID uint32, aggregateKey variant.Value) string {
	h := sha256.New()
	h.Write([]byte(eventID.String()))
	var userBytes [4]byte
	userBytes[0] = byte(userID)
	userBytes[1] = byte(userID >> 8)
	userBytes[2] = byte(userID >> 16)
	userBytes[3] = byte(userID >> 24)
	h.Write(userBytes[:])
	h.Write([]byte(aggregateKeyPrint(aggregateKey)))
	return hex.EncodeToString(h.Sum(nil))
}

// aggregateKeyPrint renders the aggregate key for hashing as its binary
// normal-form encoding (Value.Encode), used in place of a printed form.
func aggregateKeyPrint(v variant.Value) string {
	return string(v.Encode())
}

func (t *Tally) dateDir(kind PeriodKind, date time.Time) string {
	return filepath.Join(t.dir, periodString(kind, date))
}

func (t *Tally) shardPath(kind PeriodKind, date time.Time, eventID uuid.UUID, userID uint32, aggregateKey variant.Value) string {
	return filepath.Join(t.dateDir(kind, date), shardHash(eventID, userID, aggregateKey))
}

// StoreEvent reads any existing counter at the computed path, sums
// deltaCounter + existing saturating at u32::MAX (clamping negative deltas
// to zero per §9's open-question resolution), and atomically writes the
// resulting entry.
func (t *Tally) StoreEvent(kind PeriodKind, userID uint32, eventID uuid.UUID, aggregateKey variant.Value, payload variant.Value, deltaCounter int64, date time.Time) error {
	if deltaCounter < 0 {
		deltaCounter = 0
	}

	dir := t.dateDir(kind, date)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "aggregatetally: create date directory")
	}

	path := t.shardPath(kind, date, eventID, userID, aggregateKey)
	existing, err := t.readShard(path)
	if err != nil && !os.IsNotExist(err) {
		// Corrupt existing shard: treat as zero and overwrite.
		existing = nil
	}

	var existingCounter uint64
	if existing != nil {
		existingCounter = uint64(existing.Counter)
	}

	sum := existingCounter + uint64(deltaCounter)
	if sum > math.MaxUint32 {
		sum = math.MaxUint32
	}

	entry := Entry{
		UserID:       userID,
		EventID:      eventID,
		AggregateKey: aggregateKey,
		Payload:      payload,
		Counter:      uint32(sum),
		Date:         periodString(kind, date),
	}
	if err := t.writeShard(path, entry); err != nil {
		return err
	}

	if t.index != nil {
		if err := t.index.Upsert(eventID, userID, aggregateKey.Encode(), entry.Date, entry.Counter, date.Unix()); err != nil {
			t.logger.Warnf("mirroring tally update into sqlite index: %v", err)
		}
	}
	return nil
}

func (t *Tally) writeShard(path string, entry Entry) error {
	record := variant.Tuple(
		variant.UUID(entry.EventID),
		entry.AggregateKey,
		variant.Uint(uint64(entry.UserID)),
		variant.Uint(uint64(entry.Counter)),
		wrapPayload(entry.Payload),
	)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tally-*.tmp")
	if err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "aggregatetally: create temp shard")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(record.Encode()); err != nil {
		tmp.Close()
		return recorderrors.Wrap(err, recorderrors.CodeIO, "aggregatetally: write temp shard")
	}
	if err := tmp.Close(); err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "aggregatetally: close temp shard")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "aggregatetally: rename temp shard")
	}
	return nil
}

func wrapPayload(v variant.Value) variant.Value {
	if v.Kind == variant.KindMaybe {
		return v
	}
	return variant.Just(v)
}

func (t *Tally) readShard(path string) (*Entry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is our own content-addressed filename
	if err != nil {
		return nil, err
	}
	decoded, _, err := variant.Decode(data)
	if err != nil {
		return nil, err
	}
	if decoded.Kind != variant.KindTuple || len(decoded.Items) != 5 {
		return nil, recorderrors.Newf(recorderrors.CodeCacheCorrupt, "aggregatetally: malformed shard at %s", path)
	}
	eventID := decoded.Items[0].UUID
	aggregateKey := decoded.Items[1]
	userID := uint32(decoded.Items[2].Uint)
	counter := uint32(decoded.Items[3].Uint)
	payload := decoded.Items[4]
	if payload.Kind == variant.KindMaybe && payload.Inner != nil {
		payload = *payload.Inner
	} else {
		payload = variant.Nothing()
	}
	return &Entry{
		UserID:       userID,
		EventID:      eventID,
		AggregateKey: aggregateKey,
		Payload:      payload,
		Counter:      counter,
	}, nil
}

// Callback is invoked per decoded tally entry. Returning stop=true ends
// iteration early.
type Callback func(Entry) (stop bool)

// Iter lists the date directory for date, decodes each regular file, and
// invokes callback. Corrupt files are deleted and skipped with a warning.
// If flags.Delete is set, each visited file is removed after the callback,
// and the date directory is removed once empty.
func (t *Tally) Iter(kind PeriodKind, date time.Time, flags IterFlags, callback Callback) error {
	return t.iterDir(t.dateDir(kind, date), periodString(kind, date), flags, callback)
}

// IterBefore iterates every date directory strictly before date, used at
// startup to drain stale tallies left behind across a prior shutdown.
func (t *Tally) IterBefore(kind PeriodKind, date time.Time, flags IterFlags, callback Callback) error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return recorderrors.Wrap(err, recorderrors.CodeIO, "aggregatetally: list period root")
	}

	cutoff := periodString(kind, date)
	layout := "2006-01-02"
	if kind == Monthly {
		layout = "2006-01"
	}
	cutoffTime, err := time.Parse(layout, cutoff)
	if err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "aggregatetally: parse cutoff date")
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dirTime, err := time.Parse(layout, e.Name())
		if err != nil {
			continue // not a period directory of this kind
		}
		if !dirTime.Before(cutoffTime) {
			continue
		}
		if err := t.iterDir(filepath.Join(t.dir, e.Name()), e.Name(), flags, callback); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tally) iterDir(dir, date string, flags IterFlags, callback Callback) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return recorderrors.Wrap(err, recorderrors.CodeIO, "aggregatetally: list date directory")
	}

	stopped := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		entry, err := t.readShard(path)
		if err != nil {
			t.logger.Warnf("dropping corrupt tally shard %s: %v", path, err)
			_ = os.Remove(path)
			continue
		}
		entry.Date = date

		stop := callback(*entry)

		if flags.Delete {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return recorderrors.Wrap(err, recorderrors.CodeIO, "aggregatetally: remove shard after iteration")
			}
			if t.index != nil {
				if err := t.index.Delete(entry.EventID, entry.UserID, entry.AggregateKey.Encode(), date); err != nil {
					t.logger.Warnf("removing drained entry from sqlite index: %v", err)
				}
			}
		}

		if stop {
			stopped = true
			break
		}
	}

	if flags.Delete && !stopped {
		// Remove the date directory once drained; ignore "not empty"
		// (a concurrent StoreEvent may have repopulated it) and "not
		// exist" errors.
		_ = os.Remove(dir)
	}
	return nil
}

// Clear removes the entire aggregate-timers/ subtree.
func (t *Tally) Clear() error {
	if err := os.RemoveAll(t.dir); err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "aggregatetally: clear")
	}
	if t.index != nil {
		if err := t.index.Clear(); err != nil {
			t.logger.Warnf("clearing sqlite index: %v", err)
		}
	}
	return nil
}
