// Package persistentcache wraps a circular file with format versioning and
// the boot offset clock, per SPEC_FULL.md §4.3. It is the storage layer the
// event buffer and aggregate timer flush into between uploads.
//
// The "read a version stamp, purge on mismatch" pattern is grounded on the
// teacher's config loader (agilira/argus config.go), which validates a
// format/schema marker before trusting a loaded file and falls back to a
// fresh default otherwise.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package persistentcache

import (
	"os"
	"path/filepath"

	"github.com/lantern-labs/metricsrecorder/internal/bootclock"
	"github.com/lantern-labs/metricsrecorder/internal/circularfile"
	"github.com/lantern-labs/metricsrecorder/internal/kvfile"
	"github.com/lantern-labs/metricsrecorder/internal/logging"
	"github.com/lantern-labs/metricsrecorder/internal/recorderrors"
	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

// CurrentCacheVersion is bumped whenever the on-disk record encoding
// changes incompatibly; an older or missing version forces a purge.
const CurrentCacheVersion = 1

const (
	versionFileName = "local_version_file"
	dataFileName    = "events.cache"
	offsetFileName  = "boot_offset_metafile"
	versionGroup    = "cache_version_info"
	versionKey      = "version"
)

// Handle is an open persistent cache directory.
type Handle struct {
	dir    string
	file   *circularfile.Handle
	offset *bootclock.BootOffset
	logger *logging.Logger
}

// New ensures directory exists, checks the stored format version against
// CurrentCacheVersion (purging the circular file and rewriting the version
// stamp on mismatch or absence), and opens the boot offset clock rooted in
// the same directory.
func New(directory string, maxSize uint64, reinitialize bool, clock bootclock.Clock, logger *logging.Logger) (*Handle, error) {
	if logger == nil {
		logger = logging.Default("persistentcache")
	}
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return nil, recorderrors.Wrap(err, recorderrors.CodeIO, "persistentcache: create directory")
	}

	versionPath := filepath.Join(directory, versionFileName)
	dataPath := filepath.Join(directory, dataFileName)

	staleVersion := reinitialize
	if !staleVersion {
		stored, ok, err := readVersion(versionPath)
		if err != nil || !ok || stored != CurrentCacheVersion {
			staleVersion = true
		}
	}

	cf, err := circularfile.New(dataPath, maxSize, staleVersion)
	if err != nil {
		return nil, err
	}
	if staleVersion {
		if err := writeVersion(versionPath, CurrentCacheVersion); err != nil {
			return nil, err
		}
		logger.Infof("cache format version (re)initialized to %d", CurrentCacheVersion)
	}

	h := &Handle{dir: directory, file: cf, logger: logger}
	offset := bootclock.New(filepath.Join(directory, offsetFileName), clock)
	offset.OnReset = func() {
		logger.Warnf("boot offset metadata reset; purging cache contents")
		_ = cf.Purge()
	}
	h.offset = offset

	return h, nil
}

func readVersion(path string) (uint64, bool, error) {
	kv, err := kvfile.Load(path)
	if err != nil {
		return 0, false, err
	}
	return kv.GetUint64(versionGroup, versionKey)
}

func writeVersion(path string, version uint64) error {
	kv := kvfile.New()
	kv.SetUint64(versionGroup, versionKey, version)
	return kv.Save(path)
}

// Cost returns the length of event's type-tag string plus one plus its
// encoded size, the quantity that max_bytes_buffered and read byte budgets
// are measured in.
func Cost(event variant.Value) int {
	return event.Cost()
}

// StoreResult reports how many of the requested events were committed.
type StoreResult struct {
	Stored int
	Full   bool
}

// Store appends events in order, stopping at the first one that would
// overflow the circular file's capacity. All successfully appended events
// are flushed to disk as a single Save call. Returned Stored is the number
// of events actually committed; Full reports whether capacity was the
// reason iteration stopped short of the full slice.
func (h *Handle) Store(events []variant.Value) (StoreResult, error) {
	var stored int
	full := false
	for _, ev := range events {
		encoded := ev.Encode()
		if !h.file.Append(encoded) {
			full = true
			break
		}
		stored++
	}
	if stored > 0 {
		if err := h.file.Save(); err != nil {
			return StoreResult{}, err
		}
	}
	return StoreResult{Stored: stored, Full: full}, nil
}

// ReadResult mirrors circularfile.ReadResult at the decoded-event level.
type ReadResult struct {
	Events     []variant.Value
	Token      uint64
	HasInvalid bool
}

// Read decodes up to byteBudget bytes' worth of events, oldest first.
func (h *Handle) Read(byteBudget uint64) (ReadResult, error) {
	raw, err := h.file.Read(byteBudget)
	if err != nil {
		return ReadResult{}, err
	}
	events := make([]variant.Value, 0, len(raw.Records))
	for _, rec := range raw.Records {
		v, _, err := variant.Decode(rec)
		if err != nil {
			h.logger.Warnf("dropping undecodable cache record: %v", err)
			continue
		}
		events = append(events, v)
	}
	return ReadResult{Events: events, Token: raw.Token, HasInvalid: raw.HasInvalid}, nil
}

// FileHasMore reports whether token identifies a strict prefix of what is
// currently committed to the circular file, i.e. whether a subsequent Read
// would still find data beyond it.
func (h *Handle) FileHasMore(token uint64) bool {
	return h.file.HasMore(token)
}

// Remove frees the on-disk bytes identified by token, as returned by Read.
func (h *Handle) Remove(token uint64) error {
	return h.file.Remove(token)
}

// Purge discards all currently buffered events without touching the
// physical file layout.
func (h *Handle) Purge() error {
	return h.file.Purge()
}

// GetBootTimeOffset exposes the boot offset clock's current state,
// recomputing/memoizing per bootclock.Update's rules.
func (h *Handle) GetBootTimeOffset(alwaysRefresh bool) (int64, error) {
	state, err := h.offset.Update(alwaysRefresh)
	if err != nil {
		return 0, err
	}
	return state.BootOffset, nil
}

// RelativeTime returns monotonic_now + boot_offset, the stable cross-reboot
// clock used to timestamp buffered events.
func (h *Handle) RelativeTime() (int64, error) {
	return h.offset.RelativeTime()
}
