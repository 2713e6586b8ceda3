package bootclock

import (
	"os"
	"path/filepath"

	"github.com/lantern-labs/metricsrecorder/internal/kvfile"
)

const (
	metaGroup       = "time"
	keyRelativeTime = "relative_time"
	keyAbsoluteTime = "absolute_time"
	keyBootOffset   = "boot_offset"
	keyBootID       = "boot_id"
	keyWasReset     = "was_reset"
)

// State is the in-memory, memoized boot offset plus the was_reset flag
// surfaced for diagnostics.
type State struct {
	BootOffset int64
	WasReset   bool
}

// BootOffset implements the state machine in SPEC_FULL.md §4.2: it persists
// relative_time/absolute_time/boot_offset/boot_id/was_reset to a kvfile
// sidecar and recomputes boot_offset only when the kernel boot id changes
// or the metadata is missing/corrupt.
//
// OnReset, if non-nil, is invoked whenever the metadata is judged absent or
// corrupt; persistentcache.New wires this to purge the cache's circular
// file, so a corrupt boot-offset file discards cached events as well as
// resetting the offset (SPEC_FULL.md §9). The aggregate tally is not
// purged.
type BootOffset struct {
	path     string
	clock    Clock
	OnReset  func()
	memoized *State
}

// New creates a BootOffset clock persisting to path.
func New(path string, clock Clock) *BootOffset {
	return &BootOffset{path: path, clock: clock}
}

// Update runs the state machine described in SPEC_FULL.md §4.2 and returns
// the resulting state. When alwaysRefreshTimestamps is true and the offset
// is already memoized (same boot), the stored relative_time/absolute_time
// are rewritten even though boot_offset itself does not change.
func (b *BootOffset) Update(alwaysRefreshTimestamps bool) (State, error) {
	r := b.clock.Monotonic()
	a := b.clock.Wall()

	if b.memoized != nil {
		if alwaysRefreshTimestamps {
			if err := b.rewriteTimestamps(r, a, b.memoized.BootOffset, false); err != nil {
				return State{}, err
			}
		}
		return *b.memoized, nil
	}

	currentBootID, err := b.clock.BootID()
	if err != nil {
		currentBootID = ""
	}

	kv, loadErr := kvfile.Load(b.path)
	if loadErr != nil || !hasCompleteMetadata(kv) {
		return b.reset(r, a, currentBootID)
	}

	storedOffset, _, err1 := kv.GetInt64(metaGroup, keyBootOffset)
	storedRelative, _, err2 := kv.GetInt64(metaGroup, keyRelativeTime)
	storedAbsolute, _, err3 := kv.GetInt64(metaGroup, keyAbsoluteTime)
	savedBootID, _ := kv.GetString(metaGroup, keyBootID)
	if err1 != nil || err2 != nil || err3 != nil {
		return b.reset(r, a, currentBootID)
	}

	if savedBootID == currentBootID {
		if alwaysRefreshTimestamps {
			if err := b.rewriteTimestamps(r, a, storedOffset, false); err != nil {
				return State{}, err
			}
		}
		state := State{BootOffset: storedOffset, WasReset: false}
		b.memoized = &state
		return state, nil
	}

	elapsedOnDisk := a - storedAbsolute
	timeSinceOrigin := storedOffset + storedRelative + elapsedOnDisk
	newOffset := timeSinceOrigin - r

	if err := b.persist(r, a, newOffset, currentBootID, false); err != nil {
		return State{}, err
	}
	state := State{BootOffset: newOffset, WasReset: false}
	b.memoized = &state
	return state, nil
}

func hasCompleteMetadata(kv *kvfile.KVFile) bool {
	if kv == nil {
		return false
	}
	for _, key := range []string{keyRelativeTime, keyAbsoluteTime, keyBootOffset, keyBootID} {
		if !kv.Has(metaGroup, key) {
			return false
		}
	}
	return true
}

// reset clears any persistent cache contents (via OnReset) and writes
// boot_offset=0, was_reset=true, per §4.2 step 3 and §9's open question
// about correlating clock trust with metrics trust.
func (b *BootOffset) reset(r, a int64, currentBootID string) (State, error) {
	if b.OnReset != nil {
		b.OnReset()
	}
	if err := b.persist(r, a, 0, currentBootID, true); err != nil {
		return State{}, err
	}
	state := State{BootOffset: 0, WasReset: true}
	b.memoized = &state
	return state, nil
}

func (b *BootOffset) persist(r, a, offset int64, bootID string, wasReset bool) error {
	kv := kvfile.New()
	kv.SetInt64(metaGroup, keyRelativeTime, r)
	kv.SetInt64(metaGroup, keyAbsoluteTime, a)
	kv.SetInt64(metaGroup, keyBootOffset, offset)
	kv.Set(metaGroup, keyBootID, bootID)
	kv.SetBool(metaGroup, keyWasReset, wasReset)
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return err
	}
	return kv.Save(b.path)
}

func (b *BootOffset) rewriteTimestamps(r, a, offset int64, wasReset bool) error {
	bootID, err := b.clock.BootID()
	if err != nil {
		bootID = ""
	}
	return b.persist(r, a, offset, bootID, wasReset)
}

// RelativeTime returns the current stable, cross-reboot relative time:
// monotonic_now + boot_offset.
func (b *BootOffset) RelativeTime() (int64, error) {
	state, err := b.Update(false)
	if err != nil {
		return 0, err
	}
	return b.clock.Monotonic() + state.BootOffset, nil
}
