package aggregatetally

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

func TestStoreEventAccumulatesAndIterDrains(t *testing.T) {
	dir := t.TempDir()
	tally := New(dir, nil)

	eventID := uuid.New()
	key := variant.String("k1")
	day := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		if err := tally.StoreEvent(Daily, 1, eventID, key, variant.Nothing(), 1, day); err != nil {
			t.Fatalf("StoreEvent #%d: %v", i, err)
		}
	}

	var seen []Entry
	err := tally.Iter(Daily, day, IterFlags{Delete: true}, func(e Entry) bool {
		seen = append(seen, e)
		return false
	})
	if err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(seen))
	}
	if seen[0].Counter != 10 {
		t.Fatalf("counter = %d, want 10", seen[0].Counter)
	}

	var second []Entry
	if err := tally.Iter(Daily, day, IterFlags{Delete: true}, func(e Entry) bool {
		second = append(second, e)
		return false
	}); err != nil {
		t.Fatalf("second Iter: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected second Iter to be empty after delete-drain, got %d", len(second))
	}
}

func TestStoreEventSaturatesAtUint32Max(t *testing.T) {
	dir := t.TempDir()
	tally := New(dir, nil)
	eventID := uuid.New()
	key := variant.String("sat")
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := tally.StoreEvent(Daily, 1, eventID, key, variant.Nothing(), 4_000_000_000, day); err != nil {
		t.Fatalf("first store: %v", err)
	}
	if err := tally.StoreEvent(Daily, 1, eventID, key, variant.Nothing(), 4_000_000_000, day); err != nil {
		t.Fatalf("second store: %v", err)
	}

	var got uint32
	err := tally.Iter(Daily, day, IterFlags{}, func(e Entry) bool {
		got = e.Counter
		return false
	})
	if err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if got != 4294967295 {
		t.Fatalf("counter = %d, want uint32 max", got)
	}
}

func TestNegativeDeltaClampsToZero(t *testing.T) {
	dir := t.TempDir()
	tally := New(dir, nil)
	eventID := uuid.New()
	key := variant.String("neg")
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := tally.StoreEvent(Daily, 1, eventID, key, variant.Nothing(), -5, day); err != nil {
		t.Fatalf("store: %v", err)
	}
	var got uint32 = 99
	_ = tally.Iter(Daily, day, IterFlags{}, func(e Entry) bool {
		got = e.Counter
		return false
	})
	if got != 0 {
		t.Fatalf("counter = %d, want 0 for clamped negative delta", got)
	}
}

func TestIterBeforeDrainsOnlyPastDates(t *testing.T) {
	dir := t.TempDir()
	tally := New(dir, nil)
	eventID := uuid.New()
	key := variant.String("k")

	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	today := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	if err := tally.StoreEvent(Daily, 1, eventID, key, variant.Nothing(), 1, past); err != nil {
		t.Fatalf("store past: %v", err)
	}
	if err := tally.StoreEvent(Daily, 1, eventID, key, variant.Nothing(), 1, today); err != nil {
		t.Fatalf("store today: %v", err)
	}

	var dates []string
	err := tally.IterBefore(Daily, today, IterFlags{Delete: true}, func(e Entry) bool {
		dates = append(dates, e.Date)
		return false
	})
	if err != nil {
		t.Fatalf("IterBefore: %v", err)
	}
	if len(dates) != 1 || dates[0] != "2026-01-01" {
		t.Fatalf("unexpected dates drained: %v", dates)
	}

	// Today's entry should still be present.
	var stillThere int
	_ = tally.Iter(Daily, today, IterFlags{}, func(e Entry) bool {
		stillThere++
		return false
	})
	if stillThere != 1 {
		t.Fatalf("expected today's entry to remain, stillThere=%d", stillThere)
	}
}

func TestCorruptShardIsDroppedDuringIter(t *testing.T) {
	dir := t.TempDir()
	tally := New(dir, nil)
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	dateDir := tally.dateDir(Daily, day)
	if err := os.MkdirAll(dateDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(dateDir+"/deadbeef", []byte{0xff, 0xff, 0xff}, 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	var count int
	err := tally.Iter(Daily, day, IterFlags{}, func(e Entry) bool {
		count++
		return false
	})
	if err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected corrupt shard to be skipped, count=%d", count)
	}
}

func TestClearRemovesSubtree(t *testing.T) {
	dir := t.TempDir()
	tally := New(dir, nil)
	eventID := uuid.New()
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := tally.StoreEvent(Daily, 1, eventID, variant.String("k"), variant.Nothing(), 1, day); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := tally.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	var count int
	_ = tally.Iter(Daily, day, IterFlags{}, func(e Entry) bool {
		count++
		return false
	})
	if count != 0 {
		t.Fatalf("expected no entries after Clear, got %d", count)
	}
}
