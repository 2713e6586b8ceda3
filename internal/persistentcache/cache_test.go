package persistentcache

import (
	"path/filepath"
	"testing"

	"github.com/lantern-labs/metricsrecorder/internal/bootclock"
	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

func TestStoreReadRemoveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clock := bootclock.NewFakeClock(1000, 2000, "boot-a")
	cache, err := New(dir, 4096, false, clock, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := []variant.Value{
		variant.String("first"),
		variant.String("second"),
		variant.Uint(42),
	}
	res, err := cache.Store(events)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if res.Stored != 3 || res.Full {
		t.Fatalf("unexpected store result: %+v", res)
	}

	read, err := cache.Read(1 << 20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(read.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(read.Events))
	}
	if read.Events[0].Str != "first" || read.Events[1].Str != "second" {
		t.Fatalf("unexpected decoded events: %+v", read.Events)
	}

	if err := cache.Remove(read.Token); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	drained, err := cache.Read(1 << 20)
	if err != nil {
		t.Fatalf("Read after remove: %v", err)
	}
	if len(drained.Events) != 0 {
		t.Fatalf("expected empty cache after remove, got %d", len(drained.Events))
	}
}

func TestStoreStopsAtFirstFullEvent(t *testing.T) {
	dir := t.TempDir()
	clock := bootclock.NewFakeClock(0, 0, "boot-a")
	cache, err := New(dir, 64, false, clock, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	big := variant.Bytes(make([]byte, 200))
	res, err := cache.Store([]variant.Value{variant.Uint(1), big, variant.Uint(2)})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if res.Stored != 1 || !res.Full {
		t.Fatalf("expected 1 stored and full=true, got %+v", res)
	}
}

func TestVersionMismatchPurgesExistingData(t *testing.T) {
	dir := t.TempDir()
	clock := bootclock.NewFakeClock(0, 0, "boot-a")

	cache, err := New(dir, 4096, false, clock, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cache.Store([]variant.Value{variant.Uint(7)}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	versionPath := filepath.Join(dir, versionFileName)
	if err := writeVersion(versionPath, CurrentCacheVersion+1); err != nil {
		t.Fatalf("writeVersion: %v", err)
	}

	cache2, err := New(dir, 4096, false, clock, nil)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	read, err := cache2.Read(1 << 20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(read.Events) != 0 {
		t.Fatalf("expected purge on version mismatch, got %d events", len(read.Events))
	}
}

func TestGetBootTimeOffsetMemoizesWithinSameBoot(t *testing.T) {
	dir := t.TempDir()
	clock := bootclock.NewFakeClock(500, 1500, "boot-a")
	cache, err := New(dir, 4096, false, clock, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := cache.GetBootTimeOffset(false)
	if err != nil {
		t.Fatalf("GetBootTimeOffset: %v", err)
	}
	clock.Advance(10)
	second, err := cache.GetBootTimeOffset(false)
	if err != nil {
		t.Fatalf("GetBootTimeOffset: %v", err)
	}
	if first != second {
		t.Fatalf("offset changed within same boot: %d != %d", first, second)
	}
}
