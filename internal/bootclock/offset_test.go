package bootclock

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFreshMetadataResetsToZeroOffset(t *testing.T) {
	dir := t.TempDir()
	clock := NewFakeClock(1000, 5000, "boot-a")
	var resetCalled bool
	bo := New(filepath.Join(dir, "boot_offset_metafile"), clock)
	bo.OnReset = func() { resetCalled = true }

	state, err := bo.Update(false)
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if !resetCalled {
		t.Fatalf("expected OnReset to be called for missing metadata")
	}
	if !state.WasReset {
		t.Fatalf("expected WasReset true on fresh metadata")
	}
	if state.BootOffset != 0 {
		t.Fatalf("expected boot_offset 0 on fresh metadata, got %d", state.BootOffset)
	}
}

func TestSameBootMemoizesOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot_offset_metafile")
	clock := NewFakeClock(1000, 5000, "boot-a")

	bo := New(path, clock)
	first, err := bo.Update(false)
	if err != nil {
		t.Fatalf("first Update: %v", err)
	}

	clock.Advance(10 * time.Second)
	// Fresh BootOffset instance reading the same file, same boot id.
	bo2 := New(path, clock)
	second, err := bo2.Update(false)
	if err != nil {
		t.Fatalf("second Update: %v", err)
	}
	if second.BootOffset != first.BootOffset {
		t.Fatalf("offset changed within the same boot: %d != %d", second.BootOffset, first.BootOffset)
	}
}

func TestRebootComputesStableRelativeTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot_offset_metafile")
	clock := NewFakeClock(1_000_000_000, 1_000_000_000, "boot-a")

	bo := New(path, clock)
	if _, err := bo.Update(false); err != nil {
		t.Fatalf("initial Update: %v", err)
	}
	relBefore, err := bo.RelativeTime()
	if err != nil {
		t.Fatalf("RelativeTime: %v", err)
	}

	// Machine powers off for 100s, reboots with a new boot id.
	offline := 100 * time.Second
	clock.Reboot(offline, "boot-b")

	bo2 := New(path, clock)
	relAfter, err := bo2.RelativeTime()
	if err != nil {
		t.Fatalf("RelativeTime after reboot: %v", err)
	}

	// Relative time should have advanced by roughly the offline duration
	// (monotonic reset to 0, so the entire gap is absorbed into boot_offset).
	delta := relAfter - relBefore
	wantDelta := int64(offline)
	if delta != wantDelta {
		t.Fatalf("relative time delta = %d, want %d", delta, wantDelta)
	}
}

func TestCorruptMetadataTriggersReset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot_offset_metafile")
	// Write garbage that parses as a kvfile but lacks required keys.
	writeFile(t, path, "[time]\nboot_id=abc\n")

	clock := NewFakeClock(42, 42, "boot-a")
	var resetCalled bool
	bo := New(path, clock)
	bo.OnReset = func() { resetCalled = true }

	state, err := bo.Update(false)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !resetCalled || !state.WasReset {
		t.Fatalf("expected reset on incomplete metadata")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writeFile: %v", err)
	}
}
