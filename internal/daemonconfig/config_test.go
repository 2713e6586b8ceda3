package daemonconfig

import (
	"testing"
	"time"
)

func TestLoadCacheSizeDefaultsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	size, err := LoadCacheSize(dir)
	if err != nil {
		t.Fatalf("LoadCacheSize: %v", err)
	}
	if size != defaultMaxCacheBytes {
		t.Fatalf("size = %d, want default %d", size, defaultMaxCacheBytes)
	}
}

func TestSaveThenLoadCacheSizeRoundTrips(t *testing.T) {
	dir := t.TempDir()
	if err := SaveCacheSize(dir, 5_000_000); err != nil {
		t.Fatalf("SaveCacheSize: %v", err)
	}
	size, err := LoadCacheSize(dir)
	if err != nil {
		t.Fatalf("LoadCacheSize: %v", err)
	}
	if size != 5_000_000 {
		t.Fatalf("size = %d, want 5000000", size)
	}
}

func TestLoadPermissionsDefaultsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	p, err := LoadPermissions(dir)
	if err != nil {
		t.Fatalf("LoadPermissions: %v", err)
	}
	if !p.Enabled || !p.UploadingEnabled || p.Environment != "production" {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestSaveThenLoadPermissionsRoundTrips(t *testing.T) {
	dir := t.TempDir()
	want := Permissions{Enabled: false, UploadingEnabled: true, Environment: "dev"}
	if err := SavePermissions(dir, want); err != nil {
		t.Fatalf("SavePermissions: %v", err)
	}
	got, err := LoadPermissions(dir)
	if err != nil {
		t.Fatalf("LoadPermissions: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestWatcherReportsPermissionsChange(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, 20*time.Millisecond, nil)
	w.Start()
	defer w.Stop()

	if err := SavePermissions(dir, Permissions{Enabled: false, UploadingEnabled: false, Environment: "test"}); err != nil {
		t.Fatalf("SavePermissions: %v", err)
	}

	select {
	case change := <-w.Changes():
		if change.Kind != PermissionsChanged {
			t.Fatalf("expected PermissionsChanged, got %v", change.Kind)
		}
		if change.Permissions.Environment != "test" {
			t.Fatalf("unexpected permissions in change: %+v", change.Permissions)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for watcher to report change")
	}
}

func TestWatcherReportsCacheSizeChange(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, 20*time.Millisecond, nil)
	w.Start()
	defer w.Stop()

	if err := SaveCacheSize(dir, 42); err != nil {
		t.Fatalf("SaveCacheSize: %v", err)
	}

	select {
	case change := <-w.Changes():
		if change.Kind != CacheSizeChanged || change.CacheSize != 42 {
			t.Fatalf("unexpected change: %+v", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for watcher to report change")
	}
}

func TestDefaultSendIntervalDevVsProd(t *testing.T) {
	if defaultSendInterval(true) != 900 {
		t.Fatalf("dev interval = %d, want 900", defaultSendInterval(true))
	}
	if defaultSendInterval(false) != 1800 {
		t.Fatalf("prod interval = %d, want 1800", defaultSendInterval(false))
	}
}
