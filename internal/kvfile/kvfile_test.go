package kvfile

import (
	"path/filepath"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	kv := New()
	kv.SetUint64("metadata", "max_size", 1000)
	kv.SetInt64("metadata", "head", -5)
	kv.SetBool("global", "enabled", true)

	if v, ok, err := kv.GetUint64("metadata", "max_size"); err != nil || !ok || v != 1000 {
		t.Fatalf("GetUint64 = %d, %v, %v", v, ok, err)
	}
	if v, ok, err := kv.GetInt64("metadata", "head"); err != nil || !ok || v != -5 {
		t.Fatalf("GetInt64 = %d, %v, %v", v, ok, err)
	}
	if v, ok, err := kv.GetBool("global", "enabled"); err != nil || !ok || !v {
		t.Fatalf("GetBool = %v, %v, %v", v, ok, err)
	}
	if _, ok := kv.GetString("missing", "key"); ok {
		t.Fatalf("expected missing group to report absent")
	}
}

func TestParseGroupedDocument(t *testing.T) {
	data := []byte("# comment\n[metadata]\nmax_size=100\nsize=0\nhead=0\n\n[other]\nfoo=bar\n")
	kv, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if v, ok, _ := kv.GetUint64("metadata", "max_size"); !ok || v != 100 {
		t.Fatalf("max_size = %d, %v", v, ok)
	}
	if v, ok := kv.GetString("other", "foo"); !ok || v != "bar" {
		t.Fatalf("foo = %q, %v", v, ok)
	}
}

func TestParseKeyOutsideGroupIsCorrupt(t *testing.T) {
	if _, err := Parse([]byte("key=value\n")); err == nil {
		t.Fatalf("expected error for key outside any group")
	}
}

func TestSaveLoadAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sidecar.metadata")

	kv := New()
	kv.SetUint64("metadata", "max_size", 4096)
	kv.SetUint64("metadata", "size", 128)
	kv.SetInt64("metadata", "head", 0)

	if err := kv.Save(path); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if v, ok, _ := loaded.GetUint64("metadata", "size"); !ok || v != 128 {
		t.Fatalf("size = %d, %v", v, ok)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error loading missing file")
	}
}
