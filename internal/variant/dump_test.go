package variant

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestDebugDumpRendersNestedTuple(t *testing.T) {
	id := uuid.New()
	v := Tuple(UUID(id), String("1.0"), Int(42), Just(String("payload")))

	out, err := v.DebugDump()
	if err != nil {
		t.Fatalf("DebugDump: %v", err)
	}
	if !strings.Contains(out, id.String()) {
		t.Fatalf("expected dump to contain uuid %s, got:\n%s", id.String(), out)
	}
	if !strings.Contains(out, "payload") {
		t.Fatalf("expected dump to contain maybe payload, got:\n%s", out)
	}
}

func TestDebugDumpRendersNothingAsNull(t *testing.T) {
	out, err := Nothing().DebugDump()
	if err != nil {
		t.Fatalf("DebugDump: %v", err)
	}
	if strings.TrimSpace(out) != "null" {
		t.Fatalf("expected null, got %q", out)
	}
}
