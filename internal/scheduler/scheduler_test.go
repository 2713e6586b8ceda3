package scheduler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lantern-labs/metricsrecorder/internal/aggregatetally"
	"github.com/lantern-labs/metricsrecorder/internal/bootclock"
	"github.com/lantern-labs/metricsrecorder/internal/eventbuffer"
	"github.com/lantern-labs/metricsrecorder/internal/persistentcache"
	"github.com/lantern-labs/metricsrecorder/internal/reporter"
	"github.com/lantern-labs/metricsrecorder/internal/variant"

	"github.com/google/uuid"
)

type fakePerms struct {
	metricsEnabled, uploadingEnabled bool
}

func (f fakePerms) MetricsEnabled() bool            { return f.metricsEnabled }
func (f fakePerms) UploadingEnabled() bool          { return f.uploadingEnabled }
func (f fakePerms) Environment() string             { return "test" }
func (f fakePerms) SiteID() map[string]string       { return map[string]string{"site": "lab"} }
func (f fakePerms) ImageVersion() string            { return "1.0" }
func (f fakePerms) BootType() reporter.BootType     { return reporter.BootNormal }

func newTestScheduler(t *testing.T, serverURL string) (*Scheduler, *eventbuffer.Buffer, *persistentcache.Handle) {
	t.Helper()
	dir := t.TempDir()
	clock := bootclock.NewFakeClock(1000, 2000, "boot-a")
	cache, err := persistentcache.New(dir, 65536, false, clock, nil)
	if err != nil {
		t.Fatalf("persistentcache.New: %v", err)
	}
	tally := aggregatetally.New(dir, nil)
	buffer := eventbuffer.New(100_000, 100_000, nil)

	var client *reporter.Client
	if serverURL != "" {
		client = reporter.NewClient(nil, serverURL)
	}

	sched := New(buffer, cache, tally, fakePerms{metricsEnabled: true, uploadingEnabled: true},
		func(ctx context.Context) bool { return true }, client, serverURL, 0, time.Minute, 1, nil)
	return sched, buffer, cache
}

func TestRunUploadTaskSucceedsAndDrainsCache(t *testing.T) {
	var received bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sched, buffer, cache := newTestScheduler(t, server.URL)
	_, err := cache.Store([]variant.Value{
		variant.Tuple(variant.UUID(uuid.New()), variant.String("1.0"), variant.Int(42), variant.Nothing()),
	})
	if err != nil {
		t.Fatalf("cache.Store: %v", err)
	}
	_ = buffer.Enqueue(variant.Tuple(variant.UUID(uuid.New()), variant.String("1.0"), variant.Int(43), variant.Nothing()))

	clock := bootclock.NewFakeClock(5000, 6000, "boot-a")
	if err := sched.RunUploadTask(context.Background(), clock, false); err != nil {
		t.Fatalf("RunUploadTask: %v", err)
	}
	if !received {
		t.Fatalf("server never received a request")
	}

	read, err := cache.Read(1 << 20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(read.Events) != 0 {
		t.Fatalf("expected cache drained after successful upload, got %d", len(read.Events))
	}
}

func TestRunUploadTaskExplicitIgnoresMaxUploadSize(t *testing.T) {
	var bodies [][]byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dir := t.TempDir()
	clock := bootclock.NewFakeClock(1000, 2000, "boot-a")
	cache, err := persistentcache.New(dir, 10_000_000, false, clock, nil)
	if err != nil {
		t.Fatalf("persistentcache.New: %v", err)
	}
	tally := aggregatetally.New(dir, nil)
	buffer := eventbuffer.New(100_000, 100_000, nil)
	client := reporter.NewClient(nil, server.URL)

	// maxUploadSize of 1 byte would force multiple ticks to drain this
	// many events; an explicit call must ignore that cap in one shot.
	sched := New(buffer, cache, tally, fakePerms{metricsEnabled: true, uploadingEnabled: true},
		func(ctx context.Context) bool { return true }, client, server.URL, 1, time.Minute, 1, nil)

	for i := 0; i < 20; i++ {
		_, err := cache.Store([]variant.Value{
			variant.Tuple(variant.UUID(uuid.New()), variant.String("1.0"), variant.Int(int64(i)), variant.Nothing()),
		})
		if err != nil {
			t.Fatalf("cache.Store: %v", err)
		}
	}

	if err := sched.RunUploadTask(context.Background(), clock, true); err != nil {
		t.Fatalf("RunUploadTask: %v", err)
	}

	read, err := cache.Read(1 << 20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(read.Events) != 0 {
		t.Fatalf("expected cache fully drained by one explicit upload, got %d events left", len(read.Events))
	}
	if len(bodies) != 1 {
		t.Fatalf("expected a single request for the explicit upload, got %d", len(bodies))
	}
}

func TestRunUploadTaskFailsFastWhenUploadingDisabled(t *testing.T) {
	sched, buffer, cache := newTestScheduler(t, "")
	sched.perms = fakePerms{metricsEnabled: true, uploadingEnabled: false}
	_ = buffer.Enqueue(variant.Uint(1))

	clock := bootclock.NewFakeClock(0, 0, "boot-a")
	err := sched.RunUploadTask(context.Background(), clock, false)
	if err == nil {
		t.Fatalf("expected error when uploading is disabled")
	}
	if buffer.Len() != 0 {
		t.Fatalf("expected buffer flushed to cache before abandoning task")
	}
	read, rerr := cache.Read(1 << 20)
	if rerr != nil {
		t.Fatalf("Read: %v", rerr)
	}
	if len(read.Events) != 1 {
		t.Fatalf("expected flushed event in cache, got %d", len(read.Events))
	}
}

func TestRunUploadTaskRetriesOnServerErrorThenSucceeds(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sched, buffer, _ := newTestScheduler(t, server.URL)
	_ = buffer.Enqueue(variant.Tuple(variant.UUID(uuid.New()), variant.String("1.0"), variant.Int(1), variant.Nothing()))

	clock := bootclock.NewFakeClock(0, 0, "boot-a")
	if err := sched.RunUploadTask(context.Background(), clock, false); err != nil {
		t.Fatalf("RunUploadTask: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestMidnightRollDrainsPreviousDayIntoBuffer(t *testing.T) {
	sched, buffer, _ := newTestScheduler(t, "")
	eventID := uuid.New()
	yesterday := time.Now().AddDate(0, 0, -1)

	if err := sched.tally.StoreEvent(aggregatetally.Daily, 1, eventID, variant.Nothing(), variant.Nothing(), 500, yesterday); err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}

	if err := sched.MidnightRoll(yesterday, false, 999, "1.0"); err != nil {
		t.Fatalf("MidnightRoll: %v", err)
	}
	if buffer.Len() != 1 {
		t.Fatalf("expected 1 buffered aggregate event after rollover, got %d", buffer.Len())
	}
}

func TestStartupDrainFlushesStaleTallies(t *testing.T) {
	sched, buffer, _ := newTestScheduler(t, "")
	eventID := uuid.New()
	old := time.Now().AddDate(0, 0, -5)

	if err := sched.tally.StoreEvent(aggregatetally.Daily, 1, eventID, variant.Nothing(), variant.Nothing(), 10, old); err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}

	if err := sched.StartupDrain(time.Now(), "1.0"); err != nil {
		t.Fatalf("StartupDrain: %v", err)
	}
	if buffer.Len() != 1 {
		t.Fatalf("expected stale tally flushed into buffer, got %d", buffer.Len())
	}
}
