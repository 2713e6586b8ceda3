// Package daemon wires every SPEC_FULL.md §4 component behind one Daemon
// value. cmd/metricsrecorderd's run loop drives it on timer fires and
// config-file changes; bus calls are direct method calls on the Daemon.
// The persistent cache's corrupt-metadata retry-with-reinitialize policy
// from §7 is applied at construction.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-labs/metricsrecorder/internal/aggregatetally"
	"github.com/lantern-labs/metricsrecorder/internal/aggregatetally/sqliteindex"
	"github.com/lantern-labs/metricsrecorder/internal/aggregatetimer"
	"github.com/lantern-labs/metricsrecorder/internal/bootclock"
	"github.com/lantern-labs/metricsrecorder/internal/busapi"
	"github.com/lantern-labs/metricsrecorder/internal/daemonconfig"
	"github.com/lantern-labs/metricsrecorder/internal/eventbuffer"
	"github.com/lantern-labs/metricsrecorder/internal/logging"
	"github.com/lantern-labs/metricsrecorder/internal/persistentcache"
	"github.com/lantern-labs/metricsrecorder/internal/recorderrors"
	"github.com/lantern-labs/metricsrecorder/internal/reporter"
	"github.com/lantern-labs/metricsrecorder/internal/scheduler"
	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

// Options configures a Daemon at construction.
type Options struct {
	ConfigDir    string
	CacheDir     string
	MaxCacheSize uint64
	ImageVersion string
	BootType     reporter.BootType
	ServerURL    string
	SendInterval time.Duration
	MaxUploadSz  int
	// MaxBytesBuffered is the in-memory event buffer's total byte quota
	// (spec.md's max_bytes_buffered tunable). Zero selects
	// eventbuffer.DefaultMaxBytesBuffered.
	MaxBytesBuffered int
	Clock            bootclock.Clock
	Prober           scheduler.Prober
	HTTPClient       *reporter.Client
	Logger           *logging.Logger
}

// Daemon implements busapi.Recorder and owns the daemon state. The
// permissions and the timer and sender maps are guarded by mu; the event
// buffer has its own lock, and the persistent cache and aggregate tally are
// not locked by Daemon.
type Daemon struct {
	mu sync.Mutex

	opts   Options
	logger *logging.Logger
	clock  bootclock.Clock

	buffer *eventbuffer.Buffer
	cache  *persistentcache.Handle
	tally  *aggregatetally.Tally
	sched  *scheduler.Scheduler

	perms daemonconfig.Permissions

	timers    map[busapi.TimerHandle]*aggregatetimer.Handle
	senders   map[string]map[busapi.TimerHandle]bool
	nextToken busapi.TimerHandle
}

// New constructs a Daemon, applying §7's "corrupt metadata: retry once
// with reinitialize" policy to the persistent cache.
func New(opts Options) (*Daemon, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Default("daemon")
	}
	if opts.Clock == nil {
		opts.Clock = bootclock.NewRealClock()
	}

	perms, err := daemonconfig.LoadPermissions(opts.ConfigDir)
	if err != nil {
		return nil, err
	}

	cache, err := persistentcache.New(opts.CacheDir, opts.MaxCacheSize, false, opts.Clock, opts.Logger)
	if err != nil {
		if !recorderrors.Is(err, recorderrors.CodeCircularFileInvalid) {
			return nil, err
		}
		opts.Logger.Warnf("persistent cache metadata corrupt, reinitializing: %v", err)
		cache, err = persistentcache.New(opts.CacheDir, opts.MaxCacheSize, true, opts.Clock, opts.Logger)
		if err != nil {
			return nil, err
		}
	}

	tally := aggregatetally.New(opts.CacheDir, opts.Logger)
	if index, indexErr := sqliteindex.Open(opts.CacheDir); indexErr != nil {
		opts.Logger.Warnf("opening optional tally sqlite index: %v", indexErr)
	} else {
		tally = tally.WithIndex(index)
	}
	maxBytesBuffered := opts.MaxBytesBuffered
	if maxBytesBuffered <= 0 {
		maxBytesBuffered = eventbuffer.DefaultMaxBytesBuffered
	}
	buffer := eventbuffer.New(eventbuffer.DefaultMaxPayloadBytes, maxBytesBuffered, opts.Logger)

	d := &Daemon{
		opts:    opts,
		logger:  opts.Logger,
		clock:   opts.Clock,
		buffer:  buffer,
		cache:   cache,
		tally:   tally,
		perms:   perms,
		timers:  make(map[busapi.TimerHandle]*aggregatetimer.Handle),
		senders: make(map[string]map[busapi.TimerHandle]bool),
	}

	d.sched = scheduler.New(buffer, cache, tally, d, opts.Prober, opts.HTTPClient, opts.ServerURL,
		opts.MaxUploadSz, opts.SendInterval, time.Now().UnixNano(), opts.Logger)

	return d, nil
}

// Permissions accessors satisfy scheduler.Permissions.
func (d *Daemon) MetricsEnabled() bool        { d.mu.Lock(); defer d.mu.Unlock(); return d.perms.Enabled }
func (d *Daemon) UploadingEnabled() bool      { d.mu.Lock(); defer d.mu.Unlock(); return d.perms.UploadingEnabled }
func (d *Daemon) Environment() string         { d.mu.Lock(); defer d.mu.Unlock(); return d.perms.Environment }
func (d *Daemon) SiteID() map[string]string   { return map[string]string{} }
func (d *Daemon) ImageVersion() string        { return d.opts.ImageVersion }
func (d *Daemon) BootType() reporter.BootType { return d.opts.BootType }

// RecordSingularEvent buffers a singular event tuple
// (event_id, os_version, relative_time, maybe payload), silently dropping
// it when recording is disabled per §7.
func (d *Daemon) RecordSingularEvent(user uint32, eventID uuid.UUID, relativeTime int64, payload *variant.Value) error {
	if !d.MetricsEnabled() {
		return nil
	}
	record := variant.Tuple(variant.UUID(eventID), variant.String(d.opts.ImageVersion), variant.Int(relativeTime), wrapPayload(payload))
	return d.buffer.Enqueue(record)
}

// EnqueueAggregateEvent buffers a caller-supplied aggregate event tuple
// (event_id, os_version, period_start, count, maybe payload).
func (d *Daemon) EnqueueAggregateEvent(eventID uuid.UUID, periodStart string, count uint32, payload *variant.Value) error {
	if !d.MetricsEnabled() {
		return nil
	}
	record := variant.Tuple(variant.UUID(eventID), variant.String(d.opts.ImageVersion), variant.String(periodStart), variant.Uint(uint64(count)), wrapPayload(payload))
	return d.buffer.Enqueue(record)
}

// StartAggregateTimer creates a running timer and registers it for
// midnight rollover and sender-disappearance cleanup.
func (d *Daemon) StartAggregateTimer(sender string, user uint32, eventID uuid.UUID, payload *variant.Value) (busapi.TimerHandle, error) {
	if !d.MetricsEnabled() {
		return 0, recorderrors.New(recorderrors.CodeMetricsDisabled, "daemon: metrics disabled")
	}
	if eventID == uuid.Nil {
		return 0, recorderrors.New(recorderrors.CodeInvalidEventID, "daemon: invalid event id")
	}

	now := d.clock.Monotonic()
	handle := aggregatetimer.Start(sender, user, eventID, variant.Nothing(), wrapPayload(payload), now)

	d.mu.Lock()
	d.nextToken++
	token := d.nextToken
	d.timers[token] = handle
	if d.senders[sender] == nil {
		d.senders[sender] = make(map[busapi.TimerHandle]bool)
	}
	d.senders[sender][token] = true
	d.mu.Unlock()

	d.sched.RegisterTimer(timerAdapter{handle})
	return token, nil
}

// StopAggregateTimer stops and tallies daily+monthly, then destroys the
// timer.
func (d *Daemon) StopAggregateTimer(h busapi.TimerHandle) error {
	d.mu.Lock()
	handle, ok := d.timers[h]
	if ok {
		delete(d.timers, h)
		for sender, tokens := range d.senders {
			delete(tokens, h)
			if len(tokens) == 0 {
				delete(d.senders, sender)
			}
		}
	}
	d.mu.Unlock()

	if !ok {
		return recorderrors.New(recorderrors.CodeInvalidEventID, "daemon: unknown timer handle")
	}

	d.sched.UnregisterTimer(timerAdapter{handle})
	return handle.Stop(d.tally, time.Now(), d.clock.Monotonic())
}

// DropSender stops and destroys every timer owned by sender, per the §3
// invariant "when the sender's local-bus name vanishes all its timers are
// stopped."
func (d *Daemon) DropSender(sender string) {
	d.mu.Lock()
	tokens := make([]busapi.TimerHandle, 0, len(d.senders[sender]))
	for token := range d.senders[sender] {
		tokens = append(tokens, token)
	}
	d.mu.Unlock()

	for _, token := range tokens {
		if err := d.StopAggregateTimer(token); err != nil {
			d.logger.Warnf("stopping orphaned timer for vanished sender %s: %v", sender, err)
		}
	}
}

// SetEnabled updates persisted permission. Transitioning to disabled
// discards buffered events, drops all timers, purges the persistent
// cache, clears the aggregate tally, and cancels any in-flight upload,
// per §4.6's "Permission change" rule.
func (d *Daemon) SetEnabled(enabled bool) error {
	d.mu.Lock()
	wasEnabled := d.perms.Enabled
	d.perms.Enabled = enabled
	perms := d.perms
	d.mu.Unlock()

	if err := daemonconfig.SavePermissions(d.opts.ConfigDir, perms); err != nil {
		return err
	}

	if wasEnabled && !enabled {
		d.sched.CancelInFlight()
		d.buffer.DrainAll()
		if err := d.cache.Purge(); err != nil {
			return err
		}
		if err := d.tally.Clear(); err != nil {
			return err
		}
		d.mu.Lock()
		for sender := range d.senders {
			delete(d.senders, sender)
		}
		for token, handle := range d.timers {
			d.sched.UnregisterTimer(timerAdapter{handle})
			delete(d.timers, token)
		}
		d.mu.Unlock()
	}
	return nil
}

// UploadEvents runs an explicit, caller-requested upload task to
// completion with an effectively unbounded cache-drain budget, as opposed
// to a timer-driven tick's capped budget.
func (d *Daemon) UploadEvents() error {
	return d.sched.RunUploadTask(context.Background(), d.clock, true)
}

// RunScheduledUpload runs the periodic, timer-driven upload task, capped
// at the scheduler's configured maxUploadSz per tick.
func (d *Daemon) RunScheduledUpload() error {
	return d.sched.RunUploadTask(context.Background(), d.clock, false)
}

// ApplyConfigChange reacts to a daemonconfig.Change delivered from the
// config watcher's goroutine; it is the one state mutation allowed to
// originate off the main loop per §5, and should be dispatched to the
// loop rather than called directly from the watcher goroutine in
// production wiring.
func (d *Daemon) ApplyConfigChange(change daemonconfig.Change) {
	switch change.Kind {
	case daemonconfig.PermissionsChanged:
		d.mu.Lock()
		d.perms = change.Permissions
		d.mu.Unlock()
	case daemonconfig.CacheSizeChanged:
		d.logger.Infof("cache size limit changed to %d bytes (applies on next restart)", change.CacheSize)
	}
}

// RunMidnightRoll performs one iteration of the §4.6 midnight roll loop.
func (d *Daemon) RunMidnightRoll(now time.Time, monthChanged bool) error {
	previousDay := now.AddDate(0, 0, -1)
	return d.sched.MidnightRoll(previousDay, monthChanged, d.clock.Monotonic(), d.opts.ImageVersion)
}

// RunStartupDrain flushes tallies left behind across a prior shutdown.
func (d *Daemon) RunStartupDrain() error {
	return d.sched.StartupDrain(time.Now(), d.opts.ImageVersion)
}

func wrapPayload(payload *variant.Value) variant.Value {
	if payload == nil {
		return variant.Nothing()
	}
	return variant.Just(*payload)
}

// timerAdapter satisfies scheduler.TimerEntry for an *aggregatetimer.Handle.
type timerAdapter struct {
	h *aggregatetimer.Handle
}

func (t timerAdapter) Split(monotonicNow int64) { t.h.Split(monotonicNow) }
func (t timerAdapter) Store(tally *aggregatetally.Tally, kind aggregatetally.PeriodKind, date time.Time, monotonicNow int64) error {
	return t.h.Store(tally, kind, date, monotonicNow)
}

var _ busapi.Recorder = (*Daemon)(nil)
