// Package scheduler implements the upload scheduler, retry/backoff, and
// midnight rollover loop from SPEC_FULL.md §4.6 and §5: single-flight
// upload tasks, each run to completion on the caller's goroutine, each attempting the build-compress-PUT
// sequence against the persistent cache and event buffer, backing off
// between retries, and observing cancellation from a permissions change.
//
// The single-flight upload task with an in-flight cancel func is grounded
// on the teacher's BoreasLite writer coordination (agilira/argus
// boreaslite.go), which likewise serializes one active operation behind a
// mutex rather than letting callers race; the retry/backoff loop is
// grounded on remote_config.go's loadWithRetries, generalized from a fixed
// retry count and delay to §4.6's exponential-with-jitter schedule.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package scheduler

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lantern-labs/metricsrecorder/internal/aggregatetally"
	"github.com/lantern-labs/metricsrecorder/internal/bootclock"
	"github.com/lantern-labs/metricsrecorder/internal/eventbuffer"
	"github.com/lantern-labs/metricsrecorder/internal/logging"
	"github.com/lantern-labs/metricsrecorder/internal/persistentcache"
	"github.com/lantern-labs/metricsrecorder/internal/recorderrors"
	"github.com/lantern-labs/metricsrecorder/internal/reporter"
	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

// NetworkAttemptLimit bounds retries of a single upload task per §4.6.
const NetworkAttemptLimit = 8

// DefaultMaxUploadSize bounds how many cache bytes a single upload drains.
const DefaultMaxUploadSize = 100_000

// Permissions exposes the authorization state an upload task must consult.
// The daemon package implements this against its persisted config.
type Permissions interface {
	MetricsEnabled() bool
	UploadingEnabled() bool
	Environment() string
	SiteID() map[string]string
	ImageVersion() string
	BootType() reporter.BootType
}

// Prober probes asynchronous host reachability before an upload attempt.
type Prober func(ctx context.Context) bool

// Scheduler runs upload tasks (with retry and backoff) and the midnight
// rollover over its registered timers. It holds no task queue, ticker or
// midnight timer; the caller's loop decides when to invoke each.
type Scheduler struct {
	mu sync.Mutex

	buffer *eventbuffer.Buffer
	cache  *persistentcache.Handle
	tally  *aggregatetally.Tally

	perms        Permissions
	prober       Prober
	client       *reporter.Client
	serverURL    string
	maxUploadSz  int
	sendInterval time.Duration

	rng *rand.Rand

	cancelInFlight context.CancelFunc
	logger         *logging.Logger

	timers []TimerEntry
}

// TimerEntry is the subset of an aggregatetimer.Handle the scheduler needs
// to drive midnight rollover without importing the daemon's full registry.
type TimerEntry interface {
	Split(monotonicNow int64)
	Store(tally *aggregatetally.Tally, kind aggregatetally.PeriodKind, date time.Time, monotonicNow int64) error
}

// New builds a Scheduler. rngSeed pins the jitter source for deterministic
// tests; production callers pass time.Now().UnixNano().
func New(buffer *eventbuffer.Buffer, cache *persistentcache.Handle, tally *aggregatetally.Tally,
	perms Permissions, prober Prober, client *reporter.Client, serverURLTemplate string,
	maxUploadSize int, sendInterval time.Duration, rngSeed int64, logger *logging.Logger) *Scheduler {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	if logger == nil {
		logger = logging.Default("scheduler")
	}
	return &Scheduler{
		buffer:       buffer,
		cache:        cache,
		tally:        tally,
		perms:        perms,
		prober:       prober,
		client:       client,
		serverURL:    serverURLTemplate,
		maxUploadSz:  maxUploadSize,
		sendInterval: sendInterval,
		rng:          rand.New(rand.NewSource(rngSeed)),
		logger:       logger,
	}
}

// CancelInFlight aborts the currently running upload attempt, if any, with
// a distinguished cancelled error that is never retried. Called on a
// permissions change.
func (s *Scheduler) CancelInFlight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelInFlight != nil {
		s.cancelInFlight()
		s.cancelInFlight = nil
	}
}

// RunUploadTask executes the §4.6 upload task algorithm to completion,
// including retries, blocking the caller. Callers run this on the
// daemon's single loop goroutine, one task at a time, per §5. explicit
// distinguishes a caller-requested upload (UploadEvents, which drains the
// cache with an effectively unbounded budget) from a timer-driven tick
// (which is capped at maxUploadSz), per spec.md's stated split.
func (s *Scheduler) RunUploadTask(ctx context.Context, clock bootclock.Clock, explicit bool) error {
	if !s.perms.MetricsEnabled() || !s.perms.UploadingEnabled() {
		if !s.perms.UploadingEnabled() {
			if err := s.buffer.FlushToCache(s.cache); err != nil {
				s.logger.Warnf("flush to cache before abandoning upload task: %v", err)
			}
		}
		code := recorderrors.CodeMetricsDisabled
		if !s.perms.UploadingEnabled() {
			code = recorderrors.CodeUploadingDisabled
		}
		return recorderrors.New(code, "scheduler: upload task abandoned, uploading is disabled")
	}

	for attempt := 1; attempt <= NetworkAttemptLimit; attempt++ {
		taskCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancelInFlight = cancel
		s.mu.Unlock()

		outcome, err := s.attempt(taskCtx, clock, explicit)
		cancelled := taskCtx.Err() != nil

		s.mu.Lock()
		s.cancelInFlight = nil
		s.mu.Unlock()
		cancel()

		if cancelled && outcome != reporter.Success {
			return recorderrors.Wrap(err, recorderrors.CodeCancelled, "scheduler: upload cancelled")
		}

		switch outcome {
		case reporter.Success:
			return nil
		case reporter.Permanent:
			if flushErr := s.buffer.FlushToCache(s.cache); flushErr != nil {
				s.logger.Warnf("flush to cache after permanent upload failure: %v", flushErr)
			}
			return err
		case reporter.Retryable:
			if attempt == NetworkAttemptLimit {
				if flushErr := s.buffer.FlushToCache(s.cache); flushErr != nil {
					s.logger.Warnf("flush to cache after exhausting retries: %v", flushErr)
				}
				return recorderrors.Wrap(err, recorderrors.CodeRetryableNetwork, "scheduler: exhausted retry attempts")
			}
			if waitErr := s.waitBackoff(ctx, attempt); waitErr != nil {
				return waitErr
			}
		}
	}
	return nil
}

// attempt performs steps 3-5 of the §4.6 algorithm once: reachability
// probe, body construction, compression, and PUT.
func (s *Scheduler) attempt(ctx context.Context, clock bootclock.Clock, explicit bool) (reporter.Outcome, error) {
	if s.prober != nil && !s.prober(ctx) {
		if flushErr := s.buffer.FlushToCache(s.cache); flushErr != nil {
			s.logger.Warnf("flush to cache after unreachable host: %v", flushErr)
		}
		return reporter.Retryable, recorderrors.New(recorderrors.CodeRetryableNetwork, "scheduler: host unreachable")
	}

	url := reporter.ResolveEnvironment(s.serverURL, s.perms.Environment())
	client := s.client
	if client == nil {
		client = reporter.NewClient(nil, url)
	}

	maxBytes := s.maxUploadSz
	if explicit {
		maxBytes = math.MaxInt
	}
	singulars, aggregates, cacheToken, nBufferEvents, err := s.buildBody(maxBytes)
	if err != nil {
		return reporter.Permanent, err
	}

	relative, err := s.cache.RelativeTime()
	if err != nil {
		return reporter.Permanent, err
	}

	body := reporter.Body{
		RelativeTime: relative,
		AbsoluteTime: clock.Wall(),
		ImageVersion: s.perms.ImageVersion(),
		SiteID:       s.perms.SiteID(),
		BootType:     s.perms.BootType(),
		Singulars:    singulars,
		Aggregates:   aggregates,
	}

	outcome, putErr := client.Put(ctx, body.Encode())
	if outcome != reporter.Success {
		return outcome, putErr
	}

	if err := s.cache.Remove(cacheToken); err != nil {
		return reporter.Permanent, err
	}
	s.buffer.DropFront(nBufferEvents)
	if err := s.buffer.FlushToCache(s.cache); err != nil {
		s.logger.Warnf("flush remaining buffer after successful upload: %v", err)
	}
	return reporter.Success, nil
}

// buildBody drains up to maxBytes from the persistent cache, then tops up
// from the in-memory buffer, per §4.6 step 4.
func (s *Scheduler) buildBody(maxBytes int) (singulars, aggregates []variant.Value, cacheToken uint64, nBufferEvents int, err error) {
	read, err := s.cache.Read(uint64(maxBytes))
	if err != nil {
		return nil, nil, 0, 0, err
	}
	used := 0
	for _, ev := range read.Events {
		used += ev.Cost()
		classifyInto(ev, &singulars, &aggregates)
	}
	cacheToken = read.Token

	if !s.cache.FileHasMore(cacheToken) {
		remaining := maxBytes - used
		if remaining > 0 {
			buffered := s.buffer.Peek(remaining)
			for _, ev := range buffered {
				classifyInto(ev, &singulars, &aggregates)
			}
			nBufferEvents = len(buffered)
		}
	}
	return singulars, aggregates, cacheToken, nBufferEvents, nil
}

// classifyInto routes a decoded event tuple into the singulars or
// aggregates bucket based on its arity: a 4-tuple is a singular event
// (UUID, os_version, relative_time, maybe payload), a 5-tuple is an
// aggregate (UUID, os_version, period_start, count, maybe payload).
func classifyInto(ev variant.Value, singulars, aggregates *[]variant.Value) {
	if ev.Kind != variant.KindTuple {
		return
	}
	switch len(ev.Items) {
	case 4:
		*singulars = append(*singulars, ev)
	case 5:
		*aggregates = append(*aggregates, ev)
	}
}

// waitBackoff sleeps round(base * U[1,2)) seconds where base = 2^(attempt-1),
// per §4.6's backoff formula, observing ctx cancellation.
func (s *Scheduler) waitBackoff(ctx context.Context, attempt int) error {
	base := math.Pow(2, float64(attempt-1))
	jitter := 1 + s.rng.Float64() // U[1,2)
	delay := time.Duration(math.Round(base*jitter)) * time.Second

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return recorderrors.Wrap(ctx.Err(), recorderrors.CodeCancelled, "scheduler: cancelled during backoff")
	}
}

// Tick returns a new ticker firing every sendInterval. cmd/metricsrecorderd's
// run loop does not call it; it builds its own upload ticker.
func (s *Scheduler) Tick() *time.Ticker {
	return time.NewTicker(s.sendInterval)
}

// RegisterTimer adds an open aggregate timer to the set that MidnightRoll
// splits and flushes. UnregisterTimer removes it on Stop.
func (s *Scheduler) RegisterTimer(t TimerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = append(s.timers, t)
}

// UnregisterTimer removes a timer previously passed to RegisterTimer.
func (s *Scheduler) UnregisterTimer(t TimerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.timers {
		if existing == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

// EncodeAggregateEvent renders a drained tally entry as the §6 wire tuple
// (UUID, os_version, period_start, count, maybe payload).
func EncodeAggregateEvent(entry aggregatetally.Entry, osVersion string) variant.Value {
	payload := entry.Payload
	if payload.Kind != variant.KindMaybe {
		payload = variant.Just(payload)
	}
	return variant.Tuple(
		variant.UUID(entry.EventID),
		variant.String(osVersion),
		variant.String(entry.Date),
		variant.Uint(uint64(entry.Counter)),
		payload,
	)
}

// MidnightRoll implements the §4.6 midnight roll loop: for every open
// timer, its current period tally is written at the previous day's (and,
// if the month changed, previous month's) date, those tallies are drained
// into buffered aggregate events, and every timer is split to newNow.
func (s *Scheduler) MidnightRoll(previousDay time.Time, monthChanged bool, newNow int64, osVersion string) error {
	s.mu.Lock()
	timers := append([]TimerEntry(nil), s.timers...)
	s.mu.Unlock()

	for _, t := range timers {
		if err := t.Store(s.tally, aggregatetally.Daily, previousDay, newNow); err != nil {
			return err
		}
		if monthChanged {
			if err := t.Store(s.tally, aggregatetally.Monthly, previousDay, newNow); err != nil {
				return err
			}
		}
	}

	if err := s.drainPeriod(aggregatetally.Daily, previousDay, osVersion); err != nil {
		return err
	}
	if monthChanged {
		if err := s.drainPeriod(aggregatetally.Monthly, previousDay, osVersion); err != nil {
			return err
		}
	}

	for _, t := range timers {
		t.Split(newNow)
	}
	return nil
}

// StartupDrain flushes any tallies left behind across a prior shutdown,
// per §4.6's "on startup, iter_before(today) on both period kinds".
func (s *Scheduler) StartupDrain(today time.Time, osVersion string) error {
	var outerErr error
	drain := func(kind aggregatetally.PeriodKind) {
		err := s.tally.IterBefore(kind, today, aggregatetally.IterFlags{Delete: true}, func(e aggregatetally.Entry) bool {
			if enqErr := s.buffer.Enqueue(EncodeAggregateEvent(e, osVersion)); enqErr != nil {
				s.logger.Warnf("buffering stale tally entry at startup: %v", enqErr)
			}
			return false
		})
		if err != nil {
			outerErr = err
		}
	}
	drain(aggregatetally.Daily)
	drain(aggregatetally.Monthly)
	return outerErr
}

func (s *Scheduler) drainPeriod(kind aggregatetally.PeriodKind, date time.Time, osVersion string) error {
	return s.tally.Iter(kind, date, aggregatetally.IterFlags{Delete: true}, func(e aggregatetally.Entry) bool {
		if err := s.buffer.Enqueue(EncodeAggregateEvent(e, osVersion)); err != nil {
			s.logger.Warnf("buffering rolled-over tally entry: %v", err)
		}
		return false
	})
}

// NextMidnight returns the next local midnight strictly after now.
func NextMidnight(now time.Time) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
