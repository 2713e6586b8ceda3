// Package aggregatetimer implements the in-memory aggregate timer handle
// from SPEC_FULL.md §4.5: a running accumulator that periodically flushes
// elapsed milliseconds into an aggregatetally.Tally as a counter, keyed by
// sender identity, user, event id, and aggregate key.
//
// The handle/hash-key/equal trio is grounded on the teacher's debounced
// watcher registration (agilira/argus's file watch list keyed by a string
// computed from path+pattern so duplicate Watch calls collapse into one
// entry); here the cache key collapses duplicate concurrent timers from the
// same bus sender instead of duplicate watches.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package aggregatetimer

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-labs/metricsrecorder/internal/aggregatetally"
	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

// monthlyLabel is the UUIDv5 name used to derive monthly_event_id; the
// daily event id serves as the namespace (see Start).
var monthlyLabel = []byte("monthly")

// Handle is a running aggregate timer, owned by the daemon for the
// lifetime of one bus method call's StartTimer/StopTimer pair.
type Handle struct {
	Sender         string
	UserID         uint32
	DailyEventID   uuid.UUID
	MonthlyEventID uuid.UUID
	AggregateKey   variant.Value
	Payload        variant.Value // Nothing() if absent

	startMonotonic int64
	cacheKey       string
}

// Start creates a new timer handle. monthly_event_id is derived from
// eventID by name-based UUIDv5 with the label "monthly", so the same daily
// event id always maps to the same monthly id.
func Start(sender string, userID uint32, eventID uuid.UUID, aggregateKey, payload variant.Value, startMonotonic int64) *Handle {
	h := &Handle{
		Sender:         sender,
		UserID:         userID,
		DailyEventID:   eventID,
		MonthlyEventID: uuid.NewSHA1(eventID, monthlyLabel),
		AggregateKey:   aggregateKey,
		Payload:        payload,
		startMonotonic: startMonotonic,
	}
	h.cacheKey = cacheKeyString(sender, userID, eventID, aggregateKey, payload)
	return h
}

// cacheKeyString is the canonical printed form of
// (sender, user, event_id, aggregate_key, payload) used for Hash/Equal.
func cacheKeyString(sender string, userID uint32, eventID uuid.UUID, aggregateKey, payload variant.Value) string {
	return fmt.Sprintf("%s\x00%d\x00%s\x00%x\x00%x",
		sender, userID, eventID.String(), aggregateKey.Encode(), payload.Encode())
}

// Split resets start_monotonic to monotonicNow without flushing a counter,
// used at midnight rollover so elapsed time already credited to the
// previous period is never double-counted in the next one.
func (h *Handle) Split(monotonicNow int64) {
	h.startMonotonic = monotonicNow
}

// Store computes counter = clamp((monotonicNow - start_monotonic) / 1ms, 0,
// u32::MAX) and records it against the tally under the period's event id
// (monthly_event_id for Monthly, daily_event_id otherwise).
func (h *Handle) Store(tally *aggregatetally.Tally, kind aggregatetally.PeriodKind, date time.Time, monotonicNow int64) error {
	counter := h.elapsedMillisClamped(monotonicNow)
	eventID := h.DailyEventID
	if kind == aggregatetally.Monthly {
		eventID = h.MonthlyEventID
	}
	return tally.StoreEvent(kind, h.UserID, eventID, h.AggregateKey, h.Payload, int64(counter), date)
}

func (h *Handle) elapsedMillisClamped(monotonicNow int64) uint32 {
	elapsedNanos := monotonicNow - h.startMonotonic
	if elapsedNanos < 0 {
		return 0
	}
	millis := elapsedNanos / 1_000_000
	if millis > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(millis)
}

// Stop flushes both the daily and monthly period before the caller
// destroys the handle.
func (h *Handle) Stop(tally *aggregatetally.Tally, date time.Time, monotonicNow int64) error {
	if err := h.Store(tally, aggregatetally.Daily, date, monotonicNow); err != nil {
		return err
	}
	return h.Store(tally, aggregatetally.Monthly, date, monotonicNow)
}

// CacheKey returns the canonical printed form used for deduplication.
func (h *Handle) CacheKey() string { return h.cacheKey }

// Hash returns a value suitable for map bucketing; Equal is the
// authoritative comparison, this just speeds up lookup.
func (h *Handle) Hash() uint64 {
	var hash uint64 = 14695981039346656037 // FNV-1a offset basis
	for i := 0; i < len(h.cacheKey); i++ {
		hash ^= uint64(h.cacheKey[i])
		hash *= 1099511628211
	}
	return hash
}

// Equal reports whether two handles share the same cache key, i.e.
// represent the same (sender, user, event_id, aggregate_key, payload)
// tuple and should be deduplicated.
func (h *Handle) Equal(other *Handle) bool {
	if other == nil {
		return false
	}
	return h.cacheKey == other.cacheKey
}
