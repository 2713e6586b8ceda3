// Package eventbuffer implements the in-memory, byte-quota FIFO from
// SPEC_FULL.md §4.6's Buffering section: RecordSingularEvent and
// EnqueueAggregateEvent land here first, and are later flushed into the
// persistent cache by the scheduler.
//
// The "reject over quota, warn once per process lifetime" policy is
// grounded on the teacher's BoreasLite ring buffer (agilira/argus
// boreaslite.go), which rejects writes past its capacity rather than
// blocking the producer and tracks a similar once-only drop counter for
// diagnostics.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package eventbuffer

import (
	"sync"

	"github.com/lantern-labs/metricsrecorder/internal/logging"
	"github.com/lantern-labs/metricsrecorder/internal/persistentcache"
	"github.com/lantern-labs/metricsrecorder/internal/recorderrors"
	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

// DefaultMaxPayloadBytes is the per-request payload limit from §4.6: a
// single event whose Cost exceeds this is rejected outright.
const DefaultMaxPayloadBytes = 100_000

// DefaultMaxBytesBuffered is the total in-memory buffer quota from §4.6.
const DefaultMaxBytesBuffered = 100_000

// Buffer is a FIFO of buffered events bounded by total serialized bytes.
type Buffer struct {
	mu sync.Mutex

	maxPayloadBytes  int
	maxBytesBuffered int

	events       []variant.Value
	bufferedSize int

	overflowWarned bool
	logger         *logging.Logger
}

// New returns an empty Buffer. A zero value for either limit selects the
// §4.6 default.
func New(maxPayloadBytes, maxBytesBuffered int, logger *logging.Logger) *Buffer {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	if maxBytesBuffered <= 0 {
		maxBytesBuffered = DefaultMaxBytesBuffered
	}
	if logger == nil {
		logger = logging.Default("eventbuffer")
	}
	return &Buffer{maxPayloadBytes: maxPayloadBytes, maxBytesBuffered: maxBytesBuffered, logger: logger}
}

// Enqueue appends event to the buffer, applying both the per-event payload
// limit and the total-buffered-bytes quota. It rejects the event (without
// mutating buffer state) when either limit would be exceeded; the overflow
// warning is logged at most once per Buffer lifetime.
func (b *Buffer) Enqueue(event variant.Value) error {
	cost := event.Cost()

	b.mu.Lock()
	defer b.mu.Unlock()

	if cost > b.maxPayloadBytes {
		return recorderrors.Newf(recorderrors.CodeBufferFull,
			"eventbuffer: event cost %d exceeds per-request limit %d", cost, b.maxPayloadBytes)
	}
	if b.bufferedSize+cost > b.maxBytesBuffered {
		if !b.overflowWarned {
			b.logger.Warnf("event buffer quota (%d bytes) exceeded; dropping events until drained", b.maxBytesBuffered)
			b.overflowWarned = true
		}
		return recorderrors.Newf(recorderrors.CodeBufferFull,
			"eventbuffer: buffering event would exceed quota of %d bytes", b.maxBytesBuffered)
	}

	b.events = append(b.events, event)
	b.bufferedSize += cost
	return nil
}

// Len returns the number of currently buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Bytes returns the total serialized size of currently buffered events.
func (b *Buffer) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferedSize
}

// Peek returns up to byteBudget bytes' worth of events from the front of
// the buffer without removing them, for use when building an upload body.
func (b *Buffer) Peek(byteBudget int) []variant.Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peekLocked(byteBudget)
}

func (b *Buffer) peekLocked(byteBudget int) []variant.Value {
	var used int
	var out []variant.Value
	for _, ev := range b.events {
		cost := ev.Cost()
		if used+cost > byteBudget && len(out) > 0 {
			break
		}
		out = append(out, ev)
		used += cost
		if used >= byteBudget {
			break
		}
	}
	return out
}

// DropFront removes the first n events from the buffer, used after they
// have been durably committed elsewhere (uploaded or flushed to cache).
func (b *Buffer) DropFront(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.events) {
		n = len(b.events)
	}
	for i := 0; i < n; i++ {
		b.bufferedSize -= b.events[i].Cost()
	}
	b.events = append([]variant.Value(nil), b.events[n:]...)
}

// DrainAll removes and returns every buffered event, used when flushing to
// the persistent cache or clearing state on a permissions change.
func (b *Buffer) DrainAll() []variant.Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	b.bufferedSize = 0
	return out
}

// FlushToCache implements the §4.6 "flush-to-cache" policy: as many
// buffered events as fit are moved into the persistent cache in one batch,
// and the committed prefix is removed from the in-memory buffer.
func (b *Buffer) FlushToCache(target *persistentcache.Handle) error {
	b.mu.Lock()
	events := append([]variant.Value(nil), b.events...)
	b.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	result, err := target.Store(events)
	if err != nil {
		return err
	}
	if result.Stored > 0 {
		b.DropFront(result.Stored)
	}
	return nil
}
