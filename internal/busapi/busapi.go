// Package busapi declares the event recorder bus surface from
// SPEC_FULL.md §6 as a plain Go interface, standing in for the local bus
// service that is out of scope for this module. internal/daemon.Daemon is
// the production implementation.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package busapi

import (
	"github.com/google/uuid"

	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

// TimerHandle is an opaque token standing in for the bus object path a real
// StartAggregateTimer call would hand back.
type TimerHandle uint64

// Recorder is the event recorder bus API from SPEC_FULL.md §6.
type Recorder interface {
	// RecordSingularEvent buffers a singular event; there is no reply value.
	RecordSingularEvent(user uint32, eventID uuid.UUID, relativeTime int64, payload *variant.Value) error

	// EnqueueAggregateEvent buffers an aggregate event; there is no reply.
	EnqueueAggregateEvent(eventID uuid.UUID, periodStart string, count uint32, payload *variant.Value) error

	// StartAggregateTimer returns an opaque timer handle, or fails with
	// MetricsDisabled or InvalidEventId.
	StartAggregateTimer(sender string, user uint32, eventID uuid.UUID, payload *variant.Value) (TimerHandle, error)

	// StopAggregateTimer stops and tallies daily+monthly, then destroys the
	// timer.
	StopAggregateTimer(h TimerHandle) error

	// SetEnabled updates persisted permission after an authorization check.
	SetEnabled(enabled bool) error

	// UploadEvents enqueues an immediate upload task.
	UploadEvents() error
}
