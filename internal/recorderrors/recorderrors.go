// Package recorderrors provides the typed, wrapped error taxonomy shared by
// every metricsrecorderd subsystem.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package recorderrors

import (
	"fmt"

	"github.com/agilira/go-errors"
)

// Error codes for daemon operations. These are surfaced to bus clients
// as-is (MetricsDisabled, UploadingDisabled, InvalidEventId) or consumed
// internally to decide retry/reset behavior.
const (
	CodeMetricsDisabled     = "RECORDER_METRICS_DISABLED"
	CodeUploadingDisabled   = "RECORDER_UPLOADING_DISABLED"
	CodeInvalidMachineID    = "RECORDER_INVALID_MACHINE_ID"
	CodeInvalidEventID      = "RECORDER_INVALID_EVENT_ID"
	CodeCacheCorrupt        = "RECORDER_CACHE_CORRUPT"
	CodeCacheVersionStale   = "RECORDER_CACHE_VERSION_STALE"
	CodeCancelled           = "RECORDER_CANCELLED"
	CodeRetryableNetwork    = "RECORDER_RETRYABLE_NETWORK"
	CodeInvalidConfig       = "RECORDER_INVALID_CONFIG"
	CodeBufferFull          = "RECORDER_BUFFER_FULL"
	CodeCircularFileFull    = "RECORDER_CIRCULAR_FILE_FULL"
	CodeCircularFileInvalid = "RECORDER_CIRCULAR_FILE_INVALID"
	CodeIO                  = "RECORDER_IO"
)

// New creates a new recorder error carrying the given code.
func New(code, message string) error {
	return errors.New(code, message)
}

// Newf creates a new recorder error with a formatted message.
func Newf(code, format string, args ...interface{}) error {
	return errors.New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to an existing error without discarding
// it, so callers can still unwrap to the original cause.
func Wrap(err error, code, message string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, code, message)
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code string) bool {
	if err == nil {
		return false
	}
	var argusErr *errors.Error
	if ok := errors.As(err, &argusErr); ok {
		return argusErr.Code == code
	}
	return false
}
