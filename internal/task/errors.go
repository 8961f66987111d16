package task

import (
	"errors"

	"taskd/internal/task/trigger"
)

var (
	// ErrNotFound is returned for unknown schedule ids.
	ErrNotFound = errors.New("schedule not found")
	// ErrStoreUnavailable wraps transient store failures; callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrTaskFailure wraps errors returned by task handlers.
	ErrTaskFailure = errors.New("task failed")
	// ErrTimeoutExceeded is reported when a run exceeds its timeout.
	ErrTimeoutExceeded = errors.New("task timeout exceeded")
	// ErrUnknownTask is returned when a schedule references an unregistered task.
	ErrUnknownTask = errors.New("unknown task")
	// ErrInvalidSchedule is returned for malformed schedule definitions.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrScheduleExists is returned by Add for an id that is already taken.
	ErrScheduleExists = errors.New("schedule already exists")

	ErrInvalidExpression = trigger.ErrInvalidExpression
)

// IsRetryableStoreError reports whether err is a transient store failure.
func IsRetryableStoreError(err error) bool { return errors.Is(err, ErrStoreUnavailable) }
