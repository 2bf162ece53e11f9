// Package errtax implements the error taxonomy and retry policy (spec §7):
// classifying failures into file-level, batch-level, and system-level
// buckets, and the decision of whether a message is acknowledged, left
// pending, or causes the consumer to stop.
package errtax

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the taxonomy bucket a failure is classified into.
type Class int

const (
	// ClassFile is continue-on-error within a worker; no message-level
	// consequence beyond the error_count/per_file_errors it produced.
	ClassFile Class = iota
	// ClassBatch is retryable at message granularity.
	ClassBatch
	// ClassSystem is stop-consumer.
	ClassSystem
)

func (c Class) String() string {
	switch c {
	case ClassFile:
		return "file"
	case ClassBatch:
		return "batch"
	case ClassSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Batch-level sentinels (§7).
var (
	ErrSubprocessTimeout = errors.New("errtax: subprocess timed out")
	ErrSubprocessCrash   = errors.New("errtax: subprocess exited with failure")
	ErrDbConnectionError = errors.New("errtax: store connection error")
)

// System-level sentinels (§7).
var (
	ErrSubstrateUnavailable = errors.New("errtax: substrate unavailable")
	ErrOutOfMemory          = errors.New("errtax: worker out of memory")
	ErrCriticalError        = errors.New("errtax: critical error")
)

// Disposition is the consumer-side action taken once a failure is
// classified (§4.8 step 8, §7 propagation policy).
type Disposition int

const (
	// DispositionAcknowledge means the message should be acked: either it
	// succeeded, or it is a non-retryable file/batch failure that has
	// exhausted its retry budget or was never retryable to begin with.
	DispositionAcknowledge Disposition = iota
	// DispositionLeavePending leaves the message for claim-stale or
	// another consumer to retry.
	DispositionLeavePending
	// DispositionStopConsumer leaves the message pending and halts the
	// Consumer Loop.
	DispositionStopConsumer
)

// ClassifiedError pairs an underlying cause with its taxonomy class,
// following the teacher's StreamError{Op, Err} wrapping shape.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("errtax[%s]: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// ClassifyStderr applies the substring classification rule (§7) to a
// subprocess's captured stderr, used when the Worker Supervisor observes
// a non-zero exit code.
func ClassifyStderr(stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "timeout"):
		return &ClassifiedError{Class: ClassBatch, Err: ErrSubprocessTimeout}
	case strings.Contains(lower, "connection"), strings.Contains(lower, "database"):
		return &ClassifiedError{Class: ClassBatch, Err: ErrDbConnectionError}
	case strings.Contains(lower, "memory"), strings.Contains(lower, "oom"):
		return &ClassifiedError{Class: ClassSystem, Err: ErrOutOfMemory}
	case strings.Contains(lower, "subprocess"), strings.Contains(lower, "process"):
		return &ClassifiedError{Class: ClassBatch, Err: ErrSubprocessCrash}
	default:
		return &ClassifiedError{Class: ClassSystem, Err: ErrCriticalError}
	}
}

// Decide turns a classified error plus the current delivery count into a
// Disposition, applying the max_retry_attempts cap (§4.8 retry budget).
func Decide(err error, deliveryCount, maxRetryAttempts int64) Disposition {
	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		// Unclassified errors are treated conservatively as system-level.
		return DispositionStopConsumer
	}
	switch ce.Class {
	case ClassFile:
		return DispositionAcknowledge
	case ClassSystem:
		return DispositionStopConsumer
	case ClassBatch:
		if deliveryCount > maxRetryAttempts {
			return DispositionAcknowledge
		}
		return DispositionLeavePending
	default:
		return DispositionStopConsumer
	}
}
