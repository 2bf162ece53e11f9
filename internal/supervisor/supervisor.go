// Package supervisor implements the Worker Supervisor (spec §4.8): it
// dequeues one batch message at a time, spawns an Isolated Worker
// subprocess to process it, classifies any failure, updates the Status
// Record, and decides whether to acknowledge, leave pending, or stop the
// consumer — grounded on the subprocess spawn/terminate idiom the pack's
// worker_host.go uses for its own per-task process isolation.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/completion"
	"github.com/giak/mnemo-lite/internal/deadletter"
	"github.com/giak/mnemo-lite/internal/errtax"
	"github.com/giak/mnemo-lite/internal/statusrecord"
	"github.com/giak/mnemo-lite/internal/streamsub"
	"github.com/giak/mnemo-lite/internal/worker"
)

// DefaultTimeout bounds one worker subprocess's run (§4.8 step 4).
const DefaultTimeout = 300 * time.Second

// DefaultMaxRetryAttempts is the batch-level retry budget (§4.8 retry
// budget, §9 design note).
const DefaultMaxRetryAttempts = 3

// Supervisor handles batch messages for every repository, deriving the
// stream and status keys from each message. It implements
// consumer.BatchHandler.
type Supervisor struct {
	Substrate  streamsub.Substrate
	Status     statusrecord.Store
	Trigger    *completion.Trigger
	DeadLetter *deadletter.Archive
	Log        *zap.Logger

	WorkerBinary     string
	DBURL            string
	Timeout          time.Duration
	MaxRetryAttempts int64
}

// New constructs a Supervisor with the spec's defaults applied where the
// caller leaves a field at its zero value.
func New(substrate streamsub.Substrate, status statusrecord.Store, trigger *completion.Trigger, dl *deadletter.Archive, workerBinary, dbURL string, log *zap.Logger) *Supervisor {
	return &Supervisor{
		Substrate:        substrate,
		Status:           status,
		Trigger:          trigger,
		DeadLetter:       dl,
		Log:              log,
		WorkerBinary:     workerBinary,
		DBURL:            dbURL,
		Timeout:          DefaultTimeout,
		MaxRetryAttempts: DefaultMaxRetryAttempts,
	}
}

// HandleBatch implements consumer.BatchHandler (§4.8 steps 1-9).
func (s *Supervisor) HandleBatch(ctx context.Context, msg streamsub.Message) (stop bool) {
	batch, err := streamsub.DecodeBatchMessage(msg.Fields)
	if err != nil {
		s.Log.Error("supervisor: malformed batch message, acknowledging to avoid poison loop", zap.String("id", string(msg.ID)), zap.Error(err))
		_ = s.Substrate.Acknowledge(ctx, streamsub.JobStreamKey(batch.Repository), streamsub.GroupIndexing, msg.ID)
		return false
	}

	streamKey := streamsub.JobStreamKey(batch.Repository)
	statusKey := streamsub.StatusKey(batch.Repository)

	if msg.DeliveryCount > 1 {
		if err := errtax.Sleep(ctx, msg.DeliveryCount-1); err != nil {
			return true
		}
	}

	stdout, stderr, runErr := s.runWorker(ctx, batch)

	if runErr == nil {
		result, parseErr := parseResult(stdout)
		if parseErr != nil {
			s.Log.Error("supervisor: worker exited clean but result unparsable", zap.String("repository", batch.Repository), zap.Error(parseErr))
			runErr = &errtax.ClassifiedError{Class: errtax.ClassSystem, Err: errtax.ErrCriticalError}
		} else {
			s.recordSuccess(ctx, statusKey, batch, result)
			_ = s.Substrate.Acknowledge(ctx, streamKey, streamsub.GroupIndexing, msg.ID)
			return false
		}
	}

	classified := runErr
	if _, ok := classified.(*errtax.ClassifiedError); !ok {
		classified = errtax.ClassifyStderr(stderr)
	}

	disposition := errtax.Decide(classified, msg.DeliveryCount, s.MaxRetryAttempts)
	s.Log.Warn("supervisor: batch failed",
		zap.String("repository", batch.Repository),
		zap.Int("batch_number", batch.BatchNumber),
		zap.Int64("delivery_count", msg.DeliveryCount),
		zap.String("disposition", dispositionName(disposition)),
		zap.Error(classified))

	switch disposition {
	case errtax.DispositionAcknowledge:
		s.recordPermanentFailure(ctx, statusKey, batch, classified, stdout, stderr, msg.DeliveryCount)
		_ = s.Substrate.Acknowledge(ctx, streamKey, streamsub.GroupIndexing, msg.ID)
		return false
	case errtax.DispositionLeavePending:
		s.recordTransientFailure(ctx, statusKey, batch, classified, msg.DeliveryCount)
		s.archiveFailure(batch, classified, stdout, stderr, msg.DeliveryCount)
		return false
	default: // DispositionStopConsumer
		s.archiveFailure(batch, classified, stdout, stderr, msg.DeliveryCount)
		return true
	}
}

// runWorker spawns the Isolated Worker subprocess for one batch, enforcing
// Timeout and capturing its standard streams (§4.8 steps 3-6).
func (s *Supervisor) runWorker(ctx context.Context, batch streamsub.BatchMessage) (stdout, stderr string, err error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.WorkerBinary,
		"--repository", batch.Repository,
		"--db-url", s.DBURL,
		"--files", strings.Join(batch.FilePaths, ","),
	)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()

	if runCtx.Err() == context.DeadlineExceeded {
		return stdout, stderr, &errtax.ClassifiedError{Class: errtax.ClassBatch, Err: errtax.ErrSubprocessTimeout}
	}
	if runErr != nil {
		if stderr == "" {
			stderr = runErr.Error()
		}
		return stdout, stderr, runErr // classified below via ClassifyStderr
	}
	return stdout, stderr, nil
}

func parseResult(stdout string) (worker.Result, error) {
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	last := lines[len(lines)-1]
	return worker.DecodeResult(last)
}

// recordSuccess applies a clean worker result to the Status Record and
// checks for job completion (§4.8 step 7, §4.10).
func (s *Supervisor) recordSuccess(ctx context.Context, statusKey string, batch streamsub.BatchMessage, result worker.Result) {
	ttl := statusrecord.DefaultTTL
	if result.SuccessCount > 0 {
		if _, err := s.Status.IncrementField(ctx, statusKey, statusrecord.FieldProcessed, int64(result.SuccessCount), ttl); err != nil {
			s.Log.Error("supervisor: failed to increment processed_files", zap.Error(err))
		}
	}
	if result.ErrorCount > 0 {
		if _, err := s.Status.IncrementField(ctx, statusKey, statusrecord.FieldFailed, int64(result.ErrorCount), ttl); err != nil {
			s.Log.Error("supervisor: failed to increment failed_files", zap.Error(err))
		}
		for _, fe := range result.PerFileErrors {
			entry := fe.FilePath + ": " + fe.Error
			if err := s.Status.AppendErrorLog(ctx, statusKey, entry, ttl); err != nil {
				s.Log.Error("supervisor: failed to append error_log", zap.Error(err))
			}
		}
	}
	if _, err := s.Status.IncrementField(ctx, statusKey, statusrecord.FieldCurrentBatch, 1, ttl); err != nil {
		s.Log.Error("supervisor: failed to increment current_batch", zap.Error(err))
	}
	if s.Trigger != nil {
		if err := s.Trigger.AfterUpdate(ctx, batch.Repository); err != nil {
			s.Log.Error("supervisor: completion trigger failed", zap.Error(err))
		}
	}
}

// recordTransientFailure appends a classified error-log entry for a
// batch-level failure that is being left pending for retry (§7 propagation
// policy: "batch errors are reported via Status Record's error log with
// the file or batch identifier and the classification"). The dead-letter
// archive written alongside this is an additive diagnostic, not a
// substitute for this entry.
func (s *Supervisor) recordTransientFailure(ctx context.Context, statusKey string, batch streamsub.BatchMessage, cause error, deliveryCount int64) {
	entry := fmt.Sprintf("batch %d: %v (delivery %d, retrying)", batch.BatchNumber, cause, deliveryCount)
	if err := s.Status.AppendErrorLog(ctx, statusKey, entry, statusrecord.DefaultTTL); err != nil {
		s.Log.Error("supervisor: failed to append error_log", zap.Error(err))
	}
}

// recordPermanentFailure marks every file in a permanently failed batch
// as failed (§4.8 step 8: exhausted retry budget or non-retryable).
func (s *Supervisor) recordPermanentFailure(ctx context.Context, statusKey string, batch streamsub.BatchMessage, cause error, stdout, stderr string, deliveryCount int64) {
	ttl := statusrecord.DefaultTTL
	if _, err := s.Status.IncrementField(ctx, statusKey, statusrecord.FieldFailed, int64(len(batch.FilePaths)), ttl); err != nil {
		s.Log.Error("supervisor: failed to increment failed_files", zap.Error(err))
	}
	entry := fmt.Sprintf("batch %d permanently failed after %d deliveries: %v", batch.BatchNumber, deliveryCount, cause)
	if err := s.Status.AppendErrorLog(ctx, statusKey, entry, ttl); err != nil {
		s.Log.Error("supervisor: failed to append error_log", zap.Error(err))
	}
	if s.Trigger != nil {
		if err := s.Trigger.AfterUpdate(ctx, batch.Repository); err != nil {
			s.Log.Error("supervisor: completion trigger failed", zap.Error(err))
		}
	}
	s.archiveFailure(batch, cause, stdout, stderr, deliveryCount)
}

// archiveFailure writes the failed batch's full worker output to the
// Dead-Letter Archive for diagnosis (SPEC_FULL §4.12). Best-effort: a
// missing archive or a write failure never changes message disposition.
func (s *Supervisor) archiveFailure(batch streamsub.BatchMessage, cause error, stdout, stderr string, attempt int64) {
	if s.DeadLetter == nil {
		return
	}
	class := "system"
	var ce *errtax.ClassifiedError
	if asClassified(cause, &ce) {
		class = ce.Class.String()
	}
	entry := deadletter.Entry{
		Repository:  batch.Repository,
		JobID:       batch.JobID,
		BatchNumber: batch.BatchNumber,
		Attempt:     attempt,
		Class:       class,
		Stdout:      stdout,
		Stderr:      stderr,
		RecordedAt:  time.Now().UTC(),
	}
	if err := s.DeadLetter.Put(entry); err != nil {
		s.Log.Error("supervisor: failed to write dead-letter entry", zap.Error(err))
	}
}

func asClassified(err error, target **errtax.ClassifiedError) bool {
	ce, ok := err.(*errtax.ClassifiedError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

func dispositionName(d errtax.Disposition) string {
	switch d {
	case errtax.DispositionAcknowledge:
		return "acknowledge"
	case errtax.DispositionLeavePending:
		return "leave_pending"
	case errtax.DispositionStopConsumer:
		return "stop_consumer"
	default:
		return "unknown"
	}
}
