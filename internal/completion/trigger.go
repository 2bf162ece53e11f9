// Package completion implements the Completion Trigger (spec §4.10): it
// detects job completion via the Status Record and fires a downstream
// post-processing hook exactly once, plus a watchdog that marks stalled
// jobs failed.
package completion

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/lock"
	"github.com/giak/mnemo-lite/internal/statusrecord"
	"github.com/giak/mnemo-lite/internal/streamsub"
)

// PostProcessHook is the downstream post-processing pass. It MUST be
// idempotent: the Trigger may invoke it more than once under races
// between concurrent Status Record readers.
type PostProcessHook func(ctx context.Context, repository, jobID string) error

// Trigger checks a Status Record for a terminal transition and fires the
// hook exactly once per job (best-effort: see PostProcessHook note).
type Trigger struct {
	Status statusrecord.Store
	Locker lock.Locker
	Hook   PostProcessHook
	Log    *zap.Logger
	TTL    time.Duration
}

// New constructs a Trigger.
func New(status statusrecord.Store, locker lock.Locker, hook PostProcessHook, log *zap.Logger) *Trigger {
	return &Trigger{Status: status, Locker: locker, Hook: hook, Log: log, TTL: statusrecord.DefaultTTL}
}

// AfterUpdate is called by the Worker Supervisor after every Status
// Record mutation. If the record has reached a terminal count
// (processed + failed == total_files), it transitions the state,
// stamps the completion timestamp, fires the hook, and releases the
// repository lock.
func (t *Trigger) AfterUpdate(ctx context.Context, repository string) error {
	key := streamsub.StatusKey(repository)
	fields, err := t.Status.GetAll(ctx, key)
	if err != nil {
		return err
	}
	snap := statusrecord.ParseSnapshot(fields)
	if !snap.Exists {
		return nil
	}
	if snap.State == statusrecord.StateCompleted || snap.State == statusrecord.StateCompletedWithError || snap.State == statusrecord.StateFailed {
		// Already terminal; Status Record invariant forbids re-entering
		// processing, and the hook has already fired.
		return nil
	}
	if !snap.IsTerminal() {
		return nil
	}

	state := statusrecord.StateCompleted
	if snap.Failed > 0 {
		state = statusrecord.StateCompletedWithError
	}

	ttl := t.TTL
	if ttl <= 0 {
		ttl = statusrecord.DefaultTTL
	}
	now := time.Now().UTC()
	if err := t.Status.SetMany(ctx, key, map[string]string{
		statusrecord.FieldState:       state,
		statusrecord.FieldCompletedAt: now.Format(time.RFC3339Nano),
	}, ttl); err != nil {
		return err
	}

	if t.Hook != nil {
		if err := t.Hook(ctx, repository, snap.JobID); err != nil {
			t.Log.Error("completion: post-processing hook failed", zap.String("repository", repository), zap.Error(err))
		}
	}

	if t.Locker != nil && snap.LockToken != "" {
		_ = t.Locker.Release(ctx, lock.KeyForRepository(repository), snap.LockToken)
	}

	t.Log.Info("completion: job terminal", zap.String("repository", repository), zap.String("state", state))
	return nil
}
