package completion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/lock"
	"github.com/giak/mnemo-lite/internal/statusrecord"
)

// DefaultWatchdogInterval is how often the watchdog sweeps Status Records
// (§4.10).
const DefaultWatchdogInterval = 5 * time.Minute

// DefaultStallIdlePeriod is how long a processing job's counters may sit
// unchanged before it is considered stalled.
const DefaultStallIdlePeriod = 15 * time.Minute

// progressMark remembers the last-seen counters for a repository so the
// watchdog can tell whether a job has advanced between sweeps.
type progressMark struct {
	processedPlusFailed int64
	observedAt          time.Time
}

// Watchdog periodically scans Status Records in `processing` state whose
// start timestamp is old and whose counters have not advanced, marking
// them `failed` with a stall entry and firing no downstream trigger
// (§4.10). It follows the teacher's goroutine-plus-cancel-channel idiom
// for a self-terminating background timer (webhook/manager.go).
type Watchdog struct {
	Status       statusrecord.Store
	Locker       lock.Locker
	Interval     time.Duration
	StallPeriod  time.Duration
	Log          *zap.Logger

	mu     sync.Mutex
	marks  map[string]progressMark
	cancel chan struct{}
	done   chan struct{}
}

// NewWatchdog constructs a Watchdog with spec defaults where unset.
func NewWatchdog(status statusrecord.Store, locker lock.Locker, log *zap.Logger) *Watchdog {
	return &Watchdog{
		Status:      status,
		Locker:      locker,
		Interval:    DefaultWatchdogInterval,
		StallPeriod: DefaultStallIdlePeriod,
		Log:         log,
		marks:       make(map[string]progressMark),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	w.cancel = make(chan struct{})
	w.done = make(chan struct{})
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-cancel:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop requests the loop to exit and waits for it to do so.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	close(cancel)
	<-done
}

func (w *Watchdog) sweep(ctx context.Context) {
	keys, err := w.Status.ListKeys(ctx, "indexing:status:")
	if err != nil {
		w.Log.Error("watchdog: failed to list status records", zap.Error(err))
		return
	}

	now := time.Now()
	for _, key := range keys {
		fields, err := w.Status.GetAll(ctx, key)
		if err != nil {
			w.Log.Error("watchdog: failed to read status record", zap.String("key", key), zap.Error(err))
			continue
		}
		snap := statusrecord.ParseSnapshot(fields)
		if !snap.Exists || snap.State != statusrecord.StateProcessing {
			delete(w.marks, key)
			continue
		}
		if now.Sub(snap.StartedAt) < w.StallPeriod {
			continue
		}

		count := snap.Processed + snap.Failed
		mark, seen := w.marks[key]
		if !seen || mark.processedPlusFailed != count {
			w.marks[key] = progressMark{processedPlusFailed: count, observedAt: now}
			continue
		}
		if now.Sub(mark.observedAt) < w.StallPeriod {
			continue
		}

		w.markStalled(ctx, key, snap)
		delete(w.marks, key)
	}
}

func (w *Watchdog) markStalled(ctx context.Context, key string, snap statusrecord.Snapshot) {
	if err := w.Status.AppendErrorLog(ctx, key, "watchdog: job stalled, no progress within stall period", statusrecord.DefaultTTL); err != nil {
		w.Log.Error("watchdog: failed to append stall entry", zap.String("key", key), zap.Error(err))
	}
	if err := w.Status.SetMany(ctx, key, map[string]string{
		statusrecord.FieldState:       statusrecord.StateFailed,
		statusrecord.FieldCompletedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}, statusrecord.DefaultTTL); err != nil {
		w.Log.Error("watchdog: failed to mark stalled job failed", zap.String("key", key), zap.Error(err))
		return
	}
	if w.Locker != nil && snap.LockToken != "" {
		repository := key[len("indexing:status:"):]
		_ = w.Locker.Release(ctx, lock.KeyForRepository(repository), snap.LockToken)
	}
	w.Log.Warn("watchdog: marked job failed due to stall", zap.String("key", key), zap.String("job_id", snap.JobID))
}
