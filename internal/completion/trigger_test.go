package completion

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/lock"
	"github.com/giak/mnemo-lite/internal/statusrecord"
	"github.com/giak/mnemo-lite/internal/streamsub"
)

func seedProcessing(t *testing.T, status statusrecord.Store, repository, lockToken string, total, processed, failed int64) {
	t.Helper()
	key := streamsub.StatusKey(repository)
	require.NoError(t, status.SetMany(context.Background(), key, map[string]string{
		statusrecord.FieldJobID:       "job-1",
		statusrecord.FieldTotalFiles:  strconv.FormatInt(total, 10),
		statusrecord.FieldProcessed:   strconv.FormatInt(processed, 10),
		statusrecord.FieldFailed:      strconv.FormatInt(failed, 10),
		statusrecord.FieldState:       statusrecord.StateProcessing,
		statusrecord.FieldStartedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		statusrecord.FieldErrorLog:    "[]",
		statusrecord.FieldLockToken:   lockToken,
	}, statusrecord.DefaultTTL))
}

func TestTrigger_AfterUpdate_FiresHookAndReleasesLockOnTerminal(t *testing.T) {
	ctx := context.Background()
	status := statusrecord.NewMemoryStore()
	locker := lock.NewMemoryLocker()
	require.NoError(t, locker.Acquire(ctx, lock.KeyForRepository("repo-a"), "tok-1", time.Hour))

	seedProcessing(t, status, "repo-a", "tok-1", 10, 10, 0)

	var hookCalls int
	trig := New(status, locker, func(ctx context.Context, repository, jobID string) error {
		hookCalls++
		assert.Equal(t, "repo-a", repository)
		return nil
	}, zap.NewNop())

	require.NoError(t, trig.AfterUpdate(ctx, "repo-a"))
	assert.Equal(t, 1, hookCalls)

	fields, err := status.GetAll(ctx, streamsub.StatusKey("repo-a"))
	require.NoError(t, err)
	snap := statusrecord.ParseSnapshot(fields)
	assert.Equal(t, statusrecord.StateCompleted, snap.State)
	assert.False(t, snap.CompletedAt.IsZero())

	// Lock was released: a new holder can acquire it.
	require.NoError(t, locker.Acquire(ctx, lock.KeyForRepository("repo-a"), "tok-2", time.Hour))
}

func TestTrigger_AfterUpdate_FailedFilesYieldsCompletedWithErrors(t *testing.T) {
	ctx := context.Background()
	status := statusrecord.NewMemoryStore()
	locker := lock.NewMemoryLocker()
	seedProcessing(t, status, "repo-b", "", 10, 7, 3)

	trig := New(status, locker, nil, zap.NewNop())
	require.NoError(t, trig.AfterUpdate(ctx, "repo-b"))

	fields, err := status.GetAll(ctx, streamsub.StatusKey("repo-b"))
	require.NoError(t, err)
	snap := statusrecord.ParseSnapshot(fields)
	assert.Equal(t, statusrecord.StateCompletedWithError, snap.State)
}

func TestTrigger_AfterUpdate_NotYetTerminalDoesNothing(t *testing.T) {
	ctx := context.Background()
	status := statusrecord.NewMemoryStore()
	seedProcessing(t, status, "repo-c", "", 10, 3, 0)

	var hookCalls int
	trig := New(status, lock.NewMemoryLocker(), func(context.Context, string, string) error {
		hookCalls++
		return nil
	}, zap.NewNop())

	require.NoError(t, trig.AfterUpdate(ctx, "repo-c"))
	assert.Zero(t, hookCalls)

	fields, err := status.GetAll(ctx, streamsub.StatusKey("repo-c"))
	require.NoError(t, err)
	snap := statusrecord.ParseSnapshot(fields)
	assert.Equal(t, statusrecord.StateProcessing, snap.State)
}

func TestTrigger_AfterUpdate_AlreadyTerminalDoesNotRefireHook(t *testing.T) {
	ctx := context.Background()
	status := statusrecord.NewMemoryStore()
	key := streamsub.StatusKey("repo-d")
	require.NoError(t, status.SetMany(ctx, key, map[string]string{
		statusrecord.FieldTotalFiles: "5",
		statusrecord.FieldProcessed:  "5",
		statusrecord.FieldFailed:     "0",
		statusrecord.FieldState:      statusrecord.StateCompleted,
	}, statusrecord.DefaultTTL))

	var hookCalls int
	trig := New(status, lock.NewMemoryLocker(), func(context.Context, string, string) error {
		hookCalls++
		return nil
	}, zap.NewNop())

	require.NoError(t, trig.AfterUpdate(ctx, "repo-d"))
	assert.Zero(t, hookCalls)
}

func TestTrigger_AfterUpdate_MissingRecordIsNoop(t *testing.T) {
	ctx := context.Background()
	status := statusrecord.NewMemoryStore()
	trig := New(status, lock.NewMemoryLocker(), nil, zap.NewNop())

	assert.NoError(t, trig.AfterUpdate(ctx, "no-such-repo"))
}
