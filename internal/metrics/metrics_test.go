package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/statusrecord"
	"github.com/giak/mnemo-lite/internal/store"
	"github.com/giak/mnemo-lite/internal/streamsub"
)

func TestSample_PublishesStatusStateCounts(t *testing.T) {
	ctx := context.Background()
	substrate := streamsub.NewMemorySubstrate()
	status := statusrecord.NewMemoryStore()
	st := store.NewMemoryStore()

	require.NoError(t, status.SetMany(ctx, streamsub.StatusKey("repo-a"), map[string]string{
		statusrecord.FieldState: statusrecord.StateProcessing,
	}, statusrecord.DefaultTTL))
	require.NoError(t, status.SetMany(ctx, streamsub.StatusKey("repo-b"), map[string]string{
		statusrecord.FieldState: statusrecord.StateProcessing,
	}, statusrecord.DefaultTTL))
	require.NoError(t, status.SetMany(ctx, streamsub.StatusKey("repo-c"), map[string]string{
		statusrecord.FieldState: statusrecord.StateCompleted,
	}, statusrecord.DefaultTTL))

	a := New(substrate, status, st, zap.NewNop())
	a.sample(ctx)

	assert.Equal(t, float64(2), testutil.ToFloat64(a.statusState.WithLabelValues(statusrecord.StateProcessing)))
	assert.Equal(t, float64(1), testutil.ToFloat64(a.statusState.WithLabelValues(statusrecord.StateCompleted)))
	assert.Equal(t, float64(0), testutil.ToFloat64(a.statusState.WithLabelValues(statusrecord.StateFailed)))
}

func TestSample_PublishesAutoSavePendingSummary(t *testing.T) {
	ctx := context.Background()
	substrate := streamsub.NewMemorySubstrate()
	status := statusrecord.NewMemoryStore()
	st := store.NewMemoryStore()

	require.NoError(t, substrate.EnsureGroup(ctx, streamsub.AutoSaveStreamKey, streamsub.GroupConversation, streamsub.StartNew))
	_, err := substrate.Append(ctx, streamsub.AutoSaveStreamKey, streamsub.Fields{"payload": "{}"}, 0)
	require.NoError(t, err)
	_, err = substrate.ReadGroup(ctx, streamsub.AutoSaveStreamKey, streamsub.GroupConversation, "c1", 10, 0)
	require.NoError(t, err)

	a := New(substrate, status, st, zap.NewNop())
	a.sample(ctx)

	assert.Equal(t, float64(1), testutil.ToFloat64(a.streamPending.WithLabelValues(streamsub.AutoSaveStreamKey, streamsub.GroupConversation)))
}

func TestSample_ResetsStaleStateCountsEachPass(t *testing.T) {
	ctx := context.Background()
	substrate := streamsub.NewMemorySubstrate()
	status := statusrecord.NewMemoryStore()
	st := store.NewMemoryStore()

	require.NoError(t, status.SetMany(ctx, streamsub.StatusKey("repo-a"), map[string]string{
		statusrecord.FieldState: statusrecord.StateProcessing,
	}, statusrecord.DefaultTTL))

	a := New(substrate, status, st, zap.NewNop())
	a.sample(ctx)
	assert.Equal(t, float64(1), testutil.ToFloat64(a.statusState.WithLabelValues(statusrecord.StateProcessing)))

	require.NoError(t, status.SetMany(ctx, streamsub.StatusKey("repo-a"), map[string]string{
		statusrecord.FieldState: statusrecord.StateCompleted,
	}, statusrecord.DefaultTTL))
	a.sample(ctx)
	assert.Equal(t, float64(0), testutil.ToFloat64(a.statusState.WithLabelValues(statusrecord.StateProcessing)))
	assert.Equal(t, float64(1), testutil.ToFloat64(a.statusState.WithLabelValues(statusrecord.StateCompleted)))
}
