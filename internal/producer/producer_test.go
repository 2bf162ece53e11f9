package producer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/scanner"
	"github.com/giak/mnemo-lite/internal/statusrecord"
	"github.com/giak/mnemo-lite/internal/streamsub"
)

func TestProducer_ZeroFilesCompletesImmediatelyWithoutEnqueuing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	substrate := streamsub.NewMemorySubstrate()
	status := statusrecord.NewMemoryStore()
	p := New(substrate, status, zap.NewNop())

	summary, err := p.Start(ctx, dir, "repo-empty", "tok-1", scanner.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalFiles)
	assert.Equal(t, statusrecord.StateCompleted, summary.Status)

	fields, err := status.GetAll(ctx, streamsub.StatusKey("repo-empty"))
	require.NoError(t, err)
	snap := statusrecord.ParseSnapshot(fields)
	assert.Equal(t, statusrecord.StateCompleted, snap.State)
	assert.False(t, snap.CompletedAt.IsZero())

	require.NoError(t, substrate.EnsureGroup(ctx, streamsub.JobStreamKey("repo-empty"), streamsub.GroupIndexing, streamsub.StartNew))
	msgs, err := substrate.ReadGroup(ctx, streamsub.JobStreamKey("repo-empty"), streamsub.GroupIndexing, "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestProducer_EnqueuesOneMessagePerBatchAndSetsProcessing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(rune('a'+i))+".go"), []byte("x"), 0o644))
	}

	substrate := streamsub.NewMemorySubstrate()
	status := statusrecord.NewMemoryStore()
	p := New(substrate, status, zap.NewNop())

	summary, err := p.Start(ctx, dir, "repo-a", "tok-2", scanner.Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.TotalFiles)
	assert.Equal(t, 3, summary.TotalBatches)
	assert.Equal(t, statusrecord.StateProcessing, summary.Status)

	fields, err := status.GetAll(ctx, streamsub.StatusKey("repo-a"))
	require.NoError(t, err)
	snap := statusrecord.ParseSnapshot(fields)
	assert.Equal(t, statusrecord.StateProcessing, snap.State)
	assert.Equal(t, "tok-2", snap.LockToken)
	assert.Equal(t, int64(5), snap.TotalFiles)
	assert.Equal(t, int64(3), snap.TotalBatches)

	streamKey := streamsub.JobStreamKey("repo-a")
	require.NoError(t, substrate.EnsureGroup(ctx, streamKey, streamsub.GroupIndexing, streamsub.StartNew))
	msgs, err := substrate.ReadGroup(ctx, streamKey, streamsub.GroupIndexing, "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	total := 0
	for i, m := range msgs {
		decoded, err := streamsub.DecodeBatchMessage(m.Fields)
		require.NoError(t, err)
		assert.Equal(t, "repo-a", decoded.Repository)
		assert.Equal(t, i+1, decoded.BatchNumber)
		assert.Equal(t, 3, decoded.TotalBatches)
		total += len(decoded.FilePaths)
	}
	assert.Equal(t, 5, total)
}

func TestProducer_NonexistentDirectoryPropagatesError(t *testing.T) {
	ctx := context.Background()
	substrate := streamsub.NewMemorySubstrate()
	status := statusrecord.NewMemoryStore()
	p := New(substrate, status, zap.NewNop())

	_, err := p.Start(ctx, filepath.Join(t.TempDir(), "does-not-exist"), "repo-x", "tok", scanner.Options{})
	assert.Error(t, err)
}
