package statusrecord

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetManyAndGetAll(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SetMany(ctx, "k1", map[string]string{
		FieldJobID: "job-1",
		FieldState: StatePending,
	}, DefaultTTL))

	fields, err := s.GetAll(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", fields[FieldJobID])
	assert.Equal(t, StatePending, fields[FieldState])
}

func TestMemoryStore_GetAllMissingKeyReturnsEmptyMap(t *testing.T) {
	s := NewMemoryStore()
	fields, err := s.GetAll(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestMemoryStore_IncrementFieldAccumulates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, err := s.IncrementField(ctx, "k1", FieldProcessed, 3, DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.IncrementField(ctx, "k1", FieldProcessed, 4, DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestMemoryStore_AppendErrorLogBoundsToMaxEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < MaxErrorLogEntries+10; i++ {
		require.NoError(t, s.AppendErrorLog(ctx, "k1", "err", DefaultTTL))
	}

	fields, err := s.GetAll(ctx, "k1")
	require.NoError(t, err)

	var log []string
	require.NoError(t, json.Unmarshal([]byte(fields[FieldErrorLog]), &log))
	assert.Len(t, log, MaxErrorLogEntries)
}

func TestMemoryStore_DeleteRemovesKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SetMany(ctx, "k1", map[string]string{FieldJobID: "j"}, DefaultTTL))
	require.NoError(t, s.Delete(ctx, "k1"))

	fields, err := s.GetAll(ctx, "k1")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestMemoryStore_ListKeysFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SetMany(ctx, "indexing:status:repo-a", map[string]string{FieldJobID: "a"}, DefaultTTL))
	require.NoError(t, s.SetMany(ctx, "indexing:status:repo-b", map[string]string{FieldJobID: "b"}, DefaultTTL))
	require.NoError(t, s.SetMany(ctx, "other:key", map[string]string{FieldJobID: "c"}, DefaultTTL))

	keys, err := s.ListKeys(ctx, "indexing:status:")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestParseSnapshot_EmptyFieldsIsNotExists(t *testing.T) {
	snap := ParseSnapshot(map[string]string{})
	assert.False(t, snap.Exists)
}

func TestParseSnapshot_ParsesAllFieldsDefensively(t *testing.T) {
	started := time.Now().UTC().Truncate(time.Second)
	fields := map[string]string{
		FieldJobID:        "job-1",
		FieldTotalFiles:   "100",
		FieldTotalBatches: "4",
		FieldProcessed:    "50",
		FieldFailed:       "5",
		FieldCurrentBatch: "2",
		FieldState:        StateProcessing,
		FieldStartedAt:    started.Format(time.RFC3339Nano),
		FieldErrorLog:     `["boom"]`,
		FieldLockToken:    "tok",
	}
	snap := ParseSnapshot(fields)
	assert.True(t, snap.Exists)
	assert.Equal(t, "job-1", snap.JobID)
	assert.Equal(t, int64(100), snap.TotalFiles)
	assert.Equal(t, int64(50), snap.Processed)
	assert.Equal(t, int64(5), snap.Failed)
	assert.Equal(t, []string{"boom"}, snap.ErrorLog)
	assert.Equal(t, "50/100", snap.Progress())
	assert.False(t, snap.IsTerminal())
}

func TestParseSnapshot_MalformedNumericFieldsResolveToZero(t *testing.T) {
	snap := ParseSnapshot(map[string]string{
		FieldTotalFiles: "not-a-number",
		FieldProcessed:  "",
	})
	assert.True(t, snap.Exists)
	assert.Equal(t, int64(0), snap.TotalFiles)
	assert.Equal(t, int64(0), snap.Processed)
}

func TestSnapshot_IsTerminal(t *testing.T) {
	cases := []struct {
		name      string
		snap      Snapshot
		isTermina bool
	}{
		{"zero total is never terminal", Snapshot{TotalFiles: 0, Processed: 0, Failed: 0}, false},
		{"processed short of total", Snapshot{TotalFiles: 10, Processed: 5, Failed: 0}, false},
		{"processed+failed equals total", Snapshot{TotalFiles: 10, Processed: 7, Failed: 3}, true},
		{"processed+failed exceeds total", Snapshot{TotalFiles: 10, Processed: 8, Failed: 3}, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.isTermina, c.snap.IsTerminal(), c.name)
	}
}

func TestEncodeErrorLog_AppendsAndTruncates(t *testing.T) {
	existing, err := json.Marshal([]string{"a", "b"})
	require.NoError(t, err)

	encoded, err := EncodeErrorLog(string(existing), "c")
	require.NoError(t, err)

	var log []string
	require.NoError(t, json.Unmarshal([]byte(encoded), &log))
	assert.Equal(t, []string{"a", "b", "c"}, log)
}
