package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/lock"
	"github.com/giak/mnemo-lite/internal/producer"
	"github.com/giak/mnemo-lite/internal/statusrecord"
	"github.com/giak/mnemo-lite/internal/store"
	"github.com/giak/mnemo-lite/internal/streamsub"
)

type noopNext struct{}

func (noopNext) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	w.WriteHeader(http.StatusNotFound)
	return nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	substrate := streamsub.NewMemorySubstrate()
	status := statusrecord.NewMemoryStore()
	locker := lock.NewMemoryLocker()

	h := &Handler{
		BatchSize:      10,
		ApproximateCap: 1000,
		LockTTL:        caddy.Duration(time.Hour),
		logger:         zap.NewNop(),
		substrate:      substrate,
		status:         status,
		locker:         locker,
		producer:       producer.New(substrate, status, zap.NewNop()),
		store:          store.NewMemoryStore(),
	}
	return h
}

func doRequest(t *testing.T, h *Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	err := h.ServeHTTP(rec, req, noopNext{})
	require.NoError(t, err)
	return rec
}

func TestHandleBatchStart_RejectsMissingFields(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodPost, "/v1/indexing/batch/start", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleBatchStart_RejectsNonexistentDirectory(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodPost, "/v1/indexing/batch/start", map[string]string{
		"directory": "/no/such/dir", "repository": "repo-a",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleBatchStart_SucceedsAndLocksRepository(t *testing.T) {
	h := newTestHandler(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("x"), 0o644))

	rec := doRequest(t, h, http.MethodPost, "/v1/indexing/batch/start", map[string]string{
		"directory": dir, "repository": "repo-a",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp batchStartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TotalFiles)
	assert.Equal(t, statusrecord.StateProcessing, resp.Status)

	// Second concurrent start for the same repository must conflict.
	rec2 := doRequest(t, h, http.MethodPost, "/v1/indexing/batch/start", map[string]string{
		"directory": dir, "repository": "repo-a",
	})
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestHandleBatchStart_ZeroFilesReleasesLockImmediately(t *testing.T) {
	h := newTestHandler(t)
	dir := t.TempDir()

	rec := doRequest(t, h, http.MethodPost, "/v1/indexing/batch/start", map[string]string{
		"directory": dir, "repository": "repo-empty",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec2 := doRequest(t, h, http.MethodPost, "/v1/indexing/batch/start", map[string]string{
		"directory": dir, "repository": "repo-empty",
	})
	assert.Equal(t, http.StatusOK, rec2.Code, "lock must have been released after a zero-file job")
}

func TestHandleBatchStatus_UnknownRepositoryReturnsNotFound(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/v1/indexing/batch/status/no-such-repo", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestHandleAutoSaveEnqueue_QueuesMessage(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodPost, "/v1/conversations/queue", map[string]string{
		"user_message": "hi", "assistant_message": "hello", "session": "s1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp autoSaveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
	assert.NotEmpty(t, resp.MessageID)
}

func TestHandleConversationMetrics_ReportsQueueDepth(t *testing.T) {
	h := newTestHandler(t)
	doRequest(t, h, http.MethodPost, "/v1/conversations/queue", map[string]string{"session": "s1"})

	rec := doRequest(t, h, http.MethodGet, "/v1/conversations/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue_size":1`)
	assert.Contains(t, rec.Body.String(), `"saves_per_hour":0`)
	assert.Contains(t, rec.Body.String(), `"last_save":""`, "no conversation has actually been saved to the store yet")
}

func TestHandleConversationMetrics_ReportsSavesPerHourAndLastSave(t *testing.T) {
	h := newTestHandler(t)
	watched := &saveWatchStore{Store: h.store, lastConversationSaveUnix: &h.lastConversationSaveUnix}
	require.NoError(t, watched.UpsertConversation(context.Background(), store.Conversation{
		Session: "s1", Timestamp: time.Now().UTC().Format(time.RFC3339), Payload: "{}",
	}))

	rec := doRequest(t, h, http.MethodGet, "/v1/conversations/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"saves_per_hour":1`)
	assert.NotContains(t, rec.Body.String(), `"last_save":""`)
}

func TestHandleDeadLetters_NilArchiveReturnsEmptyList(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/v1/indexing/deadletters/repo-a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestServeHTTP_UnmatchedRouteFallsThroughToNext(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/not-a-route", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

var _ caddyhttp.MiddlewareHandler = (*Handler)(nil)
