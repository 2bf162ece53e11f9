package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/lock"
	"github.com/giak/mnemo-lite/internal/scanner"
	"github.com/giak/mnemo-lite/internal/statusrecord"
	"github.com/giak/mnemo-lite/internal/streamsub"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler, dispatching the six
// routes the Ingest Endpoint exposes (§6): /metrics and the five JSON routes. Anything else falls through to
// next.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	path := r.URL.Path

	if r.Method == http.MethodGet && path == "/metrics" && h.aggregator != nil {
		promhttp.HandlerFor(h.aggregator.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return nil
	}

	var err error
	switch {
	case r.Method == http.MethodPost && path == "/v1/indexing/batch/start":
		err = h.handleBatchStart(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v1/indexing/batch/status/"):
		err = h.handleBatchStatus(w, r, strings.TrimPrefix(path, "/v1/indexing/batch/status/"))
	case r.Method == http.MethodPost && path == "/v1/conversations/queue":
		err = h.handleAutoSaveEnqueue(w, r)
	case r.Method == http.MethodGet && path == "/v1/conversations/metrics":
		err = h.handleConversationMetrics(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v1/indexing/deadletters/"):
		err = h.handleDeadLetters(w, r, strings.TrimPrefix(path, "/v1/indexing/deadletters/"))
	default:
		return next.ServeHTTP(w, r)
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

type batchStartRequest struct {
	Directory  string `json:"directory"`
	Repository string `json:"repository"`
}

type batchStartResponse struct {
	JobID        string `json:"job_id"`
	TotalFiles   int    `json:"total_files"`
	TotalBatches int    `json:"total_batches"`
	Status       string `json:"status"`
}

// handleBatchStart implements batch-start (§4.3): validates the directory,
// enforces the one-job-per-repository rule via the repository lock (§9
// open question 1), and delegates to the Batch Producer.
func (h *Handler) handleBatchStart(w http.ResponseWriter, r *http.Request) error {
	var req batchStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Directory == "" || req.Repository == "" {
		return newHTTPError(http.StatusBadRequest, "directory and repository are required")
	}

	info, err := os.Stat(req.Directory)
	if err != nil || !info.IsDir() {
		return newHTTPError(http.StatusBadRequest, "directory does not exist or is not a directory")
	}

	lockKey := lock.KeyForRepository(req.Repository)
	token := uuid.NewString()
	if err := h.locker.Acquire(r.Context(), lockKey, token, time.Duration(h.LockTTL)); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return newHTTPError(http.StatusConflict, "a job for this repository is already in flight")
		}
		return err
	}

	summary, err := h.producer.Start(r.Context(), req.Directory, req.Repository, token, scanner.Options{BatchSize: h.BatchSize})
	if err != nil {
		h.logger.Error("batch-start failed", zap.String("repository", req.Repository), zap.Error(err))
		// leave the lock held; the completion watchdog will eventually
		// mark the stalled job failed and the lock expires on its own TTL.
		return newHTTPError(http.StatusInternalServerError, "failed to start batch job")
	}

	if summary.TotalFiles == 0 {
		// Boundary behavior (§8): nothing to process, nothing to hold the
		// repository for.
		_ = h.locker.Release(r.Context(), lockKey, token)
	}

	return writeJSON(w, http.StatusOK, batchStartResponse{
		JobID:        summary.JobID,
		TotalFiles:   summary.TotalFiles,
		TotalBatches: summary.TotalBatches,
		Status:       summary.Status,
	})
}

// handleBatchStatus implements GET /v1/indexing/batch/status/{repository}.
func (h *Handler) handleBatchStatus(w http.ResponseWriter, r *http.Request, repository string) error {
	fields, err := h.status.GetAll(r.Context(), streamsub.StatusKey(repository))
	if err != nil {
		return err
	}
	snap := statusrecord.ParseSnapshot(fields)
	if !snap.Exists {
		return writeJSON(w, http.StatusOK, map[string]string{"status": "not_found"})
	}

	resp := map[string]interface{}{
		"job_id":        snap.JobID,
		"total_files":   snap.TotalFiles,
		"total_batches": snap.TotalBatches,
		"processed":     snap.Processed,
		"failed":        snap.Failed,
		"current_batch": snap.CurrentBatch,
		"state":         snap.State,
		"error_log":     snap.ErrorLog,
		"progress":      snap.Progress(),
	}
	if !snap.StartedAt.IsZero() {
		resp["started_at"] = snap.StartedAt.Format(time.RFC3339)
	}
	if !snap.CompletedAt.IsZero() {
		resp["completed_at"] = snap.CompletedAt.Format(time.RFC3339)
	}
	return writeJSON(w, http.StatusOK, resp)
}

type autoSaveRequest struct {
	UserMessage      string `json:"user_message"`
	AssistantMessage string `json:"assistant_message"`
	Project          string `json:"project"`
	Session          string `json:"session"`
	Timestamp        string `json:"timestamp"`
}

type autoSaveResponse struct {
	MessageID string `json:"message_id"`
	Queued    bool   `json:"queued"`
}

// handleAutoSaveEnqueue implements auto-save-enqueue (§4.3). It never
// blocks on downstream processing and never falls back to a synchronous
// write (§9 open question 2, purist option).
func (h *Handler) handleAutoSaveEnqueue(w http.ResponseWriter, r *http.Request) error {
	var req autoSaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			ts = parsed
		}
	}

	fields, err := streamsub.EncodeAutoSaveMessage(streamsub.AutoSaveMessage{
		UserMessage:      req.UserMessage,
		AssistantMessage: req.AssistantMessage,
		Project:          req.Project,
		Session:          req.Session,
		Timestamp:        ts,
	})
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to encode message")
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	id, err := h.substrate.Append(ctx, streamsub.AutoSaveStreamKey, fields, h.ApproximateCap)
	if err != nil {
		if errors.Is(err, streamsub.ErrUnavailable) {
			return newHTTPError(http.StatusServiceUnavailable, "substrate unavailable")
		}
		return err
	}

	return writeJSON(w, http.StatusOK, autoSaveResponse{MessageID: string(id), Queued: true})
}

// handleConversationMetrics implements GET /v1/conversations/metrics (§6).
func (h *Handler) handleConversationMetrics(w http.ResponseWriter, r *http.Request) error {
	summary, err := h.substrate.PendingSummary(r.Context(), streamsub.AutoSaveStreamKey, streamsub.GroupConversation)
	if err != nil {
		return err
	}

	status := "healthy"
	switch {
	case summary.TotalPending > 50:
		status = "error"
	case summary.TotalPending > 10:
		status = "warning"
	}

	var savesPerHour int64
	if h.store != nil {
		since := time.Now().Add(-time.Hour).UTC().Unix()
		if n, err := h.store.RowsWrittenSince(r.Context(), since); err != nil {
			h.logger.Warn("conversation-metrics: failed to read store throughput", zap.Error(err))
		} else {
			savesPerHour = n
		}
	}

	var lastSave string
	if unix := h.lastConversationSaveUnix.Load(); unix > 0 {
		lastSave = time.Unix(unix, 0).UTC().Format(time.RFC3339)
	}

	return writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_size":     summary.TotalPending,
		"pending":        summary.TotalPending,
		"last_save":      lastSave,
		"saves_per_hour": savesPerHour,
		"status":         status,
	})
}

// handleDeadLetters implements the operator-facing
// GET /v1/indexing/deadletters/{repository} route (SPEC_FULL §6).
func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request, repository string) error {
	if h.deadLetters == nil {
		return writeJSON(w, http.StatusOK, []interface{}{})
	}
	entries, err := h.deadLetters.ListByRepository(repository)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	h.logger.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
