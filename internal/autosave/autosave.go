// Package autosave implements the Auto-Save Handler (spec §4.9): it
// dequeues conversation turns from the auto-save stream and upserts them
// into the relational store, classifying failures the same way the
// Worker Supervisor does for batch messages.
package autosave

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/errtax"
	"github.com/giak/mnemo-lite/internal/store"
	"github.com/giak/mnemo-lite/internal/streamsub"
)

// DefaultMaxRetryAttempts mirrors the Worker Supervisor's retry budget
// (§4.8, §4.9: "the same error taxonomy governs disposition").
const DefaultMaxRetryAttempts = 3

// Handler implements consumer.AutoSaveHandler.
type Handler struct {
	Substrate        streamsub.Substrate
	Store            store.Store
	Log              *zap.Logger
	MaxRetryAttempts int64
}

// New constructs a Handler with the spec's default retry budget.
func New(substrate streamsub.Substrate, st store.Store, log *zap.Logger) *Handler {
	return &Handler{Substrate: substrate, Store: st, Log: log, MaxRetryAttempts: DefaultMaxRetryAttempts}
}

// payload is the JSON shape stored alongside the conversation row,
// decoupled from the wire message so a schema change to one does not
// force a migration of the other.
type payload struct {
	UserMessage      string `json:"user_message"`
	AssistantMessage string `json:"assistant_message"`
	Project          string `json:"project"`
}

// HandleAutoSave implements consumer.AutoSaveHandler (§4.9 steps 1-4).
func (h *Handler) HandleAutoSave(ctx context.Context, msg streamsub.Message) {
	decoded, err := streamsub.DecodeAutoSaveMessage(msg.Fields)
	if err != nil {
		h.Log.Error("autosave: malformed message, acknowledging to avoid poison loop", zap.String("id", string(msg.ID)), zap.Error(err))
		_ = h.Substrate.Acknowledge(ctx, streamsub.AutoSaveStreamKey, streamsub.GroupConversation, msg.ID)
		return
	}

	body, err := json.Marshal(payload{
		UserMessage:      decoded.UserMessage,
		AssistantMessage: decoded.AssistantMessage,
		Project:          decoded.Project,
	})
	if err != nil {
		h.Log.Error("autosave: failed to encode payload, acknowledging", zap.Error(err))
		_ = h.Substrate.Acknowledge(ctx, streamsub.AutoSaveStreamKey, streamsub.GroupConversation, msg.ID)
		return
	}

	conv := store.Conversation{
		Session:   decoded.Session,
		Timestamp: decoded.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   string(body),
	}

	if err := h.Store.UpsertConversation(ctx, conv); err != nil {
		h.handleFailure(ctx, msg, err)
		return
	}

	_ = h.Substrate.Acknowledge(ctx, streamsub.AutoSaveStreamKey, streamsub.GroupConversation, msg.ID)
}

// handleFailure classifies a store failure and applies the same
// acknowledge/leave-pending/stop-consumer policy the Worker Supervisor
// applies to batch messages (§7 propagation policy, §4.9).
func (h *Handler) handleFailure(ctx context.Context, msg streamsub.Message, err error) {
	classified := &errtax.ClassifiedError{Class: errtax.ClassBatch, Err: errtax.ErrDbConnectionError}
	disposition := errtax.Decide(classified, msg.DeliveryCount, h.MaxRetryAttempts)

	h.Log.Warn("autosave: upsert failed",
		zap.String("id", string(msg.ID)),
		zap.Int64("delivery_count", msg.DeliveryCount),
		zap.String("disposition", dispositionName(disposition)),
		zap.Error(err))

	switch disposition {
	case errtax.DispositionAcknowledge:
		// Retry budget exhausted; ack to free the pending entry and drop
		// the turn rather than retry it forever.
		_ = h.Substrate.Acknowledge(ctx, streamsub.AutoSaveStreamKey, streamsub.GroupConversation, msg.ID)
	default:
		// Leave pending for claim-stale reclamation. Stop-consumer is not
		// applicable to this handler: it runs inside a bounded-concurrency
		// pool shared across many in-flight messages (§4.6), so a single
		// failure cannot halt the Consumer Loop the way a batch-stream
		// failure does.
	}
}

func dispositionName(d errtax.Disposition) string {
	switch d {
	case errtax.DispositionAcknowledge:
		return "acknowledge"
	case errtax.DispositionLeavePending:
		return "leave_pending"
	case errtax.DispositionStopConsumer:
		return "leave_pending" // no stop-consumer semantics for a pooled handler
	default:
		return "unknown"
	}
}
