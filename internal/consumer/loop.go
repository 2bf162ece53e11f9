// Package consumer implements the Consumer Loop (spec §4.6): a
// long-running reader over the batch and auto-save consumer groups that
// dispatches each message to a handler and drives claim-stale recovery,
// grounded on the same read-group/claim/ack idiom the pack's Redis stream
// consumer examples use.
package consumer

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/streamsub"
)

// Config tunes the loop's timing (§4.6, §5).
type Config struct {
	BlockDuration        time.Duration // default 5s
	PendingCheckInterval time.Duration // default 60s
	MaxProcessingTime    time.Duration // feeds claim-stale min_idle_ms = 2x this
	AutoSaveConcurrency  int           // default 4
	ShutdownGrace        time.Duration // default 30s
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		BlockDuration:        5 * time.Second,
		PendingCheckInterval: 60 * time.Second,
		MaxProcessingTime:    300 * time.Second,
		AutoSaveConcurrency:  DefaultAutoSaveConcurrency,
		ShutdownGrace:        30 * time.Second,
	}
}

// BatchHandler processes one dequeued batch message. The handler itself
// acks or leaves the message pending via the substrate, and returns true
// to ask the loop to stop consuming — see supervisor.Supervisor, the only
// implementation.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msg streamsub.Message) (stop bool)
}

// AutoSaveHandler processes one dequeued auto-save message.
type AutoSaveHandler interface {
	HandleAutoSave(ctx context.Context, msg streamsub.Message)
}

// Loop is one Consumer Loop replica (§4.6, §5). Implementations MAY run
// multiple replicas with distinct consumer names against the same group.
type Loop struct {
	Substrate streamsub.Substrate
	Batch     BatchHandler
	AutoSave  AutoSaveHandler
	Config    Config
	Log       *zap.Logger

	consumerName string
	pool         *autoSavePool
}

// NewLoop constructs a Loop with a stable consumer name: host identifier
// plus a random suffix (§4.6 step 2).
func NewLoop(substrate streamsub.Substrate, batch BatchHandler, autoSave AutoSaveHandler, cfg Config, log *zap.Logger) *Loop {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown-host"
	}
	return &Loop{
		Substrate:    substrate,
		Batch:        batch,
		AutoSave:     autoSave,
		Config:       cfg,
		Log:          log,
		consumerName: host + "-" + uuid.NewString()[:8],
		pool:         newAutoSavePool(cfg.AutoSaveConcurrency),
	}
}

// Run ensures the auto-save consumer group exists (RunBatchStream ensures
// the indexing group per repository) and processes messages until ctx
// is cancelled (§4.6 steps 1-3, cancellation semantics in §5).
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Substrate.EnsureGroup(ctx, streamsub.AutoSaveStreamKey, streamsub.GroupConversation, streamsub.StartNew); err != nil {
		return err
	}

	pendingTicker := time.NewTicker(l.Config.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Log.Info("consumer: shutdown signal received, draining", zap.String("consumer", l.consumerName))
			return l.drain(ctx)
		case <-pendingTicker.C:
			l.claimStalePass(ctx)
		default:
		}

		msgs, err := l.Substrate.ReadGroup(ctx, streamsub.AutoSaveStreamKey, streamsub.GroupConversation, l.consumerName, int64(l.Config.AutoSaveConcurrency), l.Config.BlockDuration)
		if err != nil {
			l.Log.Error("consumer: read_group failed on auto-save stream", zap.Error(err))
			return err
		}
		for _, m := range msgs {
			msg := m
			l.pool.Submit(func() error {
				l.AutoSave.HandleAutoSave(ctx, msg)
				return nil
			})
		}
	}
}

// drain waits for in-flight auto-save handlers to finish within the
// shutdown grace period (§5 cancellation).
func (l *Loop) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = l.pool.Wait(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.Config.ShutdownGrace):
		l.Log.Warn("consumer: shutdown grace period elapsed with handlers still in flight")
	}
	return nil
}

// claimStalePass runs claim-stale with min_idle_ms = max_processing_time x
// 2 (§4.6 step 3c, §9 design note) and dispatches reclaimed messages the
// same way freshly-read ones are dispatched.
func (l *Loop) claimStalePass(ctx context.Context) {
	minIdle := 2 * l.Config.MaxProcessingTime

	if reclaimed, err := l.Substrate.ClaimStale(ctx, streamsub.AutoSaveStreamKey, streamsub.GroupConversation, l.consumerName, minIdle, int64(l.Config.AutoSaveConcurrency)); err != nil {
		l.Log.Error("consumer: claim_stale failed on auto-save stream", zap.Error(err))
	} else {
		for _, m := range reclaimed {
			msg := m
			l.pool.Submit(func() error {
				l.AutoSave.HandleAutoSave(ctx, msg)
				return nil
			})
		}
	}
}

// RunBatchStream drives the single-threaded batch consumer loop for one
// repository's stream (§4.6: "no benefit to parallel dispatch from one
// consumer" for the batch stream). Implementations run one of these per
// repository's job stream, or a shared dispatcher that discovers streams
// dynamically; the supervisor decides per-message disposition, including
// stop-consumer.
func (l *Loop) RunBatchStream(ctx context.Context, streamKey string) error {
	if err := l.Substrate.EnsureGroup(ctx, streamKey, streamsub.GroupIndexing, streamsub.StartNew); err != nil {
		return err
	}

	ticker := time.NewTicker(l.Config.PendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			minIdle := 2 * l.Config.MaxProcessingTime
			reclaimed, err := l.Substrate.ClaimStale(ctx, streamKey, streamsub.GroupIndexing, l.consumerName, minIdle, 1)
			if err != nil {
				l.Log.Error("consumer: claim_stale failed on batch stream", zap.String("stream", streamKey), zap.Error(err))
				continue
			}
			for _, m := range reclaimed {
				if l.Batch.HandleBatch(ctx, m) {
					return nil
				}
			}
		default:
		}

		msgs, err := l.Substrate.ReadGroup(ctx, streamKey, streamsub.GroupIndexing, l.consumerName, 1, l.Config.BlockDuration)
		if err != nil {
			l.Log.Error("consumer: read_group failed on batch stream", zap.String("stream", streamKey), zap.Error(err))
			return err
		}
		for _, m := range msgs {
			if l.Batch.HandleBatch(ctx, m) {
				l.Log.Warn("consumer: batch handler requested stop-consumer", zap.String("stream", streamKey))
				return nil
			}
		}
	}
}
