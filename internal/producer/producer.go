// Package producer implements the Batch Producer (spec §4.5): scans a
// directory, initializes the Status Record, and appends one stream
// message per batch.
package producer

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/scanner"
	"github.com/giak/mnemo-lite/internal/statusrecord"
	"github.com/giak/mnemo-lite/internal/streamsub"
)

// ApproximateCap is the default loose cap on the batch stream length
// (§4.1).
const ApproximateCap = 1000

// Summary is what batch-start returns to the Ingest Endpoint (§4.3).
type Summary struct {
	JobID        string
	TotalFiles   int
	TotalBatches int
	Status       string
}

// Producer wires the Directory Scanner, Status Record, and Stream
// Substrate together per the batch-start algorithm.
type Producer struct {
	Substrate streamsub.Substrate
	Status    statusrecord.Store
	Log       *zap.Logger
	TTL       time.Duration
}

// New constructs a Producer whose TTL is statusrecord.DefaultTTL.
func New(substrate streamsub.Substrate, status statusrecord.Store, log *zap.Logger) *Producer {
	return &Producer{Substrate: substrate, Status: status, Log: log, TTL: statusrecord.DefaultTTL}
}

// Start runs the Batch Producer algorithm (§4.5 steps 1-6). lockToken is
// the repository-label lock's holder token (§9 open question 1),
// persisted on the record so the Completion Trigger can release the same
// lock it was acquired under.
func (p *Producer) Start(ctx context.Context, directory, repository, lockToken string, opts scanner.Options) (Summary, error) {
	result, err := scanner.Scan(directory, opts)
	if err != nil {
		return Summary{}, err
	}

	totalFiles := len(result.Files)
	totalBatches := len(result.Batches)

	jobID := uuid.NewString()
	ttl := p.TTL
	if ttl <= 0 {
		ttl = statusrecord.DefaultTTL
	}

	state := statusrecord.StatePending
	if totalFiles == 0 {
		// Boundary behavior (§8): zero matching files completes immediately.
		state = statusrecord.StateCompleted
	}

	statusKey := streamsub.StatusKey(repository)
	now := time.Now().UTC()
	fields := map[string]string{
		statusrecord.FieldJobID:        jobID,
		statusrecord.FieldTotalFiles:   strconv.Itoa(totalFiles),
		statusrecord.FieldTotalBatches: strconv.Itoa(totalBatches),
		statusrecord.FieldProcessed:    "0",
		statusrecord.FieldFailed:       "0",
		statusrecord.FieldCurrentBatch: "0",
		statusrecord.FieldState:        state,
		statusrecord.FieldStartedAt:    now.Format(time.RFC3339Nano),
		statusrecord.FieldErrorLog:     "[]",
		statusrecord.FieldLockToken:    lockToken,
	}
	if state == statusrecord.StateCompleted {
		fields[statusrecord.FieldCompletedAt] = now.Format(time.RFC3339Nano)
	}
	if err := p.Status.SetMany(ctx, statusKey, fields, ttl); err != nil {
		return Summary{}, err
	}

	if totalFiles == 0 {
		return Summary{JobID: jobID, TotalFiles: 0, TotalBatches: 0, Status: state}, nil
	}

	streamKey := streamsub.JobStreamKey(repository)
	// The group must exist before the first append: a group created
	// afterwards from the stream's tail would never see these batches.
	if err := p.Substrate.EnsureGroup(ctx, streamKey, streamsub.GroupIndexing, streamsub.StartNew); err != nil {
		return Summary{}, err
	}
	for i, batch := range result.Batches {
		msg := streamsub.BatchMessage{
			JobID:        jobID,
			Repository:   repository,
			BatchNumber:  i + 1,
			TotalBatches: totalBatches,
			FilePaths:    batch,
			CreatedAt:    now,
		}
		encoded, err := streamsub.EncodeBatchMessage(msg)
		if err != nil {
			// Partial enqueue failure (§4.5): leave what was appended,
			// let the completion watchdog catch the stalled job.
			p.Log.Error("producer: encode batch message failed", zap.Error(err), zap.Int("batch_number", i+1))
			return Summary{JobID: jobID, TotalFiles: totalFiles, TotalBatches: totalBatches, Status: statusrecord.StateProcessing}, err
		}
		if _, err := p.Substrate.Append(ctx, streamKey, encoded, ApproximateCap); err != nil {
			p.Log.Error("producer: append batch message failed", zap.Error(err), zap.Int("batch_number", i+1))
			return Summary{JobID: jobID, TotalFiles: totalFiles, TotalBatches: totalBatches, Status: statusrecord.StateProcessing}, err
		}
	}

	if err := p.Status.SetMany(ctx, statusKey, map[string]string{statusrecord.FieldState: statusrecord.StateProcessing}, ttl); err != nil {
		return Summary{}, err
	}

	return Summary{JobID: jobID, TotalFiles: totalFiles, TotalBatches: totalBatches, Status: statusrecord.StateProcessing}, nil
}
