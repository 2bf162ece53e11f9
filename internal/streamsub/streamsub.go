// Package streamsub wraps a durable, append-only log with consumer-group
// semantics: append, grouped read, acknowledge, pending introspection and
// reclamation of stale messages. It is the substrate shared by the batch
// indexing stream and the auto-save stream.
package streamsub

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Substrate implementations. Callers compare
// with errors.Is.
var (
	// ErrUnavailable means the substrate itself could not be reached.
	// Handlers treat this as stop-consumer per the error taxonomy.
	ErrUnavailable = errors.New("streamsub: substrate unavailable")

	// ErrGroupExists is swallowed by EnsureGroup implementations; exported
	// for adapters that need to distinguish it explicitly in tests.
	ErrGroupExists = errors.New("streamsub: consumer group already exists")

	// ErrNotFound means the stream key has no backing log yet.
	ErrNotFound = errors.New("streamsub: stream not found")
)

// MessageID is the substrate-assigned identifier produced on Append. It is
// opaque to callers beyond its total ordering within a stream.
type MessageID string

// Fields is the flat string map carried by a stream entry. Structured
// payloads are JSON-encoded into a single "payload" field before Append,
// mirroring how the wire encoding note in SPEC_FULL describes it.
type Fields map[string]string

// Message is one entry read back from a stream, along with the substrate
// identifier needed to acknowledge or reference it.
type Message struct {
	ID     MessageID
	Fields Fields
	// DeliveryCount is how many times this message has been delivered to
	// the group (first read, any claim_stale). Used by the Worker
	// Supervisor's retry budget (§4.8).
	DeliveryCount int64
}

// PendingSummary reports the shape of a consumer group's pending entries
// list without returning the entries themselves.
type PendingSummary struct {
	TotalPending int64
	MinIdleMs    int64
	MaxIdleMs    int64
}

// GroupStart selects where EnsureGroup begins reading from when the group
// does not yet exist.
type GroupStart int

const (
	// StartNew only delivers messages appended after group creation.
	StartNew GroupStart = iota
	// StartHead replays the entire retained stream to the new group.
	StartHead
)

// Substrate is the durable stream adapter. Every method must be safe for
// concurrent use by multiple Consumer Loop replicas.
type Substrate interface {
	// Append adds fields as one new entry to stream_key. approximateCap
	// loosely bounds the retained stream length (0 means unbounded); the
	// substrate MAY trim older entries to respect it. Returns the assigned
	// MessageID.
	Append(ctx context.Context, streamKey string, fields Fields, approximateCap int64) (MessageID, error)

	// EnsureGroup idempotently creates group on stream_key if absent. start
	// controls whether a freshly created group begins at the stream tail
	// or replays from the head; it has no effect if the group already
	// exists.
	EnsureGroup(ctx context.Context, streamKey, group string, start GroupStart) error

	// ReadGroup blocks up to block for new entries never before delivered
	// to group (the ">" cursor), returning at most count of them assigned
	// to consumer. A zero block performs a single non-blocking poll.
	ReadGroup(ctx context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Acknowledge removes id from group's pending set. Idempotent: acking
	// an already-acked or unknown id is a no-op, not an error.
	Acknowledge(ctx context.Context, streamKey, group string, id MessageID) error

	// PendingSummary reports the size and idle-time range of group's
	// pending entries list.
	PendingSummary(ctx context.Context, streamKey, group string) (PendingSummary, error)

	// ClaimStale reassigns up to count pending entries idle for at least
	// minIdle to consumer, from whichever consumer currently owns them.
	ClaimStale(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration, count int64) ([]Message, error)

	// Close releases resources held by the adapter.
	Close() error
}
