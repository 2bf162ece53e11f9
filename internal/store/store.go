// Package store defines the narrow write-upsert interface the core
// speaks to the relational data store through (spec §6), and provides the
// embedded DuckDBStore default implementation plus an in-memory test
// double.
package store

import (
	"context"
)

// Chunk is one parsed, embedded code chunk to be upserted.
type Chunk struct {
	Repository string
	FilePath   string
	Language   string
	ChunkType  string
	Content    string
	StartLine  int
	EndLine    int
	Embedding  []float32
	Metadata   map[string]string
}

// Conversation is one auto-saved conversation turn to be upserted.
type Conversation struct {
	Session   string
	Timestamp string // RFC3339; part of the idempotency key
	Payload   string // JSON-encoded {user_message, assistant_message, project}
}

// Store is the consumed write-upsert + read-aggregate interface (§6).
// Implementations MUST make UpsertChunk idempotent under
// (repository, file_path, start_line, end_line) and UpsertConversation
// idempotent under (session, timestamp, truncated content hash) (§4.9 step
// 2), so two distinct turns that happen to share a session and timestamp
// don't silently overwrite one another.
type Store interface {
	UpsertChunk(ctx context.Context, c Chunk) error
	UpsertConversation(ctx context.Context, c Conversation) error

	// RowsWrittenSince counts rows written across both tables since since,
	// feeding the Metrics Aggregator's throughput sample (§4.11).
	RowsWrittenSince(ctx context.Context, sinceUnixSeconds int64) (int64, error)

	Close() error
}
