package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// contentHash is the truncated content hash component of the conversation
// idempotency key (spec §4.9 step 2: "keyed by (session, timestamp,
// truncated content hash)"), distinguishing two turns that happen to share
// a session and timestamp.
func contentHash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}

// DuckDBStore is the default embedded Store implementation (SPEC_FULL
// §4.13): a single-file DuckDB database reached through database/sql,
// using INSERT ... ON CONFLICT DO UPDATE keyed on the natural keys §6
// names.
type DuckDBStore struct {
	db *sql.DB
}

// OpenDuckDBStore opens (creating if absent) the DuckDB file at path and
// ensures both tables exist.
func OpenDuckDBStore(path string) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open duckdb at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to ping duckdb: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			repository TEXT NOT NULL,
			file_path TEXT NOT NULL,
			language TEXT,
			chunk_type TEXT,
			content TEXT,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			embedding TEXT,
			metadata TEXT,
			written_at TIMESTAMP,
			PRIMARY KEY (repository, file_path, start_line, end_line)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			session TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			content_hash TEXT NOT NULL,
			payload TEXT,
			written_at TIMESTAMP,
			PRIMARY KEY (session, ts, content_hash)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: schema migration failed: %w", err)
		}
	}

	return &DuckDBStore{db: db}, nil
}

func (s *DuckDBStore) UpsertChunk(ctx context.Context, c Chunk) error {
	embedding, err := json.Marshal(c.Embedding)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chunks (repository, file_path, language, chunk_type, content, start_line, end_line, embedding, metadata, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repository, file_path, start_line, end_line) DO UPDATE SET
			language = excluded.language,
			chunk_type = excluded.chunk_type,
			content = excluded.content,
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			written_at = excluded.written_at
	`, c.Repository, c.FilePath, c.Language, c.ChunkType, c.Content, c.StartLine, c.EndLine, string(embedding), string(metadata), time.Now().UTC())
	return err
}

func (s *DuckDBStore) UpsertConversation(ctx context.Context, c Conversation) error {
	ts, err := time.Parse(time.RFC3339, c.Timestamp)
	if err != nil {
		return fmt.Errorf("store: invalid conversation timestamp %q: %w", c.Timestamp, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (session, ts, content_hash, payload, written_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session, ts, content_hash) DO UPDATE SET
			payload = excluded.payload,
			written_at = excluded.written_at
	`, c.Session, ts, contentHash(c.Payload), c.Payload, time.Now().UTC())
	return err
}

func (s *DuckDBStore) RowsWrittenSince(ctx context.Context, sinceUnixSeconds int64) (int64, error) {
	since := time.Unix(sinceUnixSeconds, 0).UTC()
	var count int64
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM chunks WHERE written_at >= ?) +
			(SELECT count(*) FROM conversations WHERE written_at >= ?)
	`, since, since)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *DuckDBStore) Close() error { return s.db.Close() }
