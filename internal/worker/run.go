package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/giak/mnemo-lite/internal/embed"
	"github.com/giak/mnemo-lite/internal/store"
)

// Run processes every file in args.Files in order (§5: "files are
// processed in the order supplied"), continuing past per-file failures
// (§4.7 per-file error handling) and returns the Result to be written as
// the worker's final stdout line.
func Run(ctx context.Context, args Args, st store.Store, chunk embed.Chunker, embedFn embed.Embedder) Result {
	var result Result

	for _, path := range args.Files {
		if err := processFile(ctx, args.Repository, path, st, chunk, embedFn); err != nil {
			result.ErrorCount++
			result.PerFileErrors = append(result.PerFileErrors, PerFileError{FilePath: path, Error: err.Error()})
			continue
		}
		result.SuccessCount++
	}

	return result
}

func processFile(ctx context.Context, repository, path string, st store.Store, chunk embed.Chunker, embedFn embed.Embedder) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	language := languageFromExt(path)
	chunks, err := chunk(string(content), language, path, map[string]string{"repository": repository})
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := embedFn(texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embed: expected %d vectors, got %d", len(chunks), len(vectors))
	}

	for i, c := range chunks {
		err := st.UpsertChunk(ctx, store.Chunk{
			Repository: repository,
			FilePath:   path,
			Language:   c.Meta.Language,
			ChunkType:  c.Meta.ChunkType,
			Content:    c.Content,
			StartLine:  c.Meta.StartLine,
			EndLine:    c.Meta.EndLine,
			Embedding:  vectors[i],
			Metadata:   c.Meta.Extra,
		})
		if err != nil {
			return fmt.Errorf("upsert chunk %d:%d: %w", c.Meta.StartLine, c.Meta.EndLine, err)
		}
	}
	return nil
}

func languageFromExt(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	switch ext {
	case "ts", "tsx":
		return "typescript"
	case "js", "jsx":
		return "javascript"
	case "go":
		return "go"
	case "py":
		return "python"
	case "":
		return "unknown"
	default:
		return ext
	}
}
