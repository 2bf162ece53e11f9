package main

import (
	"strings"

	"github.com/giak/mnemo-lite/internal/embed"
)

// linesPerChunk mirrors the Directory Scanner's batch-size scale: coarse
// enough to keep the chunk count per file manageable, fine enough for
// the embedding step to stay meaningful per unit of content.
const linesPerChunk = 60

// chunkFile is the default embed.Chunker: a fixed-size sliding window
// over lines, carrying file-level metadata onto every chunk it produces.
// It has no language awareness beyond recording what was passed in;
// concerns like syntax-aware splitting belong to a real parser this
// worker would be pointed at, not something this repository supplies.
func chunkFile(content, language, filePath string, metadata map[string]string) ([]embed.Chunk, error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return nil, nil
	}

	var chunks []embed.Chunk
	for start := 0; start < len(lines); start += linesPerChunk {
		end := start + linesPerChunk
		if end > len(lines) {
			end = len(lines)
		}
		body := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(body) == "" {
			continue
		}
		chunks = append(chunks, embed.Chunk{
			Content: body,
			Meta: embed.ChunkMeta{
				Language:  language,
				ChunkType: "window",
				StartLine: start + 1,
				EndLine:   end,
				Extra:     metadata,
			},
		})
	}
	return chunks, nil
}
