package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkFile_EmptyContentYieldsNoChunks(t *testing.T) {
	chunks, err := chunkFile("", "go", "a.go", nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkFile_ShortContentYieldsOneChunk(t *testing.T) {
	chunks, err := chunkFile("package main\n\nfunc main() {}", "go", "a.go", map[string]string{"repository": "r"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].Meta.StartLine)
	assert.Equal(t, "r", chunks[0].Meta.Extra["repository"])
}

func TestChunkFile_SplitsLongContentIntoWindows(t *testing.T) {
	lines := make([]string, linesPerChunk*2+5)
	for i := range lines {
		lines[i] = "line"
	}
	content := strings.Join(lines, "\n")

	chunks, err := chunkFile(content, "go", "big.go", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 1, chunks[0].Meta.StartLine)
	assert.Equal(t, linesPerChunk, chunks[0].Meta.EndLine)
	assert.Equal(t, linesPerChunk+1, chunks[1].Meta.StartLine)
}

func TestChunkFile_BlankWindowsAreSkipped(t *testing.T) {
	content := strings.Repeat("\n", linesPerChunk-1)
	chunks, err := chunkFile(content, "go", "blank.go", nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
