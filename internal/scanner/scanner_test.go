package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("content"), 0o644))
}

func TestScan_NotADirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Scan(file, Options{})
	var notDir *NotADirectoryError
	assert.ErrorAs(t, err, &notDir)
}

func TestScan_DeterministicLexicographicOrdering(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "c.go")
	writeFile(t, dir, "a.go")
	writeFile(t, dir, "b.go")

	result, err := Scan(dir, Options{})
	require.NoError(t, err)
	require.Len(t, result.Files, 3)
	assert.Equal(t, filepath.Join(dir, "a.go"), result.Files[0].Path)
	assert.Equal(t, filepath.Join(dir, "b.go"), result.Files[1].Path)
	assert.Equal(t, filepath.Join(dir, "c.go"), result.Files[2].Path)
}

func TestScan_DefaultExcludesNodeModulesAndTests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/app.go")
	writeFile(t, dir, "node_modules/dep/index.js")
	writeFile(t, dir, "src/app.test.ts")
	writeFile(t, dir, "src/types.d.ts")

	result, err := Scan(dir, Options{})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, filepath.Join(dir, "src/app.go"), result.Files[0].Path)
}

func TestScan_IncludeExtensionsFilter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go")
	writeFile(t, dir, "b.md")

	result, err := Scan(dir, Options{IncludeExtensions: map[string]bool{".go": true}})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, filepath.Join(dir, "a.go"), result.Files[0].Path)
}

func TestScan_ClassifiesConfigAndBarrelAndTest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json")
	writeFile(t, dir, "src/index.ts")
	writeFile(t, dir, "src/__tests__/helper.ts")
	writeFile(t, dir, "src/regular.go")

	result, err := Scan(dir, Options{})
	require.NoError(t, err)

	tags := map[string]Tag{}
	for _, f := range result.Files {
		tags[filepath.Base(f.Path)] = f.Tag
	}
	assert.Equal(t, TagConfig, tags["package.json"])
	assert.Equal(t, TagPotentialBarrel, tags["index.ts"])
	// __tests__ files are dropped by the default excludes, so the TEST tag
	// is checked on the classifier directly.
	assert.Equal(t, TagTest, classify(filepath.Join(dir, "src/__tests__/helper.ts")))
	assert.Equal(t, TagRegular, tags["regular.go"])
}

func TestScan_ShardsIntoFixedSizeBatches(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeFile(t, dir, string(rune('a'+i))+".go")
	}

	result, err := Scan(dir, Options{BatchSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Batches, 3)
	assert.Len(t, result.Batches[0], 2)
	assert.Len(t, result.Batches[1], 2)
	assert.Len(t, result.Batches[2], 1)
}

func TestScan_EmptyDirectoryHasNoBatches(t *testing.T) {
	dir := t.TempDir()
	result, err := Scan(dir, Options{})
	require.NoError(t, err)
	assert.Empty(t, result.Files)
	assert.Nil(t, result.Batches)
}

func TestScan_DefaultBatchSizeAppliedWhenUnset(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "only.go")

	result, err := Scan(dir, Options{})
	require.NoError(t, err)
	require.Len(t, result.Batches, 1)
	assert.Len(t, result.Batches[0], 1)
}
