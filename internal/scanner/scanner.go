// Package scanner implements the Directory Scanner (spec §4.4): a
// restartable, non-incremental walk that yields a deterministic ordered
// file list and shards it into fixed-size batches.
package scanner

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Tag classifies a scanned file for the Isolated Worker's consumption;
// the scanner assigns tags but never acts on them.
type Tag string

const (
	TagRegular         Tag = "REGULAR"
	TagPotentialBarrel Tag = "POTENTIAL_BARREL"
	TagConfig          Tag = "CONFIG"
	TagTest            Tag = "TEST"
)

// defaultExcludeSubstrings match anywhere in the path (§4.4 default policy).
var defaultExcludeSubstrings = []string{"node_modules", "__tests__", ".test.", ".spec."}

// defaultExcludeSuffixes match the filename suffix.
var defaultExcludeSuffixes = []string{".d.ts"}

// configFilenames is the fixed set of filenames classified CONFIG.
var configFilenames = map[string]bool{
	"package.json":      true,
	"tsconfig.json":     true,
	"go.mod":            true,
	".eslintrc.json":    true,
	".eslintrc":         true,
	"webpack.config.js": true,
	"vite.config.ts":    true,
	"jest.config.js":    true,
}

// Options configures a scan (§4.4 inputs).
type Options struct {
	// IncludeExtensions restricts results to files whose extension (with
	// leading dot, e.g. ".go") is in this set. Empty means no filter.
	IncludeExtensions map[string]bool
	// ExcludeSubstrings is appended to the default exclusion substrings.
	ExcludeSubstrings []string
	// ExcludeSuffixes is appended to the default exclusion suffixes.
	ExcludeSuffixes []string
	// BatchSize is the fixed shard size (default: 40).
	BatchSize int
}

// DefaultBatchSize is the spec's default shard size.
const DefaultBatchSize = 40

// File is one scanned, classified, absolute file path.
type File struct {
	Path string
	Tag  Tag
}

// Result is the scanner's output: the ordered file list and its batches.
type Result struct {
	Files   []File
	Batches [][]string // each inner slice is ordered absolute paths
}

// Scan walks root, applying Options, and returns the deterministic ordered
// file list sharded into fixed-size batches (§4.4).
func Scan(root string, opts Options) (Result, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Result{}, err
	}
	if !info.IsDir() {
		return Result{}, &NotADirectoryError{Path: root}
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var paths []string
	walkErr := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if isExcluded(abs, opts) {
			return nil
		}
		if !extensionIncluded(abs, opts.IncludeExtensions) {
			return nil
		}
		paths = append(paths, abs)
		return nil
	})
	if walkErr != nil {
		return Result{}, walkErr
	}

	sort.Strings(paths)

	files := make([]File, 0, len(paths))
	for _, p := range paths {
		files = append(files, File{Path: p, Tag: classify(p)})
	}

	return Result{Files: files, Batches: shard(paths, batchSize)}, nil
}

// NotADirectoryError is returned when root exists but is not a directory.
type NotADirectoryError struct{ Path string }

func (e *NotADirectoryError) Error() string {
	return "scanner: not a directory: " + e.Path
}

func isExcluded(path string, opts Options) bool {
	for _, sub := range defaultExcludeSubstrings {
		if strings.Contains(path, sub) {
			return true
		}
	}
	for _, sub := range opts.ExcludeSubstrings {
		if strings.Contains(path, sub) {
			return true
		}
	}
	for _, suf := range defaultExcludeSuffixes {
		if strings.HasSuffix(path, suf) {
			return true
		}
	}
	for _, suf := range opts.ExcludeSuffixes {
		if strings.HasSuffix(path, suf) {
			return true
		}
	}
	return false
}

func extensionIncluded(path string, include map[string]bool) bool {
	if len(include) == 0 {
		return true
	}
	return include[filepath.Ext(path)]
}

func classify(path string) Tag {
	base := filepath.Base(path)
	if isTestMarked(path) {
		return TagTest
	}
	if configFilenames[base] {
		return TagConfig
	}
	ext := filepath.Ext(base)
	if ext != "" && strings.TrimSuffix(base, ext) == "index" {
		return TagPotentialBarrel
	}
	return TagRegular
}

func isTestMarked(path string) bool {
	for _, sub := range []string{"__tests__", ".test.", ".spec."} {
		if strings.Contains(path, sub) {
			return true
		}
	}
	return false
}

func shard(paths []string, batchSize int) [][]string {
	if len(paths) == 0 {
		return nil
	}
	batches := make([][]string, 0, (len(paths)+batchSize-1)/batchSize)
	for i := 0; i < len(paths); i += batchSize {
		end := i + batchSize
		if end > len(paths) {
			end = len(paths)
		}
		batches = append(batches, paths[i:end])
	}
	return batches
}
