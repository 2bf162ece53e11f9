// Package deadletter implements the Dead-Letter Archive (SPEC_FULL
// §4.12): a local, per-replica bbolt-backed store of the full worker
// output for batches that are permanently failed or classified
// system-level, and for each retryable batch-level failure that is left
// pending (one entry per attempt). It is diagnostic-only and never consulted for
// correctness decisions.
package deadletter

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("deadletters")

// Entry is one archived batch failure.
type Entry struct {
	Repository  string    `json:"repository"`
	JobID       string    `json:"job_id"`
	BatchNumber int       `json:"batch_number"`
	Attempt     int64     `json:"attempt"`
	Class       string    `json:"class"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	PerFileErrs []string  `json:"per_file_errors,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// key builds the lexicographic key (repository, job_id, batch_number,
// attempt) the way bbolt.go's bucket-per-concern layout expects a stable
// byte-ordered key.
func (e Entry) key() []byte {
	return []byte(fmt.Sprintf("%s|%s|%08d|%04d", e.Repository, e.JobID, e.BatchNumber, e.Attempt))
}

// Archive wraps a single bbolt database file holding every repository's
// dead-letter entries in one bucket, keyed for per-repository prefix scans.
type Archive struct {
	db   *bbolt.DB
	mu   sync.Mutex
	path string
}

// Open creates or opens the archive file at path, creating the bucket if
// absent.
func Open(path string) (*Archive, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("deadletter: failed to open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("deadletter: failed to create bucket: %w", err)
	}
	return &Archive{db: db, path: path}, nil
}

// Put archives one entry.
func (a *Archive) Put(e Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(e.key(), data)
	})
}

// ListByRepository returns every archived entry for repository, ordered
// by job id then batch number then attempt (the key's natural order).
func (a *Archive) ListByRepository(repository string) ([]Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prefix := []byte(repository + "|")
	var entries []Entry
	err := a.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JobID != entries[j].JobID {
			return entries[i].JobID < entries[j].JobID
		}
		if entries[i].BatchNumber != entries[j].BatchNumber {
			return entries[i].BatchNumber < entries[j].BatchNumber
		}
		return entries[i].Attempt < entries[j].Attempt
	})
	return entries, nil
}

// Path returns the on-disk location of the archive file.
func (a *Archive) Path() string { return a.path }

// Close releases the underlying bbolt database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Close()
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
