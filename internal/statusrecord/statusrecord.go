// Package statusrecord implements the Job Status Record (spec §4.2, §3):
// a {field -> string} map per repository label with atomic increments,
// bulk sets, and TTL refreshed on every mutation.
package statusrecord

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// Lifecycle states (§3).
const (
	StatePending            = "pending"
	StateProcessing         = "processing"
	StateCompleted          = "completed"
	StateCompletedWithError = "completed_with_errors"
	StateFailed             = "failed"
)

// Field names, fixed by spec §3 so that ParseSnapshot below has a
// stable contract with the substrate-backed implementations.
const (
	FieldJobID        = "job_id"
	FieldTotalFiles   = "total_files"
	FieldTotalBatches = "total_batches"
	FieldProcessed    = "processed_files"
	FieldFailed       = "failed_files"
	FieldCurrentBatch = "current_batch"
	FieldState        = "state"
	FieldStartedAt    = "started_at"
	FieldCompletedAt  = "completed_at"
	FieldErrorLog     = "error_log" // JSON-encoded []string, bounded
	FieldLockToken    = "lock_token"
)

// MaxErrorLogEntries bounds the error log field (§3: "bounded append-only
// list of strings").
const MaxErrorLogEntries = 200

// DefaultTTL is the retention window past the last mutation (§3).
const DefaultTTL = 24 * time.Hour

// Store is the Status Record adapter interface.
type Store interface {
	// SetMany overwrites the given fields on key, creating it if absent,
	// and (re)applies ttl.
	SetMany(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// IncrementField atomically adds delta to an integer-valued field,
	// creating it at delta if absent, and refreshes ttl.
	IncrementField(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error)

	// AppendErrorLog atomically appends entry to the bounded error log,
	// truncating the oldest entries past MaxErrorLogEntries.
	AppendErrorLog(ctx context.Context, key, entry string, ttl time.Duration) error

	// GetAll returns every field currently set on key. Returns an empty,
	// non-nil map if key does not exist.
	GetAll(ctx context.Context, key string) (map[string]string, error)

	// Expire refreshes key's TTL without otherwise touching it.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes key entirely.
	Delete(ctx context.Context, key string) error

	// ListKeys returns every key with the given prefix, for the
	// Completion Trigger's stall watchdog to enumerate in-flight jobs.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Snapshot is the parsed, typed view of a Status Record's fields, used by
// the status HTTP handler and the Completion Trigger.
type Snapshot struct {
	JobID        string
	TotalFiles   int64
	TotalBatches int64
	Processed    int64
	Failed       int64
	CurrentBatch int64
	State        string
	StartedAt    time.Time
	CompletedAt  time.Time
	ErrorLog     []string
	LockToken    string
	Exists       bool
}

// Progress renders the "<processed>/<total>" string the status endpoint
// derives (§6).
func (s Snapshot) Progress() string {
	return strconv.FormatInt(s.Processed, 10) + "/" + strconv.FormatInt(s.TotalFiles, 10)
}

// IsTerminal reports whether processed + failed has reached total_files
// (§4.10's completion predicate).
func (s Snapshot) IsTerminal() bool {
	return s.TotalFiles > 0 && s.Processed+s.Failed >= s.TotalFiles
}

func parseInt(fields map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(fields[key], 10, 64)
	return n
}

func parseTime(fields map[string]string, key string) time.Time {
	if fields[key] == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, fields[key])
	return t
}

// ParseSnapshot builds a typed Snapshot from a raw field map. Readers
// parse defensively (§4.2): malformed or missing numeric fields resolve
// to zero rather than erroring.
func ParseSnapshot(fields map[string]string) Snapshot {
	if len(fields) == 0 {
		return Snapshot{}
	}
	var errLog []string
	if raw := fields[FieldErrorLog]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &errLog)
	}
	return Snapshot{
		JobID:        fields[FieldJobID],
		TotalFiles:   parseInt(fields, FieldTotalFiles),
		TotalBatches: parseInt(fields, FieldTotalBatches),
		Processed:    parseInt(fields, FieldProcessed),
		Failed:       parseInt(fields, FieldFailed),
		CurrentBatch: parseInt(fields, FieldCurrentBatch),
		State:        fields[FieldState],
		StartedAt:    parseTime(fields, FieldStartedAt),
		CompletedAt:  parseTime(fields, FieldCompletedAt),
		ErrorLog:     errLog,
		LockToken:    fields[FieldLockToken],
		Exists:       true,
	}
}

// EncodeErrorLog appends entry to an existing JSON-encoded log, truncating
// the oldest entries past MaxErrorLogEntries, and re-encodes it.
func EncodeErrorLog(existing string, entry string) (string, error) {
	var log []string
	if existing != "" {
		_ = json.Unmarshal([]byte(existing), &log)
	}
	log = append(log, entry)
	if len(log) > MaxErrorLogEntries {
		log = log[len(log)-MaxErrorLogEntries:]
	}
	out, err := json.Marshal(log)
	return string(out), err
}
