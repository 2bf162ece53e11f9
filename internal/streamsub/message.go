package streamsub

import (
	"encoding/json"
	"time"
)

// Stream key and consumer group conventions (§6).
const (
	GroupIndexing     = "indexing-workers"
	GroupConversation = "conversation-workers"
)

// JobStreamKey returns the per-repository batch stream key.
func JobStreamKey(repository string) string {
	return "indexing:jobs:" + repository
}

// StatusKey returns the per-repository Status Record key.
func StatusKey(repository string) string {
	return "indexing:status:" + repository
}

// AutoSaveStreamKey is the single global auto-save stream.
const AutoSaveStreamKey = "conversations:autosave"

// BatchMessage is the batch-variant stream payload (§3).
type BatchMessage struct {
	JobID        string    `json:"job_id"`
	Repository   string    `json:"repository"`
	BatchNumber  int       `json:"batch_number"`
	TotalBatches int       `json:"total_batches"`
	FilePaths    []string  `json:"file_paths"`
	CreatedAt    time.Time `json:"created_at"`
}

// EncodeBatchMessage serializes a BatchMessage into Fields, ready for
// Substrate.Append.
func EncodeBatchMessage(m BatchMessage) (Fields, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return Fields{"payload": string(payload)}, nil
}

// DecodeBatchMessage is the inverse of EncodeBatchMessage.
func DecodeBatchMessage(f Fields) (BatchMessage, error) {
	var m BatchMessage
	err := json.Unmarshal([]byte(f["payload"]), &m)
	return m, err
}

// AutoSaveMessage is the auto-save-variant stream payload (§3).
type AutoSaveMessage struct {
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	Project          string    `json:"project"`
	Session          string    `json:"session"`
	Timestamp        time.Time `json:"timestamp"`
}

// EncodeAutoSaveMessage serializes an AutoSaveMessage into Fields.
func EncodeAutoSaveMessage(m AutoSaveMessage) (Fields, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return Fields{"payload": string(payload)}, nil
}

// DecodeAutoSaveMessage is the inverse of EncodeAutoSaveMessage.
func DecodeAutoSaveMessage(f Fields) (AutoSaveMessage, error) {
	var m AutoSaveMessage
	err := json.Unmarshal([]byte(f["payload"]), &m)
	return m, err
}
