// Package worker implements the Isolated Worker (spec §4.7): a
// short-lived, per-batch process that parses, chunks, embeds, and upserts
// each file in its batch, then writes a single JSON result line to its
// last line of standard output.
package worker

import "encoding/json"

// Args is the worker's command-line contract (§6):
//
//	mnemo-worker --repository <label> --db-url <connection-string> --files <comma-separated-paths>
type Args struct {
	Repository string
	DBURL      string
	Files      []string
}

// PerFileError is one entry in the result's per_file_errors list.
type PerFileError struct {
	FilePath string `json:"file_path"`
	Error    string `json:"error"`
}

// Result is the JSON object the worker writes as the last line of its
// standard output (§4.7 exit contract).
type Result struct {
	SuccessCount  int            `json:"success_count"`
	ErrorCount    int            `json:"error_count"`
	PerFileErrors []PerFileError `json:"per_file_errors,omitempty"`
}

// EncodeResult renders Result as the single JSON line the worker writes
// to its final line of standard output.
func EncodeResult(r Result) (string, error) {
	data, err := json.Marshal(r)
	return string(data), err
}

// DecodeResult parses the worker's final stdout line back into a Result.
func DecodeResult(line string) (Result, error) {
	var r Result
	err := json.Unmarshal([]byte(line), &r)
	return r, err
}
