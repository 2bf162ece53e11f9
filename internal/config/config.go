// Package config defines the go-flags CLI/env configuration surfaces for
// both binaries, following the pack's long/env/default tag idiom
// (estuary-flow/authn/main.go, estuary-flow/go/flow-ingester) rather than
// a bespoke flag-parsing layer.
package config

import "time"

// ServeConfig is cmd/mnemod's top-level configuration.
type ServeConfig struct {
	CaddyfilePath string `long:"caddyfile" env:"MNEMO_CADDYFILE" description:"Path to a Caddyfile; when empty a default single-route config is used"`
	ListenAddr    string `long:"listen" env:"MNEMO_LISTEN" default:":4437" description:"HTTP listen address for the ingest endpoint"`

	RedisURL       string `long:"redis-url" env:"MNEMO_REDIS_URL" default:"redis://127.0.0.1:6379/0" description:"Durable stream substrate and status record connection string"`
	DBURL          string `long:"db-url" env:"MNEMO_DB_URL" default:"mnemo.duckdb" description:"Embedded store connection string, passed through to worker subprocesses"`
	DeadLetterPath string `long:"deadletter-path" env:"MNEMO_DEADLETTER_PATH" default:"mnemo-deadletters.bolt" description:"Dead-letter archive file path"`
	WorkerBinary   string `long:"worker-binary" env:"MNEMO_WORKER_BINARY" default:"mnemo-worker" description:"Path to the mnemo-worker executable"`

	BatchSize        int           `long:"batch-size" env:"MNEMO_BATCH_SIZE" default:"40" description:"Directory scanner shard size"`
	ApproximateCap   int64         `long:"approximate-cap" env:"MNEMO_APPROXIMATE_CAP" default:"1000" description:"Approximate stream retention cap"`
	StatusTTL        time.Duration `long:"status-ttl" env:"MNEMO_STATUS_TTL" default:"24h" description:"Status record retention window"`
	LockTTL          time.Duration `long:"lock-ttl" env:"MNEMO_LOCK_TTL" default:"5m" description:"Repository lock hold time"`
	WorkerTimeout    time.Duration `long:"worker-timeout" env:"MNEMO_WORKER_TIMEOUT" default:"300s" description:"Per-batch worker subprocess timeout"`
	MaxRetryAttempts int64         `long:"max-retry-attempts" env:"MNEMO_MAX_RETRY_ATTEMPTS" default:"3" description:"Batch-level retry budget before a message is dropped"`
	MetricsInterval  time.Duration `long:"metrics-interval" env:"MNEMO_METRICS_INTERVAL" default:"10s" description:"Metrics aggregator sample interval"`

	Dev bool `long:"dev" env:"MNEMO_DEV" description:"Use a development (console) logger instead of production JSON"`
}

// WorkerConfig is cmd/mnemo-worker's command-line contract (§6):
//
//	mnemo-worker --repository <label> --db-url <connection-string> --files <comma-separated-paths>
type WorkerConfig struct {
	Repository string `long:"repository" required:"true" description:"Repository label the batch belongs to"`
	DBURL      string `long:"db-url" required:"true" description:"Embedded store connection string"`
	Files      string `long:"files" required:"true" description:"Comma-separated absolute file paths to process"`
}
