// Package ingest implements the Ingest Endpoint (spec §4.3) as a Caddy
// HTTP middleware module, the way the teacher exposes its stream protocol:
// a caddy.Provisioner/Validator/CleanerUpper plus
// caddyhttp.MiddlewareHandler.
package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/autosave"
	"github.com/giak/mnemo-lite/internal/completion"
	"github.com/giak/mnemo-lite/internal/consumer"
	"github.com/giak/mnemo-lite/internal/deadletter"
	"github.com/giak/mnemo-lite/internal/lock"
	"github.com/giak/mnemo-lite/internal/metrics"
	"github.com/giak/mnemo-lite/internal/producer"
	"github.com/giak/mnemo-lite/internal/scanner"
	"github.com/giak/mnemo-lite/internal/statusrecord"
	"github.com/giak/mnemo-lite/internal/store"
	"github.com/giak/mnemo-lite/internal/streamsub"
	"github.com/giak/mnemo-lite/internal/supervisor"
)

func init() {
	caddy.RegisterModule(&Handler{})
	httpcaddyfile.RegisterHandlerDirective("mnemo_indexing", parseCaddyfile)
}

// Handler serves the batch-start, batch-status, auto-save-enqueue,
// conversation-metrics and dead-letter routes (§6).
type Handler struct {
	// RedisURL is the Durable Stream Substrate / Status Record connection
	// string. Overridable by MNEMO_REDIS_URL.
	RedisURL string `json:"redis_url,omitempty"`

	// DeadLetterPath is the bbolt file backing the Dead-Letter Archive
	// (SPEC_FULL §4.12). Overridable by MNEMO_DEADLETTER_PATH.
	DeadLetterPath string `json:"deadletter_path,omitempty"`

	// BatchSize is the Directory Scanner's fixed shard size (§4.4).
	BatchSize int `json:"batch_size,omitempty"`

	// ApproximateCap loosely bounds stream length (§4.1).
	ApproximateCap int64 `json:"approximate_cap,omitempty"`

	// StatusTTL is the Status Record retention window (§3).
	StatusTTL caddy.Duration `json:"status_ttl,omitempty"`

	// LockTTL bounds how long a repository-label lock (§9 open question 1)
	// is held before it must be refreshed or expires on its own.
	LockTTL caddy.Duration `json:"lock_ttl,omitempty"`

	// DBURL is the embedded store connection string, shared by the
	// auto-save handler's store and passed to every worker subprocess.
	DBURL string `json:"db_url,omitempty"`

	// WorkerBinary is the path to the mnemo-worker executable the Worker
	// Supervisor spawns per batch.
	WorkerBinary string `json:"worker_binary,omitempty"`

	// WorkerTimeout bounds one worker subprocess's run (§4.8 step 4).
	WorkerTimeout caddy.Duration `json:"worker_timeout,omitempty"`

	// MaxRetryAttempts is the batch-level retry budget (§4.8).
	MaxRetryAttempts int64 `json:"max_retry_attempts,omitempty"`

	// MetricsInterval is the Metrics Aggregator's sample interval
	// (SPEC_FULL §4.11).
	MetricsInterval caddy.Duration `json:"metrics_interval,omitempty"`

	logger      *zap.Logger
	redis       *redis.Client
	substrate   streamsub.Substrate
	status      statusrecord.Store
	locker      lock.Locker
	producer    *producer.Producer
	deadLetters *deadletter.Archive
	store       store.Store
	trigger     *completion.Trigger
	watchdog    *completion.Watchdog
	discovery   *consumer.Discovery
	loop        *consumer.Loop
	aggregator  *metrics.Aggregator

	lastConversationSaveUnix atomic.Int64

	bgCancel context.CancelFunc
}

// CaddyModule returns the Caddy module information.
func (*Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.mnemo_indexing",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision wires the substrate, status record, lock, dead-letter archive
// and producer into the handler.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.RedisURL == "" {
		h.RedisURL = "redis://127.0.0.1:6379/0"
	}
	if h.BatchSize == 0 {
		h.BatchSize = scanner.DefaultBatchSize
	}
	if h.ApproximateCap == 0 {
		h.ApproximateCap = producer.ApproximateCap
	}
	if h.StatusTTL == 0 {
		h.StatusTTL = caddy.Duration(statusrecord.DefaultTTL)
	}
	if h.LockTTL == 0 {
		h.LockTTL = caddy.Duration(5 * time.Minute)
	}
	if h.DBURL == "" {
		h.DBURL = "mnemo.duckdb"
	}
	if h.WorkerBinary == "" {
		h.WorkerBinary = "mnemo-worker"
	}
	if h.WorkerTimeout == 0 {
		h.WorkerTimeout = caddy.Duration(supervisor.DefaultTimeout)
	}
	if h.MaxRetryAttempts == 0 {
		h.MaxRetryAttempts = supervisor.DefaultMaxRetryAttempts
	}
	if h.MetricsInterval == 0 {
		h.MetricsInterval = caddy.Duration(metrics.DefaultSampleInterval)
	}

	opts, err := redis.ParseURL(h.RedisURL)
	if err != nil {
		return fmt.Errorf("mnemo_indexing: invalid redis_url: %w", err)
	}
	h.redis = redis.NewClient(opts)
	h.substrate = streamsub.NewRedisSubstrate(h.redis, h.logger)
	h.status = statusrecord.NewRedisStore(h.redis)
	h.locker = lock.NewRedisLocker(h.redis)
	h.producer = producer.New(h.substrate, h.status, h.logger)
	h.producer.TTL = time.Duration(h.StatusTTL)

	if h.DeadLetterPath != "" {
		archive, err := deadletter.Open(h.DeadLetterPath)
		if err != nil {
			return fmt.Errorf("mnemo_indexing: failed to open dead-letter archive: %w", err)
		}
		h.deadLetters = archive
		h.logger.Info("dead-letter archive opened", zap.String("path", h.DeadLetterPath))
	}

	duckStore, err := store.OpenDuckDBStore(h.DBURL)
	if err != nil {
		return fmt.Errorf("mnemo_indexing: failed to open store: %w", err)
	}
	h.store = duckStore

	h.trigger = completion.New(h.status, h.locker, nil, h.logger)
	h.trigger.TTL = time.Duration(h.StatusTTL)

	sup := supervisor.New(h.substrate, h.status, h.trigger, h.deadLetters, h.WorkerBinary, h.DBURL, h.logger)
	sup.Timeout = time.Duration(h.WorkerTimeout)
	sup.MaxRetryAttempts = h.MaxRetryAttempts

	autoSaveHandler := autosave.New(h.substrate, &saveWatchStore{Store: h.store, lastConversationSaveUnix: &h.lastConversationSaveUnix}, h.logger)
	autoSaveHandler.MaxRetryAttempts = h.MaxRetryAttempts

	consumerCfg := consumer.DefaultConfig()
	consumerCfg.MaxProcessingTime = time.Duration(h.WorkerTimeout)
	h.loop = consumer.NewLoop(h.substrate, sup, autoSaveHandler, consumerCfg, h.logger)
	h.discovery = consumer.NewDiscovery(h.loop, h.status, h.logger)

	h.watchdog = completion.NewWatchdog(h.status, h.locker, h.logger)
	h.aggregator = metrics.New(h.substrate, h.status, h.store, h.logger)
	h.aggregator.SampleInterval = time.Duration(h.MetricsInterval)

	bgCtx, cancel := context.WithCancel(context.Background())
	h.bgCancel = cancel
	go h.loop.Run(bgCtx)
	go h.discovery.Run(bgCtx)
	go h.watchdog.Start(bgCtx)
	go h.aggregator.Run(bgCtx)

	h.logger.Info("mnemo_indexing provisioned", zap.String("redis_url", h.RedisURL))
	return nil
}

// Validate ensures the handler configuration is sane.
func (h *Handler) Validate() error {
	if h.BatchSize < 0 {
		return fmt.Errorf("mnemo_indexing: batch_size must be positive")
	}
	return nil
}

// Cleanup stops the background services and releases resources.
func (h *Handler) Cleanup() error {
	if h.bgCancel != nil {
		h.bgCancel()
	}
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	if h.store != nil {
		_ = h.store.Close()
	}
	if h.deadLetters != nil {
		if err := h.deadLetters.Close(); err != nil {
			return err
		}
	}
	if h.status != nil {
		_ = h.status.Close()
	}
	if h.substrate != nil {
		return h.substrate.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses:
//
//	mnemo_indexing {
//	    redis_url redis://127.0.0.1:6379/0
//	    deadletter_path /var/lib/mnemo/deadletters.bolt
//	    batch_size 40
//	    approximate_cap 1000
//	    status_ttl 24h
//	    lock_ttl 5m
//	    db_url mnemo.duckdb
//	    worker_binary /usr/local/bin/mnemo-worker
//	    worker_timeout 300s
//	    max_retry_attempts 3
//	    metrics_interval 10s
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "redis_url":
				if !d.Args(&h.RedisURL) {
					return d.ArgErr()
				}
			case "deadletter_path":
				if !d.Args(&h.DeadLetterPath) {
					return d.ArgErr()
				}
			case "batch_size":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid batch_size: %v", err)
				}
				h.BatchSize = n
			case "approximate_cap":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid approximate_cap: %v", err)
				}
				h.ApproximateCap = int64(n)
			case "status_ttl":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.StatusTTL = caddy.Duration(dur)
			case "lock_ttl":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LockTTL = caddy.Duration(dur)
			case "db_url":
				if !d.Args(&h.DBURL) {
					return d.ArgErr()
				}
			case "worker_binary":
				if !d.Args(&h.WorkerBinary) {
					return d.ArgErr()
				}
			case "worker_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.WorkerTimeout = caddy.Duration(dur)
			case "max_retry_attempts":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_retry_attempts: %v", err)
				}
				h.MaxRetryAttempts = int64(n)
			case "metrics_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.MetricsInterval = caddy.Duration(dur)
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
