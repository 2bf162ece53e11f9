package consumer

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/statusrecord"
	"github.com/giak/mnemo-lite/internal/streamsub"
)

// DefaultDiscoveryInterval is how often Discovery looks for repositories
// with a batch stream to consume but no running RunBatchStream goroutine
// yet.
const DefaultDiscoveryInterval = 5 * time.Second

// Discovery periodically sweeps the Status Record namespace and starts
// one RunBatchStream goroutine per repository currently in the
// processing state, following the same periodic-sweep shape the
// Completion Trigger's watchdog uses. Batch streams are created
// dynamically by the Batch Producer, so nothing else in the process
// knows ahead of time which repository keys will appear.
type Discovery struct {
	Loop     *Loop
	Status   statusrecord.Store
	Interval time.Duration
	Log      *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewDiscovery constructs a Discovery with the default sweep interval.
func NewDiscovery(loop *Loop, status statusrecord.Store, log *zap.Logger) *Discovery {
	return &Discovery{Loop: loop, Status: status, Interval: DefaultDiscoveryInterval, Log: log, active: make(map[string]struct{})}
}

// Run sweeps immediately and then on Interval until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	d.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Discovery) sweep(ctx context.Context) {
	keys, err := d.Status.ListKeys(ctx, "indexing:status:")
	if err != nil {
		d.Log.Error("discovery: failed to list status records", zap.Error(err))
		return
	}

	for _, key := range keys {
		repository := strings.TrimPrefix(key, "indexing:status:")

		d.mu.Lock()
		_, tracked := d.active[repository]
		d.mu.Unlock()
		if tracked {
			continue
		}

		fields, err := d.Status.GetAll(ctx, key)
		if err != nil {
			continue
		}
		snap := statusrecord.ParseSnapshot(fields)
		if !snap.Exists || snap.State != statusrecord.StateProcessing {
			continue
		}

		d.mu.Lock()
		d.active[repository] = struct{}{}
		d.mu.Unlock()

		streamKey := streamsub.JobStreamKey(repository)
		go func(repository, streamKey string) {
			defer func() {
				d.mu.Lock()
				delete(d.active, repository)
				d.mu.Unlock()
			}()
			if err := d.Loop.RunBatchStream(ctx, streamKey); err != nil {
				d.Log.Error("discovery: batch stream loop exited with error", zap.String("repository", repository), zap.Error(err))
			}
		}(repository, streamKey)
	}
}
