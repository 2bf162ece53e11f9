package consumer

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultAutoSaveConcurrency is the bounded parallelism for auto-save
// dispatch (§5: "default: 4 concurrent upserts").
const DefaultAutoSaveConcurrency = 4

// autoSavePool dispatches auto-save messages to a handler function with
// bounded concurrency, the generalized form of the teacher's
// BatchedStream buffer/inflight idiom: instead of coalescing writes into
// one request, this coalesces dispatch into a capped number of concurrent
// in-flight handler calls so one slow store write never blocks every
// other pending message.
type autoSavePool struct {
	limit int

	mu sync.Mutex
	eg *errgroup.Group
}

func newAutoSavePool(limit int) *autoSavePool {
	if limit <= 0 {
		limit = DefaultAutoSaveConcurrency
	}
	eg := &errgroup.Group{}
	eg.SetLimit(limit)
	return &autoSavePool{limit: limit, eg: eg}
}

// Submit schedules fn to run, blocking only if limit in-flight calls are
// already running. fn's error is logged by the caller via a wrapped
// closure; Submit itself never returns a per-task error since it does not
// await completion.
func (p *autoSavePool) Submit(fn func() error) {
	p.mu.Lock()
	eg := p.eg
	p.mu.Unlock()
	eg.Go(fn)
}

// Wait blocks until every submitted task has completed.
func (p *autoSavePool) Wait(_ context.Context) error {
	p.mu.Lock()
	eg := p.eg
	p.mu.Unlock()
	return eg.Wait()
}
