// Package metrics implements the Metrics Aggregator (SPEC_FULL §4.11): a
// periodic sampler that publishes stream depth/idle, Status Record state
// counts, and store write throughput as Prometheus gauges, grounded on
// the client_golang usage the rest of the pack wires for its own
// observability surfaces.
package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/giak/mnemo-lite/internal/statusrecord"
	"github.com/giak/mnemo-lite/internal/store"
	"github.com/giak/mnemo-lite/internal/streamsub"
)

// DefaultSampleInterval is how often the aggregator re-samples (§4.11).
const DefaultSampleInterval = 10 * time.Second

// Aggregator owns the gauges and the background sampling loop.
type Aggregator struct {
	Substrate       streamsub.Substrate
	Status          statusrecord.Store
	Store           store.Store
	Log             *zap.Logger
	SampleInterval  time.Duration
	StatusKeyPrefix string

	Registry *prometheus.Registry

	streamPending *prometheus.GaugeVec
	streamIdleMs  *prometheus.GaugeVec
	statusState   *prometheus.GaugeVec
	rowsWritten   prometheus.Gauge

	lastSampleUnix int64
}

// New builds an Aggregator with its gauges registered against a fresh
// registry.
func New(substrate streamsub.Substrate, status statusrecord.Store, st store.Store, log *zap.Logger) *Aggregator {
	reg := prometheus.NewRegistry()

	a := &Aggregator{
		Substrate:       substrate,
		Status:          status,
		Store:           st,
		Log:             log,
		SampleInterval:  DefaultSampleInterval,
		StatusKeyPrefix: "indexing:status:",
		Registry:        reg,
		streamPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mnemo",
			Subsystem: "stream",
			Name:      "pending_total",
			Help:      "Pending entries in a consumer group's pending entries list.",
		}, []string{"stream", "group"}),
		streamIdleMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mnemo",
			Subsystem: "stream",
			Name:      "max_idle_milliseconds",
			Help:      "Idle time of the longest-waiting pending entry.",
		}, []string{"stream", "group"}),
		statusState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mnemo",
			Subsystem: "indexing",
			Name:      "jobs_in_state",
			Help:      "Number of indexing jobs currently in each lifecycle state.",
		}, []string{"state"}),
		rowsWritten: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mnemo",
			Subsystem: "store",
			Name:      "rows_written_last_sample",
			Help:      "Rows written to the store since the previous sample.",
		}),
	}
	reg.MustRegister(a.streamPending, a.streamIdleMs, a.statusState, a.rowsWritten)
	return a
}

// Run samples on SampleInterval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	interval := a.SampleInterval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	a.lastSampleUnix = time.Now().Unix()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sample(ctx)
		}
	}
}

func (a *Aggregator) sample(ctx context.Context) {
	now := time.Now()

	if summary, err := a.Substrate.PendingSummary(ctx, streamsub.AutoSaveStreamKey, streamsub.GroupConversation); err == nil {
		a.streamPending.WithLabelValues(streamsub.AutoSaveStreamKey, streamsub.GroupConversation).Set(float64(summary.TotalPending))
		a.streamIdleMs.WithLabelValues(streamsub.AutoSaveStreamKey, streamsub.GroupConversation).Set(float64(summary.MaxIdleMs))
	} else {
		a.Log.Warn("metrics: failed to sample auto-save pending summary", zap.Error(err))
	}

	a.sampleStatusStates(ctx)

	if a.Store != nil {
		if n, err := a.Store.RowsWrittenSince(ctx, a.lastSampleUnix); err == nil {
			a.rowsWritten.Set(float64(n))
		} else {
			a.Log.Warn("metrics: failed to sample store throughput", zap.Error(err))
		}
	}
	a.lastSampleUnix = now.Unix()
}

// sampleStatusStates enumerates every Status Record and tallies the
// lifecycle states, resetting the counts each pass so a job that
// transitioned out of a state is not double-counted.
func (a *Aggregator) sampleStatusStates(ctx context.Context) {
	keys, err := a.Status.ListKeys(ctx, "indexing:status:")
	if err != nil {
		a.Log.Warn("metrics: failed to list status keys", zap.Error(err))
		return
	}

	counts := map[string]int{
		statusrecord.StatePending:            0,
		statusrecord.StateProcessing:         0,
		statusrecord.StateCompleted:          0,
		statusrecord.StateCompletedWithError: 0,
		statusrecord.StateFailed:             0,
	}
	for _, key := range keys {
		fields, err := a.Status.GetAll(ctx, key)
		if err != nil {
			continue
		}
		snap := statusrecord.ParseSnapshot(fields)
		if !snap.Exists {
			continue
		}
		counts[snap.State]++
	}
	for state, n := range counts {
		a.statusState.WithLabelValues(state).Set(float64(n))
	}

	var repos []string
	for _, k := range keys {
		repos = append(repos, strings.TrimPrefix(k, "indexing:status:"))
	}
	for _, repo := range repos {
		streamKey := streamsub.JobStreamKey(repo)
		summary, err := a.Substrate.PendingSummary(ctx, streamKey, streamsub.GroupIndexing)
		if err != nil {
			continue
		}
		a.streamPending.WithLabelValues(streamKey, streamsub.GroupIndexing).Set(float64(summary.TotalPending))
		a.streamIdleMs.WithLabelValues(streamKey, streamsub.GroupIndexing).Set(float64(summary.MaxIdleMs))
	}
}
