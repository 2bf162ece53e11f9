package streamsub

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemorySubstrate is an in-process Substrate double for tests, mirroring
// the teacher's MemoryStore: one lock for all streams, a monotonic sequence for
// message IDs, and an explicit pending map per group instead of Redis's
// PEL. It has no persistence and no retention trimming beyond approximateCap.
type MemorySubstrate struct {
	mu      sync.Mutex
	streams map[string]*memoryStream
	seq     int64
}

type memoryStream struct {
	entries []Message
	groups  map[string]*memoryGroup
}

type memoryGroup struct {
	cursor  int // index into entries already delivered via ">"
	pending map[MessageID]*pendingEntry
}

type pendingEntry struct {
	fields       Fields
	consumer     string
	deliveryCnt  int64
	lastDelivery time.Time
}

// NewMemorySubstrate returns an empty substrate double.
func NewMemorySubstrate() *MemorySubstrate {
	return &MemorySubstrate{streams: make(map[string]*memoryStream)}
}

func (s *MemorySubstrate) stream(streamKey string) *memoryStream {
	st, ok := s.streams[streamKey]
	if !ok {
		st = &memoryStream{groups: make(map[string]*memoryGroup)}
		s.streams[streamKey] = st
	}
	return st
}

func (s *MemorySubstrate) Append(_ context.Context, streamKey string, fields Fields, approximateCap int64) (MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := MessageID(strconv.FormatInt(s.seq, 10) + "-0")
	st := s.stream(streamKey)
	st.entries = append(st.entries, Message{ID: id, Fields: cloneFields(fields)})

	if approximateCap > 0 && int64(len(st.entries)) > approximateCap {
		trim := int64(len(st.entries)) - approximateCap
		st.entries = st.entries[trim:]
		for _, g := range st.groups {
			g.cursor -= int(trim)
			if g.cursor < 0 {
				g.cursor = 0
			}
		}
	}
	return id, nil
}

func (s *MemorySubstrate) EnsureGroup(_ context.Context, streamKey, group string, start GroupStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(streamKey)
	if _, ok := st.groups[group]; ok {
		return nil
	}
	cursor := len(st.entries)
	if start == StartHead {
		cursor = 0
	}
	st.groups[group] = &memoryGroup{cursor: cursor, pending: make(map[MessageID]*pendingEntry)}
	return nil
}

func (s *MemorySubstrate) ReadGroup(_ context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	deadline := time.Now().Add(block)
	for {
		if msgs := s.drain(streamKey, group, consumer, count); len(msgs) > 0 {
			return msgs, nil
		}
		if block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *MemorySubstrate) drain(streamKey, group, consumer string, count int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(streamKey)
	g, ok := st.groups[group]
	if !ok {
		g = &memoryGroup{cursor: len(st.entries), pending: make(map[MessageID]*pendingEntry)}
		st.groups[group] = g
	}

	var out []Message
	now := time.Now()
	for g.cursor < len(st.entries) && int64(len(out)) < count {
		m := st.entries[g.cursor]
		g.cursor++
		g.pending[m.ID] = &pendingEntry{fields: m.Fields, consumer: consumer, deliveryCnt: 1, lastDelivery: now}
		out = append(out, Message{ID: m.ID, Fields: cloneFields(m.Fields), DeliveryCount: 1})
	}
	return out
}

func (s *MemorySubstrate) Acknowledge(_ context.Context, streamKey, group string, id MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamKey]
	if !ok {
		return nil
	}
	g, ok := st.groups[group]
	if !ok {
		return nil
	}
	delete(g.pending, id)
	return nil
}

func (s *MemorySubstrate) PendingSummary(_ context.Context, streamKey, group string) (PendingSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamKey]
	if !ok {
		return PendingSummary{}, nil
	}
	g, ok := st.groups[group]
	if !ok || len(g.pending) == 0 {
		return PendingSummary{}, nil
	}
	now := time.Now()
	out := PendingSummary{TotalPending: int64(len(g.pending))}
	first := true
	for _, p := range g.pending {
		idle := now.Sub(p.lastDelivery).Milliseconds()
		if first || idle < out.MinIdleMs {
			out.MinIdleMs = idle
		}
		if idle > out.MaxIdleMs {
			out.MaxIdleMs = idle
		}
		first = false
	}
	return out, nil
}

func (s *MemorySubstrate) ClaimStale(_ context.Context, streamKey, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamKey]
	if !ok {
		return nil, nil
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, nil
	}

	var ids []MessageID
	now := time.Now()
	for id, p := range g.pending {
		if now.Sub(p.lastDelivery) >= minIdle {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if int64(len(ids)) > count {
		ids = ids[:count]
	}

	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		p := g.pending[id]
		p.consumer = consumer
		p.deliveryCnt++
		p.lastDelivery = now
		out = append(out, Message{ID: id, Fields: cloneFields(p.fields), DeliveryCount: p.deliveryCnt})
	}
	return out, nil
}

func (s *MemorySubstrate) Close() error { return nil }

func cloneFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
