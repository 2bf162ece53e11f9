package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/giak/mnemo-lite/internal/store"
)

// saveWatchStore wraps a Store and records the unix time of the last
// successful conversation upsert, so GET /v1/conversations/metrics (§6)
// can report a real last_save instead of the request time.
type saveWatchStore struct {
	store.Store
	lastConversationSaveUnix *atomic.Int64
}

func (s *saveWatchStore) UpsertConversation(ctx context.Context, c store.Conversation) error {
	if err := s.Store.UpsertConversation(ctx, c); err != nil {
		return err
	}
	s.lastConversationSaveUnix.Store(time.Now().UTC().Unix())
	return nil
}
