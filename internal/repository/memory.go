package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryDedupTracker is the in-process tracker used when Redis is absent or down.
type MemoryDedupTracker struct {
	keys *cache.Cache
}

func NewMemoryDedupTracker(ttl time.Duration) *MemoryDedupTracker {
	return &MemoryDedupTracker{
		keys: cache.New(ttl, 2*ttl),
	}
}

func (r *MemoryDedupTracker) Seen(_ context.Context, bookingID, rule string) (bool, error) {
	_, found := r.keys.Get(dedupKey("", bookingID, rule))
	return found, nil
}

func (r *MemoryDedupTracker) Mark(_ context.Context, bookingID, rule string) error {
	r.keys.SetDefault(dedupKey("", bookingID, rule), struct{}{})
	return nil
}

func (r *MemoryDedupTracker) Forget(_ context.Context, bookingID, rule string) error {
	r.keys.Delete(dedupKey("", bookingID, rule))
	return nil
}

// dedupKey builds "<prefix>:dedup:<rule>:<bookingID>".
func dedupKey(prefix, bookingID, rule string) string {
	if prefix == "" {
		return fmt.Sprintf("dedup:%s:%s", rule, bookingID)
	}
	return fmt.Sprintf("%s:dedup:%s:%s", prefix, rule, bookingID)
}
