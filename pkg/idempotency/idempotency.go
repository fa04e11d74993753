package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store deduplicates at-least-once webhook deliveries. Seen only
// reads; the caller records the key with Mark once the delivery has
// been fully applied, so a transient failure mid-processing leaves the
// key unset and the gateway's retry is re-evaluated. A lost key is
// harmless either way: the lifecycle engine's compare-and-set rejects
// a second application, this just avoids the round trip.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Key(event, reference string) string {
	return "webhook:" + event + ":" + reference
}

// Seen reports whether the key was already recorded.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records the key after the delivery was applied.
func (s *Store) Mark(ctx context.Context, key string) error {
	return s.rdb.Set(ctx, key, "1", s.ttl).Err()
}
