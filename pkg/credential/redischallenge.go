package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const challengeKeyPrefix = "credential:challenge:"

// RedisChallengeStore implements ChallengeStore over Redis: a challenge is
// a short-TTL key written by whatever issues challenges (the external HTTP
// plane) and consumed exactly once here, via GETDEL, so replay is
// impossible regardless of how many gateway nodes race to consume it.
type RedisChallengeStore struct {
	rdb *redis.Client
}

// NewRedisChallengeStore constructs a RedisChallengeStore.
func NewRedisChallengeStore(rdb *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{rdb: rdb}
}

// Consume reports whether principalID had challenge outstanding, deleting
// it atomically either way.
func (s *RedisChallengeStore) Consume(ctx context.Context, principalID, challenge string) (bool, error) {
	key := challengeKeyPrefix + principalID + ":" + challenge
	val, err := s.rdb.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("consuming challenge for %s: %w", principalID, err)
	}
	return val == "1", nil
}
