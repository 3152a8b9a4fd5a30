// Package redisstore keeps the small pieces of shared short-lived state that
// must not grow without bound: ask cooldowns and join-prompt dedup markers.
// Everything here has a TTL; nothing outlives the session it belongs to.
package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// AllowAsk returns false while the user's previous ask is still cooling down.
// The first call within the window wins.
func (s *Store) AllowAsk(ctx context.Context, userID string, cooldown time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, "ask_cooldown:"+userID, 1, cooldown).Result()
}

// MarkJoinPrompted records that a non-participant was already pointed at
// /start_session in this thread. Returns true exactly once per TTL window, so
// the prompt is not repeated and the marker cannot accumulate forever.
func (s *Store) MarkJoinPrompted(ctx context.Context, threadID, userID string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, "join_prompt:"+threadID+":"+userID, 1, ttl).Result()
}

// ClearJoinPrompt drops the marker when the user actually joins or the thread
// session ends.
func (s *Store) ClearJoinPrompt(ctx context.Context, threadID, userID string) error {
	return s.rdb.Del(ctx, "join_prompt:"+threadID+":"+userID).Err()
}
