package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	onlineUsersKey = "online_users"

	// Cross-process announcement topic for presence transitions. The REST
	// backend consumes it and republishes per-channel presence.updated events
	// to the members' channel topics.
	announceTopic = "events:presence"
)

func statusKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// RedisStore keeps one TTL'd status hash per user plus a set of online users.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func announcement(userID, status string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"type": "presence.updated",
		"data": map[string]string{"user_id": userID, "status": status},
	})
	return payload
}

func (s *RedisStore) SetOnline(ctx context.Context, userID string, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()

	pipe.SAdd(ctx, onlineUsersKey, userID)
	pipe.HSet(ctx, statusKey(userID), map[string]interface{}{
		"status":     "online",
		"last_seen":  time.Now().Unix(),
		"updated_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, statusKey(userID), ttl)
	pipe.Publish(ctx, announceTopic, announcement(userID, "online"))

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SetOffline(ctx context.Context, userID string) error {
	pipe := s.rdb.Pipeline()

	pipe.SRem(ctx, onlineUsersKey, userID)
	pipe.HSet(ctx, statusKey(userID), map[string]interface{}{
		"status":     "offline",
		"last_seen":  time.Now().Unix(),
		"updated_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, statusKey(userID), 24*time.Hour)
	pipe.Publish(ctx, announceTopic, announcement(userID, "offline"))

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Refresh(ctx context.Context, userID string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, statusKey(userID), ttl).Err()
}

// IsOnline reports membership in the online set, used by the health surface.
func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	return s.rdb.SIsMember(ctx, onlineUsersKey, userID).Result()
}
