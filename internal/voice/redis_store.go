package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func rosterKey(channelID string) string {
	return fmt.Sprintf("voice:roster:%s", channelID)
}

func pointerKey(userID string) string {
	return fmt.Sprintf("voice:user:%s", userID)
}

// clearPointerScript deletes the reverse pointer only when it still holds
// the expected channel, so a concurrent join is never clobbered.
var clearPointerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps one hash per channel roster (field per user, JSON value)
// and one string per user for the reverse pointer, all TTL'd. Redis drops
// hash keys once their last field is removed, which gives the
// delete-roster-when-empty behavior for free.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Participant(ctx context.Context, channelID, userID string) (*Participant, error) {
	raw, err := s.rdb.HGet(ctx, rosterKey(channelID), userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode voice participant: %w", err)
	}
	return &p, nil
}

func (s *RedisStore) Roster(ctx context.Context, channelID string) ([]Participant, error) {
	entries, err := s.rdb.HGetAll(ctx, rosterKey(channelID)).Result()
	if err != nil {
		return nil, err
	}

	roster := make([]Participant, 0, len(entries))
	for _, raw := range entries {
		var p Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode voice participant: %w", err)
		}
		roster = append(roster, p)
	}
	return roster, nil
}

func (s *RedisStore) Upsert(ctx context.Context, channelID string, p Participant, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, rosterKey(channelID), p.UserID, raw)
	pipe.Expire(ctx, rosterKey(channelID), ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Remove(ctx context.Context, channelID, userID string) error {
	return s.rdb.HDel(ctx, rosterKey(channelID), userID).Err()
}

func (s *RedisStore) UserChannel(ctx context.Context, userID string) (string, error) {
	channelID, err := s.rdb.Get(ctx, pointerKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return channelID, nil
}

func (s *RedisStore) SetUserChannel(ctx context.Context, userID, channelID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, pointerKey(userID), channelID, ttl).Err()
}

func (s *RedisStore) ClearUserChannel(ctx context.Context, userID, channelID string) error {
	return clearPointerScript.Run(ctx, s.rdb, []string{pointerKey(userID)}, channelID).Err()
}

func (s *RedisStore) Refresh(ctx context.Context, channelID, userID string, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.Expire(ctx, rosterKey(channelID), ttl)
	pipe.Expire(ctx, pointerKey(userID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}
