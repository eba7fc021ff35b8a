package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RoomPrefix is the Redis key prefix for room member hashes.
	RoomPrefix = "presence:room:"

	// RoomTTL bounds how long an idle room hash survives a crashed instance.
	RoomTTL = 1 * time.Hour
)

// RedisStore keeps each room as a hash of user ID to JSON-encoded Member.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Join stores the member and refreshes the room's TTL.
func (s *RedisStore) Join(ctx context.Context, roomID string, m Member) error {
	if m.JoinedAt == 0 {
		m.JoinedAt = time.Now().UnixNano()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("presence: encode member: %w", err)
	}

	key := RoomPrefix + roomID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, m.UserID, data)
	pipe.Expire(ctx, key, RoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: join %s: %w", roomID, err)
	}
	return nil
}

// Leave removes the user's field from the room hash.
func (s *RedisStore) Leave(ctx context.Context, roomID, userID string) (bool, error) {
	n, err := s.client.HDel(ctx, RoomPrefix+roomID, userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: leave %s: %w", roomID, err)
	}
	return n > 0, nil
}

// Members reads the room hash. Fields that fail to decode are skipped.
func (s *RedisStore) Members(ctx context.Context, roomID string) ([]Member, error) {
	fields, err := s.client.HGetAll(ctx, RoomPrefix+roomID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: members of %s: %w", roomID, err)
	}

	out := make([]Member, 0, len(fields))
	for _, raw := range fields {
		var m Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	sortByJoin(out)
	return out, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client so that the rate limiter can
// share the connection pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
