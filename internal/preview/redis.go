package preview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/example/medscan/internal/media"
)

const (
	fieldContentType = "content_type"
	fieldData        = "data"
)

// RedisStore keeps previews in Redis hashes. The TTL only bounds previews
// whose owner died without releasing them; live workflows release
// explicitly.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore constructs a Redis-backed store. A non-positive ttl
// disables expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: "preview:"}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Create(ctx context.Context, img media.Image) (Handle, error) {
	id := uuid.NewString()
	key := s.key(id)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldContentType, img.ContentType, fieldData, img.Data)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return Handle{}, fmt.Errorf("store preview: %w", err)
	}
	return newHandle(id), nil
}

func (s *RedisStore) Open(ctx context.Context, id string) (*Object, error) {
	values, err := s.client.HMGet(ctx, s.key(id), fieldContentType, fieldData).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load preview: %w", err)
	}

	contentType, _ := values[0].(string)
	data, _ := values[1].(string)
	if contentType == "" && data == "" {
		return nil, ErrNotFound
	}
	return &Object{ContentType: contentType, Data: []byte(data)}, nil
}

func (s *RedisStore) Release(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("release preview: %w", err)
	}
	return nil
}
