package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const defaultRedisPrefix = "authsession"

// RedisStore keeps the credential in Redis so several processes of the same
// client share one session. Entries expire with the access token.
type RedisStore struct {
	redis    redis.UniversalClient
	prefix   string
	clientID string
}

// NewRedisStore returns a store under key prefix:clientID. An empty prefix
// falls back to "authsession".
func NewRedisStore(client redis.UniversalClient, prefix, clientID string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{redis: client, prefix: prefix, clientID: clientID}, nil
}

func (s *RedisStore) key() string {
	return s.prefix + ":" + s.clientID
}

func (s *RedisStore) Load(ctx context.Context) (*oauth2.Token, error) {
	data, err := s.redis.Get(ctx, s.key()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return r.token(), nil
}

func (s *RedisStore) Save(ctx context.Context, token *oauth2.Token) error {
	if err := validateToken(token); err != nil {
		return err
	}

	data, err := json.Marshal(newRecord(s.clientID, token))
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	// Zero TTL keeps the key until the next Save or Clear. A refresh token
	// outlives the access token, so only bare access tokens expire.
	var ttl time.Duration
	if !token.Expiry.IsZero() && token.RefreshToken == "" {
		ttl = max(time.Until(token.Expiry), time.Second)
	}
	if err := s.redis.Set(ctx, s.key(), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
