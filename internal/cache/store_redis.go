package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
	"eligibility-gateway/pkg/platform/sentinel"
)

const keyPrefix = "eligibility:cache:"

// RedisStore persists cache entries in redis. Redis expiry is set to TTL plus
// the stale-retention bound, so stale-but-servable entries survive while
// truly dead ones age out without a janitor.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps a redis client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, fp id.Fingerprint) (*Entry, error) {
	raw, err := s.client.Get(ctx, keyPrefix+fp.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeCacheMiss, "no cache entry for fingerprint")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "cache read failed")
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "corrupt cache entry")
	}
	return &entry, nil
}

func (s *RedisStore) Put(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "encode cache entry")
	}
	expiry := entry.TTL + staleRetention
	if err := s.client.Set(ctx, keyPrefix+entry.Fingerprint.String(), raw, expiry).Err(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "cache write failed")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, fp id.Fingerprint) error {
	if err := s.client.Del(ctx, keyPrefix+fp.String()).Err(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "cache delete failed")
	}
	return nil
}
