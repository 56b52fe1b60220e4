//go:build integration

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"eligibility-gateway/internal/cache"
	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
	"eligibility-gateway/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *cache.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = cache.NewRedisStore(s.redis.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	fp := id.ComputeFingerprint("M1", map[string]string{"plan": "ppo"})

	entry := cache.Entry{
		Fingerprint: fp,
		SubjectID:   "M1",
		Outcome:     domain.Success([]byte(`{"eligible":true}`)),
		StoredAt:    time.Now().Truncate(time.Millisecond),
		TTL:         time.Hour,
	}
	s.Require().NoError(s.store.Put(ctx, entry))

	got, err := s.store.Get(ctx, fp)
	s.Require().NoError(err)
	s.Equal(entry.Fingerprint, got.Fingerprint)
	s.Equal(entry.Outcome, got.Outcome)
	s.False(got.IsStale(time.Now()))
}

func (s *RedisStoreSuite) TestMissAndDelete() {
	ctx := context.Background()
	fp := id.ComputeFingerprint("M2", nil)

	_, err := s.store.Get(ctx, fp)
	s.Require().Error(err)
	s.True(pkgerrors.HasCode(err, pkgerrors.CodeCacheMiss))

	entry := cache.Entry{
		Fingerprint: fp,
		SubjectID:   "M2",
		Outcome:     domain.Failure("payer_down", true),
		StoredAt:    time.Now(),
		TTL:         time.Minute,
	}
	s.Require().NoError(s.store.Put(ctx, entry))
	s.Require().NoError(s.store.Delete(ctx, fp))

	_, err = s.store.Get(ctx, fp)
	s.True(pkgerrors.HasCode(err, pkgerrors.CodeCacheMiss))
}

func (s *RedisStoreSuite) TestStaleEntrySurvivesTTL() {
	ctx := context.Background()
	fp := id.ComputeFingerprint("M3", nil)

	entry := cache.Entry{
		Fingerprint: fp,
		SubjectID:   "M3",
		Outcome:     domain.Success([]byte(`{}`)),
		StoredAt:    time.Now().Add(-2 * time.Hour),
		TTL:         time.Hour,
	}
	s.Require().NoError(s.store.Put(ctx, entry))

	got, err := s.store.Get(ctx, fp)
	s.Require().NoError(err, "prefer-cached reads need stale entries past TTL")
	s.True(got.IsStale(time.Now()))
}
