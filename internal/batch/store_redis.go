package batch

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
	"eligibility-gateway/pkg/platform/sentinel"
)

const (
	jobKeyPrefix        = "eligibility:jobs:"
	checkpointKeyPrefix = "eligibility:checkpoints:"
	jobIndexKey         = "eligibility:jobs:index"
)

// RedisStore persists jobs and checkpoints as JSON values, with a set index
// for listing. Jobs and checkpoints have no expiry: terminal jobs are the
// audit trail of what ran.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps a redis client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CreateJob(ctx context.Context, job *domain.ScheduledJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "encode job")
	}
	created, err := s.client.SetNX(ctx, jobKeyPrefix+job.JobID.String(), raw, 0).Result()
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "job write failed")
	}
	if !created {
		return pkgerrors.Wrap(sentinel.ErrConflict, pkgerrors.CodeConflict, "job already exists")
	}
	if err := s.client.SAdd(ctx, jobIndexKey, job.JobID.String()).Err(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "job index write failed")
	}
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, jobID id.JobID) (*domain.ScheduledJob, error) {
	raw, err := s.client.Get(ctx, jobKeyPrefix+jobID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeNotFound, "job not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "job read failed")
	}
	var job domain.ScheduledJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "corrupt job record")
	}
	return &job, nil
}

func (s *RedisStore) UpdateJob(ctx context.Context, job *domain.ScheduledJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "encode job")
	}
	updated, err := s.client.SetXX(ctx, jobKeyPrefix+job.JobID.String(), raw, 0).Result()
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "job write failed")
	}
	if !updated {
		return pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeNotFound, "job not found")
	}
	return nil
}

func (s *RedisStore) ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]*domain.ScheduledJob, error) {
	ids, err := s.client.SMembers(ctx, jobIndexKey).Result()
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "job index read failed")
	}
	wanted := make(map[domain.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	out := make([]*domain.ScheduledJob, 0, len(ids))
	for _, raw := range ids {
		jobID, err := id.ParseJobID(raw)
		if err != nil {
			continue
		}
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
				continue
			}
			return nil, err
		}
		if len(wanted) > 0 && !wanted[job.Status] {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "encode checkpoint")
	}
	if err := s.client.Set(ctx, checkpointKeyPrefix+cp.JobID.String(), raw, 0).Err(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "checkpoint write failed")
	}
	return nil
}

func (s *RedisStore) GetCheckpoint(ctx context.Context, jobID id.JobID) (*Checkpoint, error) {
	raw, err := s.client.Get(ctx, checkpointKeyPrefix+jobID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeNotFound, "checkpoint not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "checkpoint read failed")
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "corrupt checkpoint record")
	}
	return &cp, nil
}

func (s *RedisStore) DeleteCheckpoint(ctx context.Context, jobID id.JobID) error {
	if err := s.client.Del(ctx, checkpointKeyPrefix+jobID.String()).Err(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "checkpoint delete failed")
	}
	return nil
}
