package batch

import (
	"context"
	"sort"
	"sync"

	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
	"eligibility-gateway/pkg/platform/sentinel"
)

// MemoryStore keeps jobs and checkpoints in process. Single-binary
// deployments and tests use it; it does not survive restarts, so resume
// semantics only become meaningful with the redis or postgres store.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[id.JobID]domain.ScheduledJob
	checkpoints map[id.JobID]Checkpoint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[id.JobID]domain.ScheduledJob),
		checkpoints: make(map[id.JobID]Checkpoint),
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *domain.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return pkgerrors.Wrap(sentinel.ErrConflict, pkgerrors.CodeConflict, "job already exists")
	}
	s.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID id.JobID) (*domain.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeNotFound, "job not found")
	}
	out := cloneJob(&job)
	return &out, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *domain.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; !ok {
		return pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeNotFound, "job not found")
	}
	s.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]*domain.ScheduledJob, error) {
	wanted := make(map[domain.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.RLock()
	out := make([]*domain.ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if len(wanted) > 0 && !wanted[job.Status] {
			continue
		}
		j := cloneJob(&job)
		out = append(out, &j)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.JobID] = cloneCheckpoint(cp)
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, jobID id.JobID) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[jobID]
	if !ok {
		return nil, pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeNotFound, "checkpoint not found")
	}
	out := cloneCheckpoint(cp)
	return &out, nil
}

func (s *MemoryStore) DeleteCheckpoint(ctx context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, jobID)
	return nil
}

func cloneJob(job *domain.ScheduledJob) domain.ScheduledJob {
	out := *job
	out.Errors = append([]domain.SubjectError(nil), job.Errors...)
	out.Selector.SubjectIDs = append([]id.SubjectID(nil), job.Selector.SubjectIDs...)
	if job.Selector.Filter != nil {
		f := *job.Selector.Filter
		out.Selector.Filter = &f
	}
	return out
}

func cloneCheckpoint(cp Checkpoint) Checkpoint {
	out := cp
	out.Chunks = make([]ChunkState, len(cp.Chunks))
	for i, c := range cp.Chunks {
		out.Chunks[i] = c
		out.Chunks[i].Subjects = append([]id.SubjectID(nil), c.Subjects...)
	}
	return out
}
