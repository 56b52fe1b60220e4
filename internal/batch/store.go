// Package batch runs population-scale eligibility jobs: selector resolution,
// timezone-aware chunk planning, batch submission with durable checkpoints,
// polling, and per-subject completion events.
package batch

import (
	"context"
	"time"

	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
)

// ChunkState is the durable record of one chunk of a job. Completed and
// Failed tallies live here rather than on the job so progress can be
// recomputed idempotently after a crash: re-ingesting a chunk overwrites its
// tallies instead of incrementing them twice.
type ChunkState struct {
	Index        int            `json:"index"`
	Subjects     []id.SubjectID `json:"subjects"`
	Timezone     string         `json:"timezone"`
	NotBefore    time.Time      `json:"not_before"`
	SubmissionID string         `json:"submission_id,omitempty"`
	Done         bool           `json:"done"`
	Completed    int            `json:"completed"`
	Failed       int            `json:"failed"`
}

// Submitted reports whether the chunk holds a downstream submission that
// must be polled, never re-submitted.
func (c ChunkState) Submitted() bool { return c.SubmissionID != "" }

// Checkpoint is the durable execution plan of one job, written after
// resolution and updated after every submission and ingestion. A job found
// running at startup resumes from here.
type Checkpoint struct {
	JobID     id.JobID     `json:"job_id"`
	Total     int          `json:"total"`
	CacheHits int          `json:"cache_hits"`
	Chunks    []ChunkState `json:"chunks"`
	PlannedAt time.Time    `json:"planned_at"`
}

// Progress folds the checkpoint into the job's progress tally.
func (cp Checkpoint) Progress() domain.Progress {
	p := domain.Progress{Total: cp.Total, CacheHits: cp.CacheHits}
	for _, c := range cp.Chunks {
		p.Completed += c.Completed
		p.Failed += c.Failed
	}
	p.Pending = p.Total - p.Completed - p.Failed - p.CacheHits
	return p
}

// Complete reports whether every chunk has been ingested.
func (cp Checkpoint) Complete() bool {
	for _, c := range cp.Chunks {
		if !c.Done {
			return false
		}
	}
	return true
}

// Store persists jobs and their checkpoints. Variants: MemoryStore,
// RedisStore, PostgresStore. A missing job or checkpoint returns an error
// wrapping sentinel.ErrNotFound with CodeNotFound.
type Store interface {
	CreateJob(ctx context.Context, job *domain.ScheduledJob) error
	GetJob(ctx context.Context, jobID id.JobID) (*domain.ScheduledJob, error)
	UpdateJob(ctx context.Context, job *domain.ScheduledJob) error
	// ListJobs returns jobs filtered by status (all when empty), newest
	// first.
	ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]*domain.ScheduledJob, error)

	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	GetCheckpoint(ctx context.Context, jobID id.JobID) (*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, jobID id.JobID) error
}
