package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
)

func newTestJob() *domain.ScheduledJob {
	return domain.NewScheduledJob(
		domain.MemberSelector{SubjectIDs: []id.SubjectID{"member-1", "member-2"}},
		domain.ExecutionOptions{Priority: domain.PriorityBatch, Window: domain.WindowAny},
	)
}

func TestMemoryStore_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	job := newTestJob()

	require.NoError(t, store.CreateJob(ctx, job))
	err := store.CreateJob(ctx, job)
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict))

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, got.Status)

	require.NoError(t, got.Transition(domain.JobRunning))
	require.NoError(t, store.UpdateJob(ctx, got))

	got, err = store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, got.Status)

	_, err = store.GetJob(ctx, id.NewJobID())
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))
}

func TestMemoryStore_GetJobReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	job := newTestJob()
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	got.Progress.Completed = 999
	got.Selector.SubjectIDs[0] = "mutated"

	fresh, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Progress.Completed)
	assert.Equal(t, id.SubjectID("member-1"), fresh.Selector.SubjectIDs[0])
}

func TestMemoryStore_ListJobsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := newTestJob()
	require.NoError(t, store.CreateJob(ctx, first))

	second := newTestJob()
	second.CreatedAt = second.CreatedAt.Add(time.Minute)
	require.NoError(t, second.Transition(domain.JobRunning))
	require.NoError(t, store.CreateJob(ctx, second))

	all, err := store.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.JobID, all[0].JobID, "newest first")

	running, err := store.ListJobs(ctx, []domain.JobStatus{domain.JobRunning}, 0)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, second.JobID, running[0].JobID)

	limited, err := store.ListJobs(ctx, nil, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore_CheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	jobID := id.NewJobID()

	_, err := store.GetCheckpoint(ctx, jobID)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))

	cp := Checkpoint{
		JobID:     jobID,
		Total:     20,
		CacheHits: 5,
		Chunks: []ChunkState{
			{Index: 0, Subjects: []id.SubjectID{"member-1"}, Timezone: "UTC", SubmissionID: "sub-1", Done: true, Completed: 1},
			{Index: 1, Subjects: []id.SubjectID{"member-2"}, Timezone: "America/New_York"},
		},
		PlannedAt: time.Now(),
	}
	require.NoError(t, store.SaveCheckpoint(ctx, cp))

	got, err := store.GetCheckpoint(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, cp.Total, got.Total)
	require.Len(t, got.Chunks, 2)
	assert.True(t, got.Chunks[0].Submitted())
	assert.False(t, got.Chunks[1].Submitted())

	require.NoError(t, store.DeleteCheckpoint(ctx, jobID))
	_, err = store.GetCheckpoint(ctx, jobID)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))
}
