package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/clipjobs/pkg/core"
)

const testLock = 5 * time.Minute

// ──────────────────────────────────────────────────────────────────────────────
// Constructor / detection
// ──────────────────────────────────────────────────────────────────────────────

func TestNewGormStorage_DB(t *testing.T) {
	db := openTestDB(t)
	s := NewGormStorage(db)
	assert.Same(t, db, s.DB(), "DB() should return the same *gorm.DB passed in")
}

func TestNewGormStorage_NilDB(t *testing.T) {
	s := NewGormStorage(nil)
	assert.False(t, s.IsSQLite(), "nil db should not claim SQLite")
}

// ──────────────────────────────────────────────────────────────────────────────
// Create / Get
// ──────────────────────────────────────────────────────────────────────────────

func TestCreate_AssignsDefaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestJob("dQw4w9WgXcQ")
	require.NoError(t, s.Create(ctx, job))

	assert.NotEmpty(t, job.ID)
	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateQueued, got.State)
	assert.Equal(t, 0, got.Attempt)
	assert.Equal(t, 0, got.ProgressPercent)
	assert.Equal(t, core.DefaultMaxAttempts, got.MaxAttempts)
	assert.Equal(t, "dQw4w9WgXcQ", got.SourceID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreate_PreservesExistingID(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestJob("dQw4w9WgXcQ")
	job.ID = "3f8a4a52-0d9e-4c1b-9a55-7d0f2a1b7e10"
	require.NoError(t, s.Create(ctx, job))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestGet_MissingJob(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
	assert.Nil(t, got)
}

func TestGet_RepeatedReadsAreIdentical(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := claimTestJob(t, s, "worker-1")
	_, err := s.Complete(ctx, job.ID, "worker-1", "https://cdn/clip.mp4", "/out/clip.mp4")
	require.NoError(t, err)

	first, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	second, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusOf(first), core.StatusOf(second))
}

// ──────────────────────────────────────────────────────────────────────────────
// ClaimNext
// ──────────────────────────────────────────────────────────────────────────────

func TestClaimNext_ReturnsQueuedJobAndSetsActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestJob("dQw4w9WgXcQ")
	require.NoError(t, s.Create(ctx, job))

	got, err := s.ClaimNext(ctx, "worker-1", testLock)
	require.NoError(t, err)
	require.NotNil(t, got, "should return a job")

	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, core.StateActive, got.State)
	assert.Equal(t, "worker-1", got.LockedBy)
	assert.NotNil(t, got.LockedUntil, "LockedUntil should be set")
	assert.NotNil(t, got.StartedAt, "StartedAt should be set")
	assert.Equal(t, 1, got.Attempt, "Attempt should be incremented to 1")
}

func TestClaimNext_ReturnsNilWhenNoJobs(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.ClaimNext(context.Background(), "worker-1", testLock)
	require.NoError(t, err)
	assert.Nil(t, got, "empty queue should return nil")
}

func TestClaimNext_OldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	older := newTestJob("aaaaaaaaaaa")
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := newTestJob("bbbbbbbbbbb")
	newer.CreatedAt = time.Now()
	require.NoError(t, s.Create(ctx, newer))
	require.NoError(t, s.Create(ctx, older))

	got, err := s.ClaimNext(ctx, "worker-1", testLock)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, older.ID, got.ID)
}

func TestClaimNext_SkipsDelayedJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	future := time.Now().Add(time.Hour)
	job := newTestJob("dQw4w9WgXcQ")
	job.RunAt = &future
	require.NoError(t, s.Create(ctx, job))

	got, err := s.ClaimNext(ctx, "worker-1", testLock)
	require.NoError(t, err)
	assert.Nil(t, got, "delayed job should not be claimed yet")
}

func TestClaimNext_ConcurrentCallersClaimOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestJob("dQw4w9WgXcQ")
	require.NoError(t, s.Create(ctx, job))

	var (
		wins int32
		wg   sync.WaitGroup
	)
	for i := range 10 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := s.ClaimNext(ctx, "worker-"+string(rune('a'+n)), testLock)
			assert.NoError(t, err)
			if got != nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins, "exactly one caller must win the job")

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempt)
}

// ──────────────────────────────────────────────────────────────────────────────
// UpdateProgress
// ──────────────────────────────────────────────────────────────────────────────

func TestUpdateProgress_NeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	got, err := s.UpdateProgress(ctx, job.ID, "worker-1", 30, "Downloading")
	require.NoError(t, err)
	assert.Equal(t, 30, got.ProgressPercent)
	assert.Equal(t, "Downloading", got.ProgressLabel)

	got, err = s.UpdateProgress(ctx, job.ID, "worker-1", 20, "Stale")
	require.NoError(t, err)
	assert.Equal(t, 30, got.ProgressPercent, "lower value must be ignored")
	assert.Equal(t, "Downloading", got.ProgressLabel)

	got, err = s.UpdateProgress(ctx, job.ID, "worker-1", 55, "Transcoding")
	require.NoError(t, err)
	assert.Equal(t, 55, got.ProgressPercent)
	assert.Equal(t, "Transcoding", got.ProgressLabel)
}

func TestUpdateProgress_ClampsRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	got, err := s.UpdateProgress(ctx, job.ID, "worker-1", 150, "Overshoot")
	require.NoError(t, err)
	assert.Equal(t, 100, got.ProgressPercent)
}

func TestUpdateProgress_RejectsQueuedJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestJob("dQw4w9WgXcQ")
	require.NoError(t, s.Create(ctx, job))

	_, err := s.UpdateProgress(ctx, job.ID, "worker-1", 10, "x")
	assert.ErrorIs(t, err, core.ErrJobNotActive)
}

func TestUpdateProgress_RejectsOtherWorker(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	_, err := s.UpdateProgress(ctx, job.ID, "worker-2", 10, "x")
	assert.ErrorIs(t, err, core.ErrJobNotOwned)
}

// ──────────────────────────────────────────────────────────────────────────────
// Complete / Fail
// ──────────────────────────────────────────────────────────────────────────────

func TestComplete_SetsStateToCompleted(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	got, err := s.Complete(ctx, job.ID, "worker-1", "https://bucket.s3.amazonaws.com/clips/x.mp4", "/out/x.mp4")
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.Equal(t, "https://bucket.s3.amazonaws.com/clips/x.mp4", got.ResultLocator)
	assert.Equal(t, "/out/x.mp4", got.LocalPath)
	assert.Empty(t, got.LockedBy)
	assert.Nil(t, got.LockedUntil)
	assert.NotNil(t, got.FinishedAt)
}

func TestComplete_FailsWhenWorkerDoesNotOwnJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	_, err := s.Complete(ctx, job.ID, "worker-2", "x", "y")
	assert.ErrorIs(t, err, core.ErrJobNotOwned)
}

func TestTerminalJob_RejectsFurtherMutation(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	_, err := s.Complete(ctx, job.ID, "worker-1", "https://cdn/a.mp4", "/out/a.mp4")
	require.NoError(t, err)

	_, err = s.Complete(ctx, job.ID, "worker-1", "https://cdn/b.mp4", "/out/b.mp4")
	assert.ErrorIs(t, err, core.ErrJobTerminal)
	_, err = s.Fail(ctx, job.ID, "worker-1", core.CategoryInternal, "late failure")
	assert.ErrorIs(t, err, core.ErrJobTerminal)
	_, err = s.UpdateProgress(ctx, job.ID, "worker-1", 10, "late")
	assert.ErrorIs(t, err, core.ErrJobTerminal)
	_, err = s.Requeue(ctx, job.ID, "worker-1", "late", time.Now())
	assert.ErrorIs(t, err, core.ErrJobTerminal)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)
	assert.Equal(t, "https://cdn/a.mp4", got.ResultLocator)
	assert.Equal(t, 100, got.ProgressPercent)
}

func TestFail_StoresSanitizedReason(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	got, err := s.Fail(ctx, job.ID, "worker-1", core.CategorySourceUnavailable, "SourceUnavailable: video\x00 is private")
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, got.State)
	assert.Equal(t, core.CategorySourceUnavailable, got.FailureCategory)
	assert.Equal(t, "SourceUnavailable: video is private", got.FailureReason)
	assert.NotNil(t, got.FinishedAt)
}

// ──────────────────────────────────────────────────────────────────────────────
// Requeue
// ──────────────────────────────────────────────────────────────────────────────

func TestRequeue_ReturnsJobToQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	runAt := time.Now().Add(time.Hour)
	got, err := s.Requeue(ctx, job.ID, "worker-1", "Timeout: transcode exceeded its time limit", runAt)
	require.NoError(t, err)
	assert.Equal(t, core.StateQueued, got.State)
	assert.Empty(t, got.LockedBy)
	require.NotNil(t, got.RunAt)

	claimed, err := s.ClaimNext(ctx, "worker-2", testLock)
	require.NoError(t, err)
	assert.Nil(t, claimed, "requeued job is not due yet")
}

func TestRequeue_ClaimIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	_, err := s.Requeue(ctx, job.ID, "worker-1", "Transient: reset", time.Now().Add(-time.Second))
	require.NoError(t, err)

	claimed, err := s.ClaimNext(ctx, "worker-2", testLock)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempt)
	assert.Equal(t, "worker-2", claimed.LockedBy)
}

func TestRequeue_NextAttemptReportsEveryStageLabel(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	_, err := s.UpdateProgress(ctx, job.ID, "worker-1", 90, "Finalising clip")
	require.NoError(t, err)

	requeued, err := s.Requeue(ctx, job.ID, "worker-1", "Timeout: transcode exceeded its time limit", time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.Zero(t, requeued.ProgressPercent)
	assert.Equal(t, "Waiting to retry", requeued.ProgressLabel)

	claimed, err := s.ClaimNext(ctx, "worker-2", testLock)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	got, err := s.UpdateProgress(ctx, job.ID, "worker-2", 5, "Downloading source video")
	require.NoError(t, err)
	assert.Equal(t, 5, got.ProgressPercent)
	assert.Equal(t, "Downloading source video", got.ProgressLabel)

	got, err = s.UpdateProgress(ctx, job.ID, "worker-2", 17, "Analysing video")
	require.NoError(t, err)
	assert.Equal(t, 17, got.ProgressPercent)
	assert.Equal(t, "Analysing video", got.ProgressLabel)
}

// ──────────────────────────────────────────────────────────────────────────────
// Cancel
// ──────────────────────────────────────────────────────────────────────────────

func TestCancel_QueuedJobIsNeverClaimed(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestJob("dQw4w9WgXcQ")
	require.NoError(t, s.Create(ctx, job))

	outcome, err := s.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Cancelled)
	assert.False(t, outcome.Abandoned)

	claimed, err := s.ClaimNext(ctx, "worker-1", testLock)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, got.State)
	assert.Equal(t, core.CategoryCancelled, got.FailureCategory)
}

func TestCancel_ActiveJobIsAbandonedAndKeepsRunning(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	outcome, err := s.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Abandoned)

	got, err := s.Complete(ctx, job.ID, "worker-1", "", "/out/x.mp4")
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)
	assert.True(t, got.Abandoned)
}

func TestCancel_TerminalAndMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")
	_, err := s.Fail(ctx, job.ID, "worker-1", core.CategoryTranscode, "TranscodeError: boom")
	require.NoError(t, err)

	_, err = s.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, core.ErrJobTerminal)

	_, err = s.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

// ──────────────────────────────────────────────────────────────────────────────
// Locks
// ──────────────────────────────────────────────────────────────────────────────

func TestHeartbeat_ExtendsLockedUntil(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	require.NoError(t, s.Heartbeat(ctx, job.ID, "worker-1", time.Hour))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LockedUntil)
	assert.True(t, got.LockedUntil.After(job.LockedUntil.Add(30*time.Minute)))
}

func TestHeartbeat_FailsWhenWorkerDoesNotOwnJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	assert.ErrorIs(t, s.Heartbeat(ctx, job.ID, "worker-2", time.Hour), core.ErrJobNotOwned)
}

func TestReleaseStaleLocks_RequeuesJobsWithAttemptsLeft(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestJob("dQw4w9WgXcQ")
	require.NoError(t, s.Create(ctx, job))
	claimed, err := s.ClaimNext(ctx, "worker-1", -time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = s.UpdateProgress(ctx, job.ID, "worker-1", 55, "Transcoding clip")
	require.NoError(t, err)

	n, err := s.ReleaseStaleLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateQueued, got.State)
	assert.Empty(t, got.LockedBy)
	assert.Zero(t, got.ProgressPercent)
}

func TestReleaseStaleLocks_FailsExhaustedJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := newTestJob("dQw4w9WgXcQ")
	job.MaxAttempts = 1
	require.NoError(t, s.Create(ctx, job))
	_, err := s.ClaimNext(ctx, "worker-1", -time.Minute)
	require.NoError(t, err)

	_, err = s.ReleaseStaleLocks(ctx)
	require.NoError(t, err)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, got.State)
	assert.Equal(t, core.CategoryTimeout, got.FailureCategory)
}

func TestReleaseStaleLocks_DoesNotTouchFreshLocks(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := claimTestJob(t, s, "worker-1")

	n, err := s.ReleaseStaleLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, got.State)
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

func TestList_FiltersAndLimits(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	for range 3 {
		require.NoError(t, s.Create(ctx, newTestJob("dQw4w9WgXcQ")))
	}
	claimTestJob(t, s, "worker-1")

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	active, err := s.List(ctx, core.StateActive, 10)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	limited, err := s.List(ctx, core.StateQueued, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCountByState(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.Create(ctx, newTestJob("dQw4w9WgXcQ")))
	job := claimTestJob(t, s, "worker-1")
	_, err := s.Fail(ctx, job.ID, "worker-1", core.CategoryPolicyViolation, "PolicyViolation: too long")
	require.NoError(t, err)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[core.StateFailed])
	assert.Equal(t, int64(0), counts[core.StateActive])
	assert.Equal(t, int64(0), counts[core.StateCompleted])

	failures, err := s.FailuresByCategory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failures[core.CategoryPolicyViolation])
}

func TestClose_WritesFailAfterwards(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.Close())

	assert.Error(t, s.Create(ctx, newTestJob("dQw4w9WgXcQ")))
	assert.Error(t, s.Ping(ctx))
}
