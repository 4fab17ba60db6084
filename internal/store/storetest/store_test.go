package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklxx/ciflow/internal/domain"
)

func TestCreateBuildSeedsPlanTask(t *testing.T) {
	s := New()
	ctx := context.Background()

	build, err := s.CreateBuild(ctx, domain.BuildFields{Job: "svc", BuildNumber: 1, Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, domain.BuildReceived, build.Status)

	tasks, err := s.ListTasksByBuild(ctx, build.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskPlan, tasks[0].Kind)
	assert.Equal(t, domain.TaskPending, tasks[0].Status)
}

func TestCreateBuildDuplicateRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	fields := domain.BuildFields{Job: "svc", BuildNumber: 1}

	_, err := s.CreateBuild(ctx, fields)
	require.NoError(t, err)

	_, err = s.CreateBuild(ctx, fields)
	assert.ErrorIs(t, err, domain.ErrDuplicateBuild)

	builds, err := s.ListActiveBuilds(ctx)
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestLeaseNextTaskSingleWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateBuild(ctx, domain.BuildFields{Job: "svc", BuildNumber: 1})
	require.NoError(t, err)

	t1, err := s.LeaseNextTask(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, t1)

	t2, err := s.LeaseNextTask(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, t2)
}

func TestCompleteTaskOnlyByLeaseOwner(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateBuild(ctx, domain.BuildFields{Job: "svc", BuildNumber: 1})
	require.NoError(t, err)

	task, err := s.LeaseNextTask(ctx, "worker-a", time.Minute)
	require.NoError(t, err)

	err = s.CompleteTask(ctx, task.ID, "worker-b", domain.Outcome{Status: domain.OutcomeSuccess})
	assert.ErrorIs(t, err, domain.ErrLeaseNotOwned)

	err = s.CompleteTask(ctx, task.ID, "worker-a", domain.Outcome{Status: domain.OutcomeSuccess})
	require.NoError(t, err)
}

func TestHappyPathEndsCompletedWithSixTasks(t *testing.T) {
	s := New()
	ctx := context.Background()
	worker := "worker-a"

	build, err := s.CreateBuild(ctx, domain.BuildFields{Job: "svc", BuildNumber: 1, Branch: "main", CommitSHA: "abc123"})
	require.NoError(t, err)

	chain := []domain.TaskKind{
		domain.TaskPlan, domain.TaskRetrieve, domain.TaskPatch,
		domain.TaskValidate, domain.TaskCreatePR, domain.TaskNotify,
	}
	successor := map[domain.TaskKind]domain.TaskKind{
		domain.TaskPlan:     domain.TaskRetrieve,
		domain.TaskRetrieve: domain.TaskPatch,
		domain.TaskPatch:    domain.TaskValidate,
		domain.TaskValidate: domain.TaskCreatePR,
		domain.TaskCreatePR: domain.TaskNotify,
	}

	for range chain {
		task, err := s.LeaseNextTask(ctx, worker, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, task)

		var nextTasks []domain.NextTask
		var artifacts []domain.Artifact
		if next, ok := successor[task.Kind]; ok {
			nextTasks = append(nextTasks, domain.NextTask{Kind: next})
		}
		if task.Kind == domain.TaskCreatePR {
			artifacts = append(artifacts, domain.PullRequestArtifact(domain.PullRequest{
				Branch: "fix/ci-abc123", Number: 42, URL: "https://example.invalid/pr/42", Status: "open",
			}))
		}

		err = s.CompleteTask(ctx, task.ID, worker, domain.Outcome{
			Status:    domain.OutcomeSuccess,
			NextTasks: nextTasks,
			Artifacts: artifacts,
		})
		require.NoError(t, err)
	}

	tasks, err := s.ListTasksByBuild(ctx, build.ID)
	require.NoError(t, err)
	require.Len(t, tasks, len(chain))
	for _, task := range tasks {
		assert.Equal(t, domain.TaskCompleted, task.Status, "task %s should be completed", task.Kind)
	}

	finalBuild, err := s.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildCompleted, finalBuild.Status)

	pr, err := s.PullRequest(ctx, build.ID)
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, 42, pr.Number)
}

func TestExhaustedRetriesDeadLettersAndSchedulesNotify(t *testing.T) {
	s := New()
	ctx := context.Background()
	worker := "worker-a"

	build, err := s.CreateBuild(ctx, domain.BuildFields{Job: "svc", BuildNumber: 1})
	require.NoError(t, err)

	var lastTaskID string
	for i := 0; i < domain.DefaultMaxAttempts; i++ {
		task, err := s.LeaseNextTask(ctx, worker, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, task)
		lastTaskID = task.ID

		err = s.CompleteTask(ctx, task.ID, worker, domain.Outcome{
			Status:     domain.OutcomeRetry,
			Error:      "compile error",
			RetryAfter: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond) // let not_before pass
	}

	finalTask, err := s.GetTask(ctx, lastTaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDeadLetter, finalTask.Status)

	finalBuild, err := s.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildManualInterventionRequired, finalBuild.Status)

	deadLetters, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deadLetters, 1)

	tasks, err := s.ListTasksByBuild(ctx, build.ID)
	require.NoError(t, err)
	var sawNotify bool
	for _, t := range tasks {
		if t.Kind == domain.TaskNotify {
			sawNotify = true
		}
	}
	assert.True(t, sawNotify)
}

func TestRetryRespectsNotBeforeUntilElapsed(t *testing.T) {
	s := New()
	ctx := context.Background()
	worker := "worker-a"

	_, err := s.CreateBuild(ctx, domain.BuildFields{Job: "svc", BuildNumber: 1})
	require.NoError(t, err)

	task, err := s.LeaseNextTask(ctx, worker, time.Minute)
	require.NoError(t, err)

	err = s.CompleteTask(ctx, task.ID, worker, domain.Outcome{
		Status:     domain.OutcomeRetry,
		Error:      "flaky network",
		RetryAfter: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	immediate, err := s.LeaseNextTask(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, immediate, "task should not be leasable before not_before elapses")

	time.Sleep(40 * time.Millisecond)

	later, err := s.LeaseNextTask(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, later)
	assert.Equal(t, task.ID, later.ID)
	assert.Equal(t, task.Attempt+1, later.Attempt)
}
