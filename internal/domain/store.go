package domain

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateBuild is returned by CreateBuild when (job, build_number)
// already exists.
var ErrDuplicateBuild = errors.New("build already exists for job and build number")

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("not found")

// ErrLeaseNotOwned is returned by CompleteTask/Heartbeat when the caller no
// longer holds the task's lease.
var ErrLeaseNotOwned = errors.New("task lease is not held by this worker")

// BuildFields are the caller-supplied attributes of a new Build.
type BuildFields struct {
	Job           string
	BuildNumber   int64
	Branch        string
	RepositoryURL string
	CommitSHA     string
	Payload       map[string]any
}

// OutcomeStatus tags an agent's result.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	OutcomeRetry   OutcomeStatus = "RETRY"
	OutcomeFailed  OutcomeStatus = "FAILED"
)

// NextTask is one successor task an agent wants enqueued on SUCCESS.
type NextTask struct {
	Kind    TaskKind
	Payload []byte
}

// Outcome is what complete_task persists: the task's terminal or
// re-enqueue disposition plus any artifacts to write in the same
// transaction.
type Outcome struct {
	Status     OutcomeStatus
	NextTasks  []NextTask
	Artifacts  []Artifact
	Error      string
	RetryAfter time.Duration // RETRY delay; the store sets not_before = now + RetryAfter (1s if zero)
}

// Store is the task store's public contract: every durable mutation the
// orchestrator needs, independent of the backing engine.
type Store interface {
	// EnsureSchema creates or migrates the schema and its indexes.
	EnsureSchema(ctx context.Context) error

	// CreateBuild inserts a Build and a seed PLAN task in one transaction.
	// Returns ErrDuplicateBuild if (job, build_number) already exists.
	CreateBuild(ctx context.Context, fields BuildFields) (*Build, error)

	// GetBuild fetches a build by ID.
	GetBuild(ctx context.Context, buildID string) (*Build, error)

	// SetBuildStatus is used at terminal transitions.
	SetBuildStatus(ctx context.Context, buildID string, status BuildStatus) error

	// LeaseNextTask atomically claims one ready task: PENDING (respecting
	// not_before), or IN_PROGRESS with an expired lease. Returns
	// (nil, nil) when no task is ready.
	LeaseNextTask(ctx context.Context, workerID string, leaseTTL time.Duration) (*Task, error)

	// CompleteTask verifies the caller still owns the lease, then applies
	// outcome to the Task and its dependent entities in one transaction.
	CompleteTask(ctx context.Context, taskID, workerID string, outcome Outcome) error

	// Heartbeat extends a held lease; fails with ErrLeaseNotOwned otherwise.
	Heartbeat(ctx context.Context, taskID, workerID string, extension time.Duration) error

	// GetTask fetches a task by ID.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// ListTasksByBuild returns all tasks for a build, oldest first.
	ListTasksByBuild(ctx context.Context, buildID string) ([]*Task, error)

	// ListActiveBuilds returns builds not yet in a terminal status.
	ListActiveBuilds(ctx context.Context) ([]*Build, error)

	// CountBuildsByStatus returns the number of builds per status.
	CountBuildsByStatus(ctx context.Context) (map[BuildStatus]int, error)

	// CountTasksByStatus returns the number of tasks per status.
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)

	// ListDeadLetters returns tasks currently in DEAD_LETTER, newest first.
	ListDeadLetters(ctx context.Context, limit int) ([]*Task, error)

	// LatestPlan returns the most recent Plan for a build, if any.
	LatestPlan(ctx context.Context, buildID string) (*Plan, error)

	// CandidateFiles returns candidate files for a build, ranked descending.
	CandidateFiles(ctx context.Context, buildID string) ([]*CandidateFile, error)

	// Patches returns all patches proposed for a build, oldest first.
	Patches(ctx context.Context, buildID string) ([]*Patch, error)

	// Validations returns all validation runs for a build, oldest first.
	Validations(ctx context.Context, buildID string) ([]*Validation, error)

	// PullRequest returns the build's pull request, if one was created.
	PullRequest(ctx context.Context, buildID string) (*PullRequest, error)
}
