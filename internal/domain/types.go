// Package domain defines the core entities, enums, and the store and agent
// ports shared by the orchestrator: builds, tasks, and the artifacts agents
// produce while driving a build from failure to a merged fix.
package domain

import "time"

// BuildStatus is the lifecycle state of a Build.
type BuildStatus string

const (
	BuildReceived                    BuildStatus = "RECEIVED"
	BuildProcessing                  BuildStatus = "PROCESSING"
	BuildCompleted                   BuildStatus = "COMPLETED"
	BuildFailed                      BuildStatus = "FAILED"
	BuildManualInterventionRequired  BuildStatus = "MANUAL_INTERVENTION_REQUIRED"
)

// IsTerminal reports whether the build has reached a final state.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildCompleted, BuildFailed, BuildManualInterventionRequired:
		return true
	default:
		return false
	}
}

// TaskKind identifies a pipeline stage and, transitively, the agent
// registered to handle it.
type TaskKind string

const (
	TaskPlan      TaskKind = "PLAN"
	TaskRetrieve  TaskKind = "RETRIEVE"
	TaskPatch     TaskKind = "PATCH"
	TaskValidate  TaskKind = "VALIDATE"
	TaskCreatePR  TaskKind = "CREATE_PR"
	TaskNotify    TaskKind = "NOTIFY"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "PENDING"
	TaskInProgress  TaskStatus = "IN_PROGRESS"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskFailed      TaskStatus = "FAILED"
	TaskDeadLetter  TaskStatus = "DEAD_LETTER"
)

// IsTerminal reports whether the task has reached a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskDeadLetter:
		return true
	default:
		return false
	}
}

// IsActive reports whether the task counts towards the single-active-task
// invariant for its build.
func (s TaskStatus) IsActive() bool {
	return s == TaskPending || s == TaskInProgress
}

// ValidationKind identifies what a Validation artifact measured.
type ValidationKind string

const (
	ValidationCompile ValidationKind = "COMPILE"
	ValidationTest    ValidationKind = "TEST"
	ValidationBuild   ValidationKind = "BUILD"
)

const (
	// DefaultMaxAttempts is the default per-task retry budget.
	DefaultMaxAttempts = 3
)

// Build is the aggregate root: one CI job execution the system is asked to fix.
type Build struct {
	ID            string
	Job           string
	BuildNumber   int64
	Branch        string
	RepositoryURL string
	CommitSHA     string
	Payload       map[string]any
	Status        BuildStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Task is a single unit of work for an agent, owned by a Build.
type Task struct {
	ID             string
	BuildID        string
	Kind           TaskKind
	Status         TaskStatus
	Attempt        int
	MaxAttempts    int
	Payload        []byte
	LastError      string
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	NotBefore      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Plan is the planner's output: one per Build.
type Plan struct {
	ID        string
	BuildID   string
	Steps     []string
	Hints     map[string]string
	CreatedAt time.Time
}

// CandidateFile is a file the retriever believes is relevant to the fix.
type CandidateFile struct {
	ID        string
	BuildID   string
	Path      string
	Rank      float64
	Reason    string
	CreatedAt time.Time
}

// Patch is a unified diff proposed by the code-patcher agent.
type Patch struct {
	ID        string
	BuildID   string
	Path      string
	Diff      string
	Applied   bool
	ApplyLog  string
	CreatedAt time.Time
}

// Validation is the result of running the project's own build/test harness
// against an applied patch set.
type Validation struct {
	ID        string
	BuildID   string
	Kind      ValidationKind
	ExitCode  int
	Stdout    string
	Stderr    string
	CreatedAt time.Time
}

// Success reports whether the validation exited cleanly.
func (v Validation) Success() bool { return v.ExitCode == 0 }

// PullRequest is the outcome of the CREATE_PR stage: at most one per Build.
type PullRequest struct {
	ID        string
	BuildID   string
	Branch    string
	Number    int
	URL       string
	Status    string
	CreatedAt time.Time
}
