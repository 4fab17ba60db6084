// Package storetest provides an in-memory domain.Store for fast dispatcher
// and agent tests that don't need a real database.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cklxx/ciflow/internal/domain"
)

// Store is a mutex-guarded, map-backed domain.Store.
type Store struct {
	mu sync.Mutex

	builds map[string]*domain.Build
	tasks  map[string]*domain.Task

	plans       map[string][]*domain.Plan
	candidates  map[string][]*domain.CandidateFile
	patches     map[string][]*domain.Patch
	validations map[string][]*domain.Validation
	pulls       map[string]*domain.PullRequest

	buildByJobNumber map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		builds:           make(map[string]*domain.Build),
		tasks:            make(map[string]*domain.Task),
		plans:            make(map[string][]*domain.Plan),
		candidates:       make(map[string][]*domain.CandidateFile),
		patches:          make(map[string][]*domain.Patch),
		validations:      make(map[string][]*domain.Validation),
		pulls:            make(map[string]*domain.PullRequest),
		buildByJobNumber: make(map[string]string),
	}
}

// EnsureSchema is a no-op for the in-memory store.
func (s *Store) EnsureSchema(ctx context.Context) error { return nil }

func jobNumberKey(job string, number int64) string {
	return fmt.Sprintf("%s#%d", job, number)
}

// CreateBuild inserts a Build and a seed PLAN task.
func (s *Store) CreateBuild(ctx context.Context, fields domain.BuildFields) (*domain.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobNumberKey(fields.Job, fields.BuildNumber)
	if _, exists := s.buildByJobNumber[key]; exists {
		return nil, domain.ErrDuplicateBuild
	}

	now := time.Now()
	build := &domain.Build{
		ID:            "build_" + uuid.New().String(),
		Job:           fields.Job,
		BuildNumber:   fields.BuildNumber,
		Branch:        fields.Branch,
		RepositoryURL: fields.RepositoryURL,
		CommitSHA:     fields.CommitSHA,
		Payload:       fields.Payload,
		Status:        domain.BuildReceived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.builds[build.ID] = build
	s.buildByJobNumber[key] = build.ID

	task := &domain.Task{
		ID:          "task_" + uuid.New().String(),
		BuildID:     build.ID,
		Kind:        domain.TaskPlan,
		Status:      domain.TaskPending,
		MaxAttempts: domain.DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[task.ID] = task

	buildCopy := *build
	return &buildCopy, nil
}

// GetBuild fetches a build by ID.
func (s *Store) GetBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	build, ok := s.builds[buildID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copy := *build
	return &copy, nil
}

// SetBuildStatus updates a build's status.
func (s *Store) SetBuildStatus(ctx context.Context, buildID string, status domain.BuildStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	build, ok := s.builds[buildID]
	if !ok {
		return domain.ErrNotFound
	}
	build.Status = status
	build.UpdatedAt = time.Now()
	return nil
}

// LeaseNextTask claims the oldest ready task: PENDING past not_before, or
// IN_PROGRESS with an expired lease.
func (s *Store) LeaseNextTask(ctx context.Context, workerID string, leaseTTL time.Duration) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var best *domain.Task
	for _, t := range s.tasks {
		ready := (t.Status == domain.TaskPending && (t.NotBefore == nil || !t.NotBefore.After(now))) ||
			(t.Status == domain.TaskInProgress && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now))
		if !ready {
			continue
		}
		if best == nil || t.UpdatedAt.Before(best.UpdatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	expires := now.Add(leaseTTL)
	best.Status = domain.TaskInProgress
	best.LeaseOwner = workerID
	best.LeaseExpiresAt = &expires
	best.Attempt++
	best.UpdatedAt = now

	if best.Kind == domain.TaskPlan {
		if build, ok := s.builds[best.BuildID]; ok && build.Status == domain.BuildReceived {
			build.Status = domain.BuildProcessing
			build.UpdatedAt = now
		}
	}

	copy := *best
	return &copy, nil
}

// CompleteTask verifies lease ownership and applies outcome.
func (s *Store) CompleteTask(ctx context.Context, taskID, workerID string, outcome domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	if task.LeaseOwner != workerID {
		return domain.ErrLeaseNotOwned
	}

	now := time.Now()
	switch outcome.Status {
	case domain.OutcomeSuccess:
		task.Status = domain.TaskCompleted
		task.LastError = ""
		task.UpdatedAt = now
		s.persistArtifacts(task.BuildID, outcome.Artifacts)

		for _, next := range outcome.NextTasks {
			nt := &domain.Task{
				ID:          "task_" + uuid.New().String(),
				BuildID:     task.BuildID,
				Kind:        next.Kind,
				Status:      domain.TaskPending,
				MaxAttempts: domain.DefaultMaxAttempts,
				Payload:     next.Payload,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			s.tasks[nt.ID] = nt
		}

		if len(outcome.NextTasks) == 0 && task.Kind == domain.TaskNotify {
			if build, ok := s.builds[task.BuildID]; ok && !build.Status.IsTerminal() {
				build.Status = domain.BuildCompleted
				build.UpdatedAt = now
			}
		}
		return nil

	case domain.OutcomeRetry:
		if task.Attempt >= task.MaxAttempts {
			task.Status = domain.TaskDeadLetter
			task.LastError = outcome.Error
			task.UpdatedAt = now
			if build, ok := s.builds[task.BuildID]; ok {
				build.Status = domain.BuildManualInterventionRequired
				build.UpdatedAt = now
			}
			s.enqueueNotify(task.BuildID, outcome.Error, now)
			return nil
		}

		delay := outcome.RetryAfter
		if delay <= 0 {
			delay = time.Second
		}
		notBefore := now.Add(delay)
		task.Status = domain.TaskPending
		task.LastError = outcome.Error
		task.LeaseOwner = ""
		task.LeaseExpiresAt = nil
		task.NotBefore = &notBefore
		task.UpdatedAt = now
		return nil

	case domain.OutcomeFailed:
		task.Status = domain.TaskFailed
		task.LastError = outcome.Error
		task.UpdatedAt = now
		if build, ok := s.builds[task.BuildID]; ok {
			build.Status = domain.BuildFailed
			build.UpdatedAt = now
		}
		s.enqueueNotify(task.BuildID, outcome.Error, now)
		return nil

	default:
		return fmt.Errorf("storetest: unknown outcome status %q", outcome.Status)
	}
}

func (s *Store) enqueueNotify(buildID, reason string, now time.Time) {
	nt := &domain.Task{
		ID:          "task_" + uuid.New().String(),
		BuildID:     buildID,
		Kind:        domain.TaskNotify,
		Status:      domain.TaskPending,
		MaxAttempts: domain.DefaultMaxAttempts,
		Payload:     []byte(reason),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[nt.ID] = nt
}

func (s *Store) persistArtifacts(buildID string, artifacts []domain.Artifact) {
	for _, a := range artifacts {
		switch {
		case a.Plan != nil:
			p := *a.Plan
			p.ID = "plan_" + uuid.New().String()
			p.BuildID = buildID
			p.CreatedAt = time.Now()
			s.plans[buildID] = append(s.plans[buildID], &p)
		case a.CandidateFile != nil:
			c := *a.CandidateFile
			c.ID = "cand_" + uuid.New().String()
			c.BuildID = buildID
			c.CreatedAt = time.Now()
			s.candidates[buildID] = append(s.candidates[buildID], &c)
		case a.Patch != nil:
			p := *a.Patch
			p.ID = "patch_" + uuid.New().String()
			p.BuildID = buildID
			p.CreatedAt = time.Now()
			s.patches[buildID] = append(s.patches[buildID], &p)
		case a.Validation != nil:
			v := *a.Validation
			v.ID = "val_" + uuid.New().String()
			v.BuildID = buildID
			v.CreatedAt = time.Now()
			s.validations[buildID] = append(s.validations[buildID], &v)
		case a.PullRequest != nil:
			pr := *a.PullRequest
			pr.ID = "pr_" + uuid.New().String()
			pr.BuildID = buildID
			pr.CreatedAt = time.Now()
			s.pulls[buildID] = &pr
		}
	}
}

// Heartbeat extends a held lease.
func (s *Store) Heartbeat(ctx context.Context, taskID, workerID string, extension time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	if task.LeaseOwner != workerID || task.Status != domain.TaskInProgress {
		return domain.ErrLeaseNotOwned
	}
	expires := time.Now().Add(extension)
	task.LeaseExpiresAt = &expires
	task.UpdatedAt = time.Now()
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copy := *task
	return &copy, nil
}

// ListTasksByBuild returns all tasks for a build, oldest first.
func (s *Store) ListTasksByBuild(ctx context.Context, buildID string) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.BuildID == buildID {
			copy := *t
			out = append(out, &copy)
		}
	}
	sortTasksByCreatedAt(out)
	return out, nil
}

// ListActiveBuilds returns builds not yet in a terminal status.
func (s *Store) ListActiveBuilds(ctx context.Context) ([]*domain.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Build
	for _, b := range s.builds {
		if !b.Status.IsTerminal() {
			copy := *b
			out = append(out, &copy)
		}
	}
	return out, nil
}

// CountBuildsByStatus returns the number of builds per status.
func (s *Store) CountBuildsByStatus(ctx context.Context) (map[domain.BuildStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.BuildStatus]int)
	for _, b := range s.builds {
		counts[b.Status]++
	}
	return counts, nil
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.TaskStatus]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// ListDeadLetters returns tasks currently in DEAD_LETTER, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskDeadLetter {
			copy := *t
			out = append(out, &copy)
		}
	}
	sortTasksByCreatedAt(out)
	reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestPlan returns the most recent Plan for a build, if any.
func (s *Store) LatestPlan(ctx context.Context, buildID string) (*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plans := s.plans[buildID]
	if len(plans) == 0 {
		return nil, nil
	}
	latest := *plans[len(plans)-1]
	return &latest, nil
}

// CandidateFiles returns candidate files for a build, ranked descending.
func (s *Store) CandidateFiles(ctx context.Context, buildID string) ([]*domain.CandidateFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]*domain.CandidateFile(nil), s.candidates[buildID]...)
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Rank > out[i].Rank {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// Patches returns all patches proposed for a build, oldest first.
func (s *Store) Patches(ctx context.Context, buildID string) ([]*domain.Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Patch(nil), s.patches[buildID]...), nil
}

// Validations returns all validation runs for a build, oldest first.
func (s *Store) Validations(ctx context.Context, buildID string) ([]*domain.Validation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Validation(nil), s.validations[buildID]...), nil
}

// PullRequest returns the build's pull request, if one was created.
func (s *Store) PullRequest(ctx context.Context, buildID string) (*domain.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pulls[buildID]
	if !ok {
		return nil, nil
	}
	copy := *pr
	return &copy, nil
}

func sortTasksByCreatedAt(tasks []*domain.Task) {
	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			if tasks[j].CreatedAt.Before(tasks[i].CreatedAt) {
				tasks[i], tasks[j] = tasks[j], tasks[i]
			}
		}
	}
}

func reverse(tasks []*domain.Task) {
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
}
