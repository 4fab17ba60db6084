// Package postgres implements domain.Store against a PostgreSQL database
// using pgx, leasing tasks with a single UPDATE ... RETURNING.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cklxx/ciflow/internal/domain"
	"github.com/cklxx/ciflow/internal/logging"
)

const (
	tableBuilds         = "builds"
	tableTasks          = "tasks"
	tablePlans          = "plans"
	tableCandidateFiles = "candidate_files"
	tablePatches        = "patches"
	tableValidations    = "validations"
	tablePullRequests   = "pull_requests"
)

// Store is a PostgreSQL-backed domain.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs a Store over an already-connected pool.
func New(pool *pgxpool.Pool, logger logging.Logger) *Store {
	return &Store{pool: pool, logger: logging.OrNop(logger)}
}

// EnsureSchema creates the seven-table schema and its required indexes
// if they do not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableBuilds + ` (
			id              TEXT PRIMARY KEY,
			job             TEXT NOT NULL,
			build_number    BIGINT NOT NULL,
			branch          TEXT NOT NULL,
			repository_url  TEXT NOT NULL,
			commit_sha      TEXT NOT NULL,
			payload         JSONB NOT NULL DEFAULT '{}',
			status          TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_builds_job_number ON ` + tableBuilds + ` (job, build_number)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_status ON ` + tableBuilds + ` (status)`,

		`CREATE TABLE IF NOT EXISTS ` + tableTasks + ` (
			id               TEXT PRIMARY KEY,
			build_id         TEXT NOT NULL REFERENCES ` + tableBuilds + `(id),
			kind             TEXT NOT NULL,
			status           TEXT NOT NULL,
			attempt          INT NOT NULL DEFAULT 0,
			max_attempts     INT NOT NULL DEFAULT 3,
			payload          BYTEA NOT NULL DEFAULT ''::bytea,
			last_error       TEXT NOT NULL DEFAULT '',
			lease_owner      TEXT,
			lease_expires_at TIMESTAMPTZ,
			not_before       TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease_queue ON ` + tableTasks + ` (status, not_before, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_build ON ` + tableTasks + ` (build_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_build_status ON ` + tableTasks + ` (build_id, status)`,

		`CREATE TABLE IF NOT EXISTS ` + tablePlans + ` (
			id         TEXT PRIMARY KEY,
			build_id   TEXT NOT NULL REFERENCES ` + tableBuilds + `(id),
			steps      JSONB NOT NULL DEFAULT '[]',
			hints      JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plans_build ON ` + tablePlans + ` (build_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS ` + tableCandidateFiles + ` (
			id         TEXT PRIMARY KEY,
			build_id   TEXT NOT NULL REFERENCES ` + tableBuilds + `(id),
			path       TEXT NOT NULL,
			rank       DOUBLE PRECISION NOT NULL DEFAULT 0,
			reason     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candidate_files_build ON ` + tableCandidateFiles + ` (build_id, rank DESC)`,

		`CREATE TABLE IF NOT EXISTS ` + tablePatches + ` (
			id         TEXT PRIMARY KEY,
			build_id   TEXT NOT NULL REFERENCES ` + tableBuilds + `(id),
			path       TEXT NOT NULL,
			diff       TEXT NOT NULL,
			applied    BOOLEAN NOT NULL DEFAULT false,
			apply_log  TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patches_build ON ` + tablePatches + ` (build_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS ` + tableValidations + ` (
			id         TEXT PRIMARY KEY,
			build_id   TEXT NOT NULL REFERENCES ` + tableBuilds + `(id),
			kind       TEXT NOT NULL,
			exit_code  INT NOT NULL,
			stdout     TEXT NOT NULL DEFAULT '',
			stderr     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_validations_build ON ` + tableValidations + ` (build_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS ` + tablePullRequests + ` (
			id         TEXT PRIMARY KEY,
			build_id   TEXT NOT NULL UNIQUE REFERENCES ` + tableBuilds + `(id),
			branch     TEXT NOT NULL,
			number     INT NOT NULL DEFAULT 0,
			url        TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

// CreateBuild inserts a Build and a seed PLAN task in one transaction.
func (s *Store) CreateBuild(ctx context.Context, fields domain.BuildFields) (*domain.Build, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	payload, err := json.Marshal(fields.Payload)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal payload: %w", err)
	}

	buildID := newID("build")
	var build domain.Build
	err = tx.QueryRow(ctx, `
		INSERT INTO `+tableBuilds+`
			(id, job, build_number, branch, repository_url, commit_sha, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, job, build_number, branch, repository_url, commit_sha, status, created_at, updated_at
	`, buildID, fields.Job, fields.BuildNumber, fields.Branch, fields.RepositoryURL, fields.CommitSHA, payload, domain.BuildReceived,
	).Scan(&build.ID, &build.Job, &build.BuildNumber, &build.Branch, &build.RepositoryURL, &build.CommitSHA, &build.Status, &build.CreatedAt, &build.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicateBuild
		}
		return nil, fmt.Errorf("postgres: insert build: %w", err)
	}
	build.Payload = fields.Payload

	taskID := newID("task")
	if _, err := tx.Exec(ctx, `
		INSERT INTO `+tableTasks+`
			(id, build_id, kind, status, attempt, max_attempts, payload)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
	`, taskID, build.ID, domain.TaskPlan, domain.TaskPending, domain.DefaultMaxAttempts, payload); err != nil {
		return nil, fmt.Errorf("postgres: insert seed task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit create build: %w", err)
	}
	return &build, nil
}

// GetBuild fetches a build by ID.
func (s *Store) GetBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job, build_number, branch, repository_url, commit_sha, payload, status, created_at, updated_at
		FROM `+tableBuilds+` WHERE id = $1
	`, buildID)
	build, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get build: %w", err)
	}
	return build, nil
}

// SetBuildStatus updates a build's status.
func (s *Store) SetBuildStatus(ctx context.Context, buildID string, status domain.BuildStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+tableBuilds+` SET status = $1, updated_at = now() WHERE id = $2
	`, status, buildID)
	if err != nil {
		return fmt.Errorf("postgres: set build status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// LeaseNextTask atomically claims one ready task via UPDATE ... RETURNING
// with FOR UPDATE SKIP LOCKED in the inner selection, which prevents two
// workers from racing to the same row. Leasing a build's PLAN task also
// advances the build from RECEIVED to PROCESSING, matching storetest's fake.
func (s *Store) LeaseNextTask(ctx context.Context, workerID string, leaseTTL time.Duration) (*domain.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin lease next task: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE `+tableTasks+` SET
			status = $1,
			lease_owner = $2,
			lease_expires_at = now() + $3::interval,
			attempt = attempt + 1,
			updated_at = now()
		WHERE id = (
			SELECT id FROM `+tableTasks+`
			WHERE (status = $4 AND (not_before IS NULL OR not_before <= now()))
			   OR (status = $1 AND lease_expires_at < now())
			ORDER BY updated_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, build_id, kind, status, attempt, max_attempts, payload, last_error,
			lease_owner, lease_expires_at, not_before, created_at, updated_at
	`, domain.TaskInProgress, workerID, leaseTTL.String(), domain.TaskPending)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: lease next task: %w", err)
	}

	if task.Kind == domain.TaskPlan {
		if _, err := tx.Exec(ctx, `
			UPDATE `+tableBuilds+` SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
		`, domain.BuildProcessing, task.BuildID, domain.BuildReceived); err != nil {
			return nil, fmt.Errorf("postgres: advance build to processing: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit lease next task: %w", err)
	}
	return task, nil
}

// CompleteTask verifies lease ownership, then applies outcome to the task
// and its dependent entities in one transaction.
func (s *Store) CompleteTask(ctx context.Context, taskID, workerID string, outcome domain.Outcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin complete task: %w", err)
	}
	defer tx.Rollback(ctx)

	var task domain.Task
	var leaseOwner *string
	err = tx.QueryRow(ctx, `
		SELECT id, build_id, kind, status, attempt, max_attempts, lease_owner
		FROM `+tableTasks+` WHERE id = $1 FOR UPDATE
	`, taskID).Scan(&task.ID, &task.BuildID, &task.Kind, &task.Status, &task.Attempt, &task.MaxAttempts, &leaseOwner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: lookup task for completion: %w", err)
	}
	if leaseOwner != nil {
		task.LeaseOwner = *leaseOwner
	}
	if task.LeaseOwner != workerID {
		return domain.ErrLeaseNotOwned
	}

	switch outcome.Status {
	case domain.OutcomeSuccess:
		if err := s.applySuccess(ctx, tx, task, outcome); err != nil {
			return err
		}
	case domain.OutcomeRetry:
		if err := s.applyRetry(ctx, tx, task, outcome); err != nil {
			return err
		}
	case domain.OutcomeFailed:
		if err := s.applyFailed(ctx, tx, task, outcome); err != nil {
			return err
		}
	default:
		return fmt.Errorf("postgres: unknown outcome status %q", outcome.Status)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit complete task: %w", err)
	}
	return nil
}

func (s *Store) applySuccess(ctx context.Context, tx pgx.Tx, task domain.Task, outcome domain.Outcome) error {
	if _, err := tx.Exec(ctx, `
		UPDATE `+tableTasks+` SET status = $1, last_error = '', updated_at = now() WHERE id = $2
	`, domain.TaskCompleted, task.ID); err != nil {
		return fmt.Errorf("postgres: mark task completed: %w", err)
	}

	if err := persistArtifacts(ctx, tx, task.BuildID, outcome.Artifacts); err != nil {
		return err
	}

	for _, next := range outcome.NextTasks {
		if _, err := tx.Exec(ctx, `
			INSERT INTO `+tableTasks+` (id, build_id, kind, status, attempt, max_attempts, payload)
			VALUES ($1, $2, $3, $4, 0, $5, $6)
		`, newID("task"), task.BuildID, next.Kind, domain.TaskPending, domain.DefaultMaxAttempts, next.Payload); err != nil {
			return fmt.Errorf("postgres: enqueue successor task: %w", err)
		}
	}

	if len(outcome.NextTasks) == 0 && task.Kind == domain.TaskNotify {
		// A terminal NOTIFY after FAILED or MANUAL_INTERVENTION_REQUIRED
		// leaves that status in place.
		if _, err := tx.Exec(ctx, `
			UPDATE `+tableBuilds+` SET status = $1, updated_at = now()
			WHERE id = $2 AND status NOT IN ($3, $4)
		`, domain.BuildCompleted, task.BuildID, domain.BuildFailed, domain.BuildManualInterventionRequired); err != nil {
			return fmt.Errorf("postgres: mark build completed: %w", err)
		}
	}
	return nil
}

func (s *Store) applyRetry(ctx context.Context, tx pgx.Tx, task domain.Task, outcome domain.Outcome) error {
	if task.Attempt >= task.MaxAttempts {
		if _, err := tx.Exec(ctx, `
			UPDATE `+tableTasks+` SET status = $1, last_error = $2, updated_at = now() WHERE id = $3
		`, domain.TaskDeadLetter, outcome.Error, task.ID); err != nil {
			return fmt.Errorf("postgres: dead-letter task: %w", err)
		}
		if err := setBuildStatusTx(ctx, tx, task.BuildID, domain.BuildManualInterventionRequired); err != nil {
			return err
		}
		return enqueueNotifyTx(ctx, tx, task.BuildID, outcome.Error)
	}

	delay := outcome.RetryAfter
	if delay <= 0 {
		delay = time.Second
	}
	if _, err := tx.Exec(ctx, `
		UPDATE `+tableTasks+` SET
			status = $1,
			last_error = $2,
			lease_owner = NULL,
			lease_expires_at = NULL,
			not_before = now() + $3::interval,
			updated_at = now()
		WHERE id = $4
	`, domain.TaskPending, outcome.Error, delay.String(), task.ID); err != nil {
		return fmt.Errorf("postgres: re-enqueue retried task: %w", err)
	}
	return nil
}

func (s *Store) applyFailed(ctx context.Context, tx pgx.Tx, task domain.Task, outcome domain.Outcome) error {
	if _, err := tx.Exec(ctx, `
		UPDATE `+tableTasks+` SET status = $1, last_error = $2, updated_at = now() WHERE id = $3
	`, domain.TaskFailed, outcome.Error, task.ID); err != nil {
		return fmt.Errorf("postgres: mark task failed: %w", err)
	}
	if err := setBuildStatusTx(ctx, tx, task.BuildID, domain.BuildFailed); err != nil {
		return err
	}
	return enqueueNotifyTx(ctx, tx, task.BuildID, outcome.Error)
}

func enqueueNotifyTx(ctx context.Context, tx pgx.Tx, buildID, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO `+tableTasks+` (id, build_id, kind, status, attempt, max_attempts, payload)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
	`, newID("task"), buildID, domain.TaskNotify, domain.TaskPending, domain.DefaultMaxAttempts, []byte(reason))
	if err != nil {
		return fmt.Errorf("postgres: enqueue terminal notify: %w", err)
	}
	return nil
}

func setBuildStatusTx(ctx context.Context, tx pgx.Tx, buildID string, status domain.BuildStatus) error {
	_, err := tx.Exec(ctx, `
		UPDATE `+tableBuilds+` SET status = $1, updated_at = now() WHERE id = $2
	`, status, buildID)
	if err != nil {
		return fmt.Errorf("postgres: set build status: %w", err)
	}
	return nil
}

func persistArtifacts(ctx context.Context, tx pgx.Tx, buildID string, artifacts []domain.Artifact) error {
	for _, a := range artifacts {
		switch {
		case a.Plan != nil:
			steps, err := json.Marshal(a.Plan.Steps)
			if err != nil {
				return err
			}
			hints, err := json.Marshal(a.Plan.Hints)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO `+tablePlans+` (id, build_id, steps, hints) VALUES ($1, $2, $3, $4)
			`, newID("plan"), buildID, steps, hints); err != nil {
				return fmt.Errorf("postgres: persist plan: %w", err)
			}
		case a.CandidateFile != nil:
			if _, err := tx.Exec(ctx, `
				INSERT INTO `+tableCandidateFiles+` (id, build_id, path, rank, reason) VALUES ($1, $2, $3, $4, $5)
			`, newID("cand"), buildID, a.CandidateFile.Path, a.CandidateFile.Rank, a.CandidateFile.Reason); err != nil {
				return fmt.Errorf("postgres: persist candidate file: %w", err)
			}
		case a.Patch != nil:
			if _, err := tx.Exec(ctx, `
				INSERT INTO `+tablePatches+` (id, build_id, path, diff, applied, apply_log) VALUES ($1, $2, $3, $4, $5, $6)
			`, newID("patch"), buildID, a.Patch.Path, a.Patch.Diff, a.Patch.Applied, a.Patch.ApplyLog); err != nil {
				return fmt.Errorf("postgres: persist patch: %w", err)
			}
		case a.Validation != nil:
			if _, err := tx.Exec(ctx, `
				INSERT INTO `+tableValidations+` (id, build_id, kind, exit_code, stdout, stderr) VALUES ($1, $2, $3, $4, $5, $6)
			`, newID("val"), buildID, a.Validation.Kind, a.Validation.ExitCode, a.Validation.Stdout, a.Validation.Stderr); err != nil {
				return fmt.Errorf("postgres: persist validation: %w", err)
			}
		case a.PullRequest != nil:
			if _, err := tx.Exec(ctx, `
				INSERT INTO `+tablePullRequests+` (id, build_id, branch, number, url, status)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (build_id) DO UPDATE SET branch = $3, number = $4, url = $5, status = $6
			`, newID("pr"), buildID, a.PullRequest.Branch, a.PullRequest.Number, a.PullRequest.URL, a.PullRequest.Status); err != nil {
				return fmt.Errorf("postgres: persist pull request: %w", err)
			}
		}
	}
	return nil
}

// Heartbeat extends a held lease.
func (s *Store) Heartbeat(ctx context.Context, taskID, workerID string, extension time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+tableTasks+` SET lease_expires_at = now() + $1::interval, updated_at = now()
		WHERE id = $2 AND lease_owner = $3 AND status = $4
	`, extension.String(), taskID, workerID, domain.TaskInProgress)
	if err != nil {
		return fmt.Errorf("postgres: heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseNotOwned
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, build_id, kind, status, attempt, max_attempts, payload, last_error,
			lease_owner, lease_expires_at, not_before, created_at, updated_at
		FROM `+tableTasks+` WHERE id = $1
	`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get task: %w", err)
	}
	return task, nil
}

// ListTasksByBuild returns all tasks for a build, oldest first.
func (s *Store) ListTasksByBuild(ctx context.Context, buildID string) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, build_id, kind, status, attempt, max_attempts, payload, last_error,
			lease_owner, lease_expires_at, not_before, created_at, updated_at
		FROM `+tableTasks+` WHERE build_id = $1 ORDER BY created_at ASC
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks by build: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListActiveBuilds returns builds not yet in a terminal status.
func (s *Store) ListActiveBuilds(ctx context.Context) ([]*domain.Build, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job, build_number, branch, repository_url, commit_sha, payload, status, created_at, updated_at
		FROM `+tableBuilds+`
		WHERE status NOT IN ($1, $2, $3)
		ORDER BY created_at ASC
	`, domain.BuildCompleted, domain.BuildFailed, domain.BuildManualInterventionRequired)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active builds: %w", err)
	}
	defer rows.Close()

	var builds []*domain.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, build)
	}
	return builds, rows.Err()
}

// CountBuildsByStatus returns the number of builds per status.
func (s *Store) CountBuildsByStatus(ctx context.Context) (map[domain.BuildStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM `+tableBuilds+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: count builds by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.BuildStatus]int)
	for rows.Next() {
		var status domain.BuildStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM `+tableTasks+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListDeadLetters returns tasks currently in DEAD_LETTER, newest first.
// limit<=0 means unlimited, matching storetest's fake.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*domain.Task, error) {
	query := `
		SELECT id, build_id, kind, status, attempt, max_attempts, payload, last_error,
			lease_owner, lease_expires_at, not_before, created_at, updated_at
		FROM ` + tableTasks + ` WHERE status = $1 ORDER BY updated_at DESC`

	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.pool.Query(ctx, query+` LIMIT $2`, domain.TaskDeadLetter, limit)
	} else {
		rows, err = s.pool.Query(ctx, query, domain.TaskDeadLetter)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// LatestPlan returns the most recent Plan for a build, if any.
func (s *Store) LatestPlan(ctx context.Context, buildID string) (*domain.Plan, error) {
	var plan domain.Plan
	var steps, hints []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, build_id, steps, hints, created_at FROM `+tablePlans+`
		WHERE build_id = $1 ORDER BY created_at DESC LIMIT 1
	`, buildID).Scan(&plan.ID, &plan.BuildID, &steps, &hints, &plan.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: latest plan: %w", err)
	}
	if err := json.Unmarshal(steps, &plan.Steps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(hints, &plan.Hints); err != nil {
		return nil, err
	}
	return &plan, nil
}

// CandidateFiles returns candidate files for a build, ranked descending.
func (s *Store) CandidateFiles(ctx context.Context, buildID string) ([]*domain.CandidateFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, build_id, path, rank, reason, created_at FROM `+tableCandidateFiles+`
		WHERE build_id = $1 ORDER BY rank DESC
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("postgres: candidate files: %w", err)
	}
	defer rows.Close()

	var out []*domain.CandidateFile
	for rows.Next() {
		var c domain.CandidateFile
		if err := rows.Scan(&c.ID, &c.BuildID, &c.Path, &c.Rank, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Patches returns all patches proposed for a build, oldest first.
func (s *Store) Patches(ctx context.Context, buildID string) ([]*domain.Patch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, build_id, path, diff, applied, apply_log, created_at FROM `+tablePatches+`
		WHERE build_id = $1 ORDER BY created_at ASC
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("postgres: patches: %w", err)
	}
	defer rows.Close()

	var out []*domain.Patch
	for rows.Next() {
		var p domain.Patch
		if err := rows.Scan(&p.ID, &p.BuildID, &p.Path, &p.Diff, &p.Applied, &p.ApplyLog, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Validations returns all validation runs for a build, oldest first.
func (s *Store) Validations(ctx context.Context, buildID string) ([]*domain.Validation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, build_id, kind, exit_code, stdout, stderr, created_at FROM `+tableValidations+`
		WHERE build_id = $1 ORDER BY created_at ASC
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("postgres: validations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Validation
	for rows.Next() {
		var v domain.Validation
		if err := rows.Scan(&v.ID, &v.BuildID, &v.Kind, &v.ExitCode, &v.Stdout, &v.Stderr, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// PullRequest returns the build's pull request, if one was created.
func (s *Store) PullRequest(ctx context.Context, buildID string) (*domain.PullRequest, error) {
	var pr domain.PullRequest
	err := s.pool.QueryRow(ctx, `
		SELECT id, build_id, branch, number, url, status, created_at FROM `+tablePullRequests+`
		WHERE build_id = $1
	`, buildID).Scan(&pr.ID, &pr.BuildID, &pr.Branch, &pr.Number, &pr.URL, &pr.Status, &pr.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: pull request: %w", err)
	}
	return &pr, nil
}
