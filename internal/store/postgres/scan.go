package postgres

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cklxx/ciflow/internal/domain"
)

// pgxRow is satisfied by both pgx.Row (QueryRow) and pgx.Rows (Query),
// letting scanBuild/scanTask serve both single-row and multi-row call
// sites without duplicating the column list.
type pgxRow interface {
	Scan(dest ...any) error
}

func scanBuild(row pgxRow) (*domain.Build, error) {
	var build domain.Build
	var payload []byte
	if err := row.Scan(&build.ID, &build.Job, &build.BuildNumber, &build.Branch, &build.RepositoryURL,
		&build.CommitSHA, &payload, &build.Status, &build.CreatedAt, &build.UpdatedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &build.Payload); err != nil {
			return nil, err
		}
	}
	return &build, nil
}

func scanTask(row pgxRow) (*domain.Task, error) {
	var task domain.Task
	var leaseOwner *string
	if err := row.Scan(&task.ID, &task.BuildID, &task.Kind, &task.Status, &task.Attempt, &task.MaxAttempts,
		&task.Payload, &task.LastError, &leaseOwner, &task.LeaseExpiresAt, &task.NotBefore,
		&task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	if leaseOwner != nil {
		task.LeaseOwner = *leaseOwner
	}
	return &task, nil
}

func scanTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var out []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func newID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

// uniqueViolationCode is the Postgres SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

// isUniqueViolation reports whether err is a Postgres unique_violation,
// used to translate the builds(job, build_number) index conflict into
// domain.ErrDuplicateBuild.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}
