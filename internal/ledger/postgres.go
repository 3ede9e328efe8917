package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"meshjobs/internal/apperrors"
	"meshjobs/internal/database"
	"meshjobs/internal/job"
)

const uniqueViolation = "23505"

const jobColumns = `local_id::text, job_handle, owner, input_name, input_ref, output_ref, status, detail, created_at, updated_at`

// Postgres is a ledger backed by the jobs table.
// Every mutation is a single conditional statement, so concurrent callers
// across replicas cannot regress a status or set the output ref twice.
type Postgres struct {
	db database.DB
}

// NewPostgres creates a ledger over db. Call database.EnsureSchema first.
func NewPostgres(db database.DB) *Postgres {
	return &Postgres{db: db}
}

// Create inserts a new record.
func (p *Postgres) Create(ctx context.Context, j *job.Job) error {
	if err := validateNew(j); err != nil {
		return err
	}

	query := `
INSERT INTO jobs (local_id, job_handle, owner, input_name, input_ref, status, detail)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING local_id::text, created_at, updated_at;
`
	row := p.db.QueryRow(ctx, query,
		uuid.New(),
		j.Handle,
		j.Owner,
		j.InputName,
		j.InputRef,
		string(j.Status),
		j.Detail,
	)
	if err := row.Scan(&j.LocalID, &j.CreatedAt, &j.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Conflict("job", j.Handle, "job already recorded")
		}
		return apperrors.Internal("ledger.create", err)
	}
	return nil
}

// Get fetches a record by job handle.
func (p *Postgres) Get(ctx context.Context, handle string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_handle = $1;`
	j, err := scanJob(p.db.QueryRow(ctx, query, handle))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("job", handle)
		}
		return nil, apperrors.Internal("ledger.get", err)
	}
	return j, nil
}

// GetByArtifact fetches the record referencing ref as input or output.
func (p *Postgres) GetByArtifact(ctx context.Context, ref string) (*job.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE input_ref = $1 OR output_ref = $1
LIMIT 1;
`
	j, err := scanJob(p.db.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("artifact", ref)
		}
		return nil, apperrors.Internal("ledger.get_by_artifact", err)
	}
	return j, nil
}

// ListByOwner returns the owner's records, newest first.
func (p *Postgres) ListByOwner(ctx context.Context, owner string, limit int) ([]job.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE owner = $1
ORDER BY created_at DESC, local_id DESC
LIMIT $2;
`
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx, query, owner, limit)
	if err != nil {
		return nil, apperrors.Internal("ledger.list", err)
	}
	defer rows.Close()

	result := make([]job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("ledger.list", err)
		}
		result = append(result, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("ledger.list", err)
	}
	return result, nil
}

// UpdateStatus applies status and detail unless that would move the stored
// status backwards or out of a terminal status.
func (p *Postgres) UpdateStatus(ctx context.Context, handle string, status job.Status, detail string) (*job.Job, error) {
	if err := validateUpdate(status); err != nil {
		return nil, err
	}

	query := `
UPDATE jobs
SET status = $2,
    detail = $3,
    updated_at = NOW()
WHERE job_handle = $1
  AND (status = $2
       OR status = 'QUEUED'
       OR (status = 'RUNNING' AND $2 <> 'QUEUED'));
`
	if _, err := p.db.Exec(ctx, query, handle, string(status), detail); err != nil {
		return nil, apperrors.Internal("ledger.update_status", err)
	}
	return p.Get(ctx, handle)
}

// CommitOutput is the conditional commit of the output artifact.
func (p *Postgres) CommitOutput(ctx context.Context, handle, outputRef, detail string) (bool, error) {
	if outputRef == "" {
		return false, apperrors.Validation("outputRef", "output ref is required")
	}

	query := `
UPDATE jobs
SET output_ref = $2,
    status = 'SUCCESS',
    detail = $3,
    updated_at = NOW()
WHERE job_handle = $1
  AND output_ref IS NULL
  AND status <> 'FAILURE';
`
	tag, err := p.db.Exec(ctx, query, handle, outputRef, detail)
	if err != nil {
		return false, apperrors.Internal("ledger.commit_output", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Distinguish a lost race from a missing record.
	if _, err := p.Get(ctx, handle); err != nil {
		return false, err
	}
	return false, nil
}

// Ready pings the database.
func (p *Postgres) Ready(ctx context.Context) error {
	if err := p.db.Ping(ctx); err != nil {
		return apperrors.Internal("ledger.ping", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		outputRef *string
		status    string
	)
	if err := row.Scan(
		&j.LocalID,
		&j.Handle,
		&j.Owner,
		&j.InputName,
		&j.InputRef,
		&outputRef,
		&status,
		&j.Detail,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if outputRef != nil {
		j.OutputRef = *outputRef
	}
	j.Status = job.Status(strings.ToUpper(status))
	return &j, nil
}
