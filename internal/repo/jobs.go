package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"thesisline/internal/domain"
)

const jobCols = `id,project_id,kind,status,attempts,max_attempts,lease_until,error,created_at,updated_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var lease, jobErr sql.NullString
	err := scan(&j.ID, &j.ProjectID, &j.Kind, &j.Status, &j.Attempts, &j.MaxAttempts, &lease, &jobErr, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if lease.Valid {
		j.LeaseUntil = &lease.String
	}
	if jobErr.Valid {
		j.Error = &jobErr.String
	}
	return j, nil
}

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.ProjectID, j.Kind, j.Status, j.Attempts, j.MaxAttempts,
		nullableStringPtr(j.LeaseUntil), nullableStringPtr(j.Error), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

func (r Repo) ListJobs(ctx context.Context, projectID string) ([]domain.Job, error) {
	query := `SELECT ` + jobCols + ` FROM jobs`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ActiveJobForProject returns the queued or running job for a project, if any.
func (r Repo) ActiveJobForProject(ctx context.Context, projectID string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE project_id=? AND status IN ('queued','running') ORDER BY created_at DESC LIMIT 1`, projectID)
	return scanJob(row.Scan)
}

// ClaimJob leases the oldest runnable job: a queued one, or a running one
// whose lease expired (worker crash). Returns ErrNotFound when the queue is
// empty. Claim and lease write happen in one transaction.
//
// A running job whose lease expired on its last attempt has no worker left
// to requeue or fail it, so the claim pass marks it failed; otherwise it
// would block new runs for its project forever.
func (r Repo) ClaimJob(ctx context.Context, now time.Time, lease time.Duration) (domain.Job, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	if _, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status='failed', error='lease expired with no attempts left', lease_until=NULL, updated_at=?
WHERE status='running' AND lease_until IS NOT NULL AND lease_until < ? AND attempts >= max_attempts`, nowStr, nowStr); err != nil {
		return domain.Job{}, err
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs
WHERE attempts < max_attempts AND (status='queued' OR (status='running' AND lease_until IS NOT NULL AND lease_until < ?))
ORDER BY created_at ASC, id ASC LIMIT 1`, nowStr)
	j, err := scanJob(row.Scan)
	if err != nil {
		return domain.Job{}, err
	}

	leaseUntil := now.UTC().Add(lease).Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='running', attempts=attempts+1, lease_until=?, updated_at=? WHERE id=?`,
		leaseUntil, nowStr, j.ID); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	j.Status = "running"
	j.Attempts++
	j.LeaseUntil = &leaseUntil
	j.UpdatedAt = nowStr
	return j, nil
}

// ExtendJobLease pushes the lease forward while a long stage is in flight.
func (r Repo) ExtendJobLease(ctx context.Context, id string, until time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET lease_until=?, updated_at=? WHERE id=? AND status='running'`,
		until.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueJob puts a cleanly failed run back in the queue for another
// attempt. ClaimJob stops picking it up once attempts are exhausted.
func (r Repo) RequeueJob(ctx context.Context, id, reason string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status='queued', error=?, lease_until=NULL, updated_at=? WHERE id=? AND status='running'`,
		nullable(reason), now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkJobDone(ctx context.Context, id string, now time.Time) error {
	return r.finishJob(ctx, id, "done", "", now)
}

func (r Repo) MarkJobFailed(ctx context.Context, id, reason string, now time.Time) error {
	return r.finishJob(ctx, id, "failed", reason, now)
}

func (r Repo) finishJob(ctx context.Context, id, status, reason string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, error=?, lease_until=NULL, updated_at=? WHERE id=?`,
		status, nullable(reason), now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
