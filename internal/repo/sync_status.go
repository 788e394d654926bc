package repo

import (
	"context"
	"database/sql"

	"reportline/internal/domain"
)

// GetSyncStatus returns the last recorded replication outcome for a
// submission. A submission that was never synced has no row.
func (r Repo) GetSyncStatus(ctx context.Context, submissionID string) (domain.SyncStatus, error) {
	var st domain.SyncStatus
	err := r.DB.QueryRowContext(ctx, `SELECT submission_id,COALESCE(last_attempt_at,'') AS last_attempt_at,
COALESCE(last_result,'') AS last_result,COALESCE(last_error,'') AS last_error,row_present,attempts
FROM sync_status WHERE submission_id=?`, submissionID).
		Scan(&st.SubmissionID, &st.LastAttemptAt, &st.LastResult, &st.LastError, &st.RowPresent, &st.Attempts)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	return st, err
}

// RecordSyncAttempt upserts the outcome of one replication attempt.
func (r Repo) RecordSyncAttempt(ctx context.Context, st domain.SyncStatus) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_status(submission_id,last_attempt_at,last_result,last_error,row_present,attempts)
VALUES (?,?,?,?,?,1)
ON CONFLICT(submission_id) DO UPDATE SET
last_attempt_at=excluded.last_attempt_at,
last_result=excluded.last_result,
last_error=excluded.last_error,
row_present=excluded.row_present,
attempts=sync_status.attempts+1`,
		st.SubmissionID, nullable(st.LastAttemptAt), nullable(st.LastResult), nullable(st.LastError), st.RowPresent)
	return err
}
