package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"reportline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert or update trips the
// ux_submissions_live partial unique index, i.e. another submission for the
// same (indicator, period, ministry) triple is already pending or validated.
var ErrConflict = errors.New("conflicting live submission exists")

// mapConstraintErr translates the store's uniqueness failure into
// ErrConflict so callers can distinguish it from other SQL errors. The
// check-and-claim is the constraint itself; there is no pre-read to race.
func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "ux_submissions_live") || strings.Contains(msg, "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

const submissionColumns = `id,ministry_id,commitment_line_id,indicator_id,period,value,
COALESCE(unit,'') AS unit,target,COALESCE(source,'') AS source,
COALESCE(responsible,'') AS responsible,COALESCE(responsible_email,'') AS responsible_email,
COALESCE(notes,'') AS notes,COALESCE(reviewer_notes,'') AS reviewer_notes,
state,published,created_by,COALESCE(updated_by,'') AS updated_by,created_at,updated_at`

func scanSubmission(scan func(dest ...any) error) (domain.Submission, error) {
	var s domain.Submission
	var target sql.NullFloat64
	err := scan(&s.ID, &s.MinistryID, &s.CommitmentLineID, &s.IndicatorID, &s.Period, &s.Value,
		&s.Unit, &target, &s.Source, &s.Responsible, &s.ResponsibleEmail,
		&s.Notes, &s.ReviewerNotes, &s.State, &s.Published, &s.CreatedBy, &s.UpdatedBy,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if target.Valid {
		v := target.Float64
		s.Target = &v
	}
	return s, err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(
id,ministry_id,commitment_line_id,indicator_id,period,value,unit,target,source,
responsible,responsible_email,notes,reviewer_notes,state,published,created_by,updated_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.MinistryID, s.CommitmentLineID, s.IndicatorID, s.Period, s.Value,
		nullable(s.Unit), nullableFloat(s.Target), nullable(s.Source),
		nullable(s.Responsible), nullable(s.ResponsibleEmail), nullable(s.Notes), nullable(s.ReviewerNotes),
		s.State, s.Published, s.CreatedBy, nullable(s.UpdatedBy), s.CreatedAt, s.UpdatedAt)
	return mapConstraintErr(err)
}

func (r Repo) UpdateSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET
ministry_id=?,commitment_line_id=?,indicator_id=?,period=?,value=?,unit=?,target=?,source=?,
responsible=?,responsible_email=?,notes=?,reviewer_notes=?,state=?,published=?,updated_by=?,updated_at=?
WHERE id=?`,
		s.MinistryID, s.CommitmentLineID, s.IndicatorID, s.Period, s.Value,
		nullable(s.Unit), nullableFloat(s.Target), nullable(s.Source),
		nullable(s.Responsible), nullable(s.ResponsibleEmail), nullable(s.Notes), nullable(s.ReviewerNotes),
		s.State, s.Published, nullable(s.UpdatedBy), s.UpdatedAt, s.ID)
	if err != nil {
		return mapConstraintErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSubmission(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SubmissionFilter narrows ListSubmissions. Zero values mean "any".
type SubmissionFilter struct {
	MinistryID  string
	IndicatorID string
	Period      string
	State       string
	Published   *bool
}

func (r Repo) ListSubmissions(ctx context.Context, f SubmissionFilter) ([]domain.Submission, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.MinistryID != "" {
		clauses = append(clauses, "ministry_id=?")
		args = append(args, f.MinistryID)
	}
	if f.IndicatorID != "" {
		clauses = append(clauses, "indicator_id=?")
		args = append(args, f.IndicatorID)
	}
	if f.Period != "" {
		clauses = append(clauses, "period=?")
		args = append(args, f.Period)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Published != nil {
		clauses = append(clauses, "published=?")
		args = append(args, *f.Published)
	}
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LiveSubmissionForTriple returns the pending or validated submission
// holding the triple, if any.
func (r Repo) LiveSubmissionForTriple(ctx context.Context, indicatorID, period, ministryID string) (domain.Submission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions
WHERE indicator_id=? AND period=? AND ministry_id=? AND state IN ('pending','validated')`,
		indicatorID, period, ministryID)
	return scanSubmission(row.Scan)
}

func (r Repo) ListEvents(ctx context.Context, limit int, objectID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if objectID != "" {
		clauses = append(clauses, "object_id=?")
		args = append(args, objectID)
	}
	query := `SELECT id,ts,action,object_type,COALESCE(object_id,'') AS object_id,actor_id,
COALESCE(before_json,'') AS before_json,COALESCE(after_json,'') AS after_json
FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Action, &e.ObjectType, &e.ObjectID, &e.ActorID, &e.Before, &e.After); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
