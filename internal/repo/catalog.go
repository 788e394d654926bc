package repo

import (
	"context"
	"database/sql"

	"reportline/internal/domain"
)

// Catalog entities are slow-changing reference data owned elsewhere; the
// repo only reads them and seeds them from config.

func (r Repo) GetMinistry(ctx context.Context, id string) (domain.Ministry, error) {
	var m domain.Ministry
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(short_name,'') AS short_name,created_at FROM ministries WHERE id=?`, id).
		Scan(&m.ID, &m.Name, &m.ShortName, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMinistries(ctx context.Context) ([]domain.Ministry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(short_name,'') AS short_name,created_at FROM ministries ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ministry
	for rows.Next() {
		var m domain.Ministry
		if err := rows.Scan(&m.ID, &m.Name, &m.ShortName, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetCommitmentLine(ctx context.Context, id string) (domain.CommitmentLine, error) {
	var l domain.CommitmentLine
	err := r.DB.QueryRowContext(ctx, `SELECT id,ministry_id,title,created_at FROM commitment_lines WHERE id=?`, id).
		Scan(&l.ID, &l.MinistryID, &l.Title, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) ListCommitmentLines(ctx context.Context, ministryID string) ([]domain.CommitmentLine, error) {
	query := `SELECT id,ministry_id,title,created_at FROM commitment_lines`
	var args []any
	if ministryID != "" {
		query += ` WHERE ministry_id=?`
		args = append(args, ministryID)
	}
	query += ` ORDER BY title`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CommitmentLine
	for rows.Next() {
		var l domain.CommitmentLine
		if err := rows.Scan(&l.ID, &l.MinistryID, &l.Title, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) GetIndicator(ctx context.Context, id string) (domain.Indicator, error) {
	var ind domain.Indicator
	err := r.DB.QueryRowContext(ctx, `SELECT id,commitment_line_id,name,COALESCE(unit,'') AS unit,periodicity,created_at FROM indicators WHERE id=?`, id).
		Scan(&ind.ID, &ind.CommitmentLineID, &ind.Name, &ind.Unit, &ind.Periodicity, &ind.CreatedAt)
	if err == sql.ErrNoRows {
		return ind, ErrNotFound
	}
	return ind, err
}

func (r Repo) ListIndicators(ctx context.Context, commitmentLineID string) ([]domain.Indicator, error) {
	query := `SELECT id,commitment_line_id,name,COALESCE(unit,'') AS unit,periodicity,created_at FROM indicators`
	var args []any
	if commitmentLineID != "" {
		query += ` WHERE commitment_line_id=?`
		args = append(args, commitmentLineID)
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Indicator
	for rows.Next() {
		var ind domain.Indicator
		if err := rows.Scan(&ind.ID, &ind.CommitmentLineID, &ind.Name, &ind.Unit, &ind.Periodicity, &ind.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ind)
	}
	return res, rows.Err()
}

func (r Repo) UpsertMinistry(ctx context.Context, tx *sql.Tx, m domain.Ministry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ministries(id,name,short_name,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, short_name=excluded.short_name`,
		m.ID, m.Name, nullable(m.ShortName), m.CreatedAt)
	return err
}

func (r Repo) UpsertCommitmentLine(ctx context.Context, tx *sql.Tx, l domain.CommitmentLine) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO commitment_lines(id,ministry_id,title,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET ministry_id=excluded.ministry_id, title=excluded.title`,
		l.ID, l.MinistryID, l.Title, l.CreatedAt)
	return err
}

func (r Repo) UpsertIndicator(ctx context.Context, tx *sql.Tx, ind domain.Indicator) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO indicators(id,commitment_line_id,name,unit,periodicity,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET commitment_line_id=excluded.commitment_line_id, name=excluded.name, unit=excluded.unit, periodicity=excluded.periodicity`,
		ind.ID, ind.CommitmentLineID, ind.Name, nullable(ind.Unit), ind.Periodicity, ind.CreatedAt)
	return err
}
