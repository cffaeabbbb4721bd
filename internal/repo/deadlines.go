package repo

import (
	"context"
	"database/sql"

	"gitdone/internal/domain"
	"gitdone/internal/scheduler"
)

// DeadlineStore persists scheduler deadlines in the deadlines table.
type DeadlineStore struct {
	DB *sql.DB
}

func (s DeadlineStore) UpsertDeadline(ctx context.Context, d scheduler.Deadline) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO deadlines(step_id,event_id,vendor_email,fire_at) VALUES (?,?,?,?)
ON CONFLICT(step_id) DO UPDATE SET event_id=excluded.event_id, vendor_email=excluded.vendor_email, fire_at=excluded.fire_at`,
		d.StepID, d.EventID, d.VendorEmail, domain.FormatTime(d.FireAt))
	return err
}

func (s DeadlineStore) DeleteDeadline(ctx context.Context, stepID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM deadlines WHERE step_id=?`, stepID)
	return err
}

func (s DeadlineStore) ListDeadlines(ctx context.Context) ([]scheduler.Deadline, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT step_id,event_id,vendor_email,fire_at FROM deadlines ORDER BY fire_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []scheduler.Deadline
	for rows.Next() {
		var (
			d      scheduler.Deadline
			fireAt string
		)
		if err := rows.Scan(&d.StepID, &d.EventID, &d.VendorEmail, &fireAt); err != nil {
			return nil, err
		}
		if d.FireAt, err = domain.ParseTime(fireAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// HasDeadline reports whether a deadline row exists for stepID.
func (s DeadlineStore) HasDeadline(ctx context.Context, stepID string) (bool, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM deadlines WHERE step_id=?`, stepID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
