package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gitdone/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const eventColumns = `id,name,owner_email,flow_type,status,created_at,updated_at,completed_at`

const stepColumns = `id,event_id,name,vendor_email,status,sequence,required_previous,COALESCE(time_limit,''),COALESCE(description,''),created_at,triggered_at,completed_at,timed_out_at,COALESCE(timeout_reason,''),COALESCE(completion_comments,''),files_json`

// SaveEvent writes the event row and every step, inserting new steps and updating existing ones.
// Steps are never deleted.
func (r Repo) SaveEvent(ctx context.Context, tx *sql.Tx, ev domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, updated_at=excluded.updated_at, completed_at=excluded.completed_at`,
		ev.ID, ev.Name, ev.OwnerEmail, string(ev.FlowType), string(ev.Status),
		domain.FormatTime(ev.CreatedAt), domain.FormatTime(ev.UpdatedAt), nullableTime(ev.CompletedAt))
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	for i, st := range ev.Steps {
		if err := r.saveStep(ctx, tx, i, st); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) saveStep(ctx context.Context, tx *sql.Tx, position int, st domain.Step) error {
	files := st.Files
	if files == nil {
		files = []domain.FileRef{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO steps(id,event_id,position,name,vendor_email,status,sequence,required_previous,time_limit,description,created_at,triggered_at,completed_at,timed_out_at,timeout_reason,completion_comments,files_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, vendor_email=excluded.vendor_email, status=excluded.status,
 time_limit=excluded.time_limit, description=excluded.description, triggered_at=excluded.triggered_at,
 completed_at=excluded.completed_at, timed_out_at=excluded.timed_out_at, timeout_reason=excluded.timeout_reason,
 completion_comments=excluded.completion_comments, files_json=excluded.files_json`,
		st.ID, st.EventID, position, st.Name, st.VendorEmail, string(st.Status), st.Sequence, nullableStringPtr(st.RequiredPrevious),
		nullable(st.TimeLimit), nullable(st.Description), domain.FormatTime(st.CreatedAt), nullableTime(st.TriggeredAt),
		nullableTime(st.CompletedAt), nullableTime(st.TimedOutAt), nullable(st.TimeoutReason), nullable(st.CompletionComments), string(filesJSON))
	if err != nil {
		return fmt.Errorf("save step %s: %w", st.ID, err)
	}
	return nil
}

// GetEvent loads the event with its steps in creation order. Commits are left empty.
func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return getEvent(ctx, r.DB, id)
}

func getEvent(ctx context.Context, q querier, id string) (domain.Event, error) {
	ev, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
	if err != nil {
		return domain.Event{}, err
	}
	if ev.Steps, err = listSteps(ctx, q, id); err != nil {
		return domain.Event{}, err
	}
	ev.Commits = []domain.Commit{}
	return ev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var (
		ev               domain.Event
		flow, status     string
		created, updated string
		completed        sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.Name, &ev.OwnerEmail, &flow, &status, &created, &updated, &completed)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.FlowType = domain.FlowType(flow)
	ev.Status = domain.EventStatus(status)
	if ev.CreatedAt, err = domain.ParseTime(created); err != nil {
		return ev, err
	}
	if ev.UpdatedAt, err = domain.ParseTime(updated); err != nil {
		return ev, err
	}
	if ev.CompletedAt, err = parseNullTime(completed); err != nil {
		return ev, err
	}
	return ev, nil
}

func listSteps(ctx context.Context, q querier, eventID string) ([]domain.Step, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE event_id=? ORDER BY position ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	steps := []domain.Step{}
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanStep(row rowScanner) (domain.Step, error) {
	var (
		st                             domain.Step
		status, created, files         string
		requiredPrev                   sql.NullString
		triggered, completed, timedOut sql.NullString
	)
	err := row.Scan(&st.ID, &st.EventID, &st.Name, &st.VendorEmail, &status, &st.Sequence, &requiredPrev, &st.TimeLimit, &st.Description,
		&created, &triggered, &completed, &timedOut, &st.TimeoutReason, &st.CompletionComments, &files)
	if err != nil {
		return st, err
	}
	st.Status = domain.StepStatus(status)
	if requiredPrev.Valid {
		v := requiredPrev.String
		st.RequiredPrevious = &v
	}
	if st.CreatedAt, err = domain.ParseTime(created); err != nil {
		return st, err
	}
	if st.TriggeredAt, err = parseNullTime(triggered); err != nil {
		return st, err
	}
	if st.CompletedAt, err = parseNullTime(completed); err != nil {
		return st, err
	}
	if st.TimedOutAt, err = parseNullTime(timedOut); err != nil {
		return st, err
	}
	if err := json.Unmarshal([]byte(files), &st.Files); err != nil {
		return st, fmt.Errorf("decode step files: %w", err)
	}
	if st.Files == nil {
		st.Files = []domain.FileRef{}
	}
	return st, nil
}

// ListEventsByOwner returns the owner's events, newest first, with steps loaded.
func (r Repo) ListEventsByOwner(ctx context.Context, owner string) ([]domain.Event, error) {
	return r.listEvents(ctx, `WHERE owner_email=? ORDER BY created_at DESC, id DESC`, owner)
}

// ListEventsByStatus returns events in the given status, oldest first, with steps loaded.
func (r Repo) ListEventsByStatus(ctx context.Context, status domain.EventStatus) ([]domain.Event, error) {
	return r.listEvents(ctx, `WHERE status=? ORDER BY created_at ASC, id ASC`, string(status))
}

func (r Repo) listEvents(ctx context.Context, clause string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events `+clause, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].Steps, err = listSteps(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
		res[i].Commits = []domain.Commit{}
	}
	return res, nil
}

// ActivityAfter returns activity rows with id greater than cursor, oldest first. An empty
// eventID spans all events.
func (r Repo) ActivityAfter(ctx context.Context, limit int, cursor int64, eventID string) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(event_id,''),entity_kind,COALESCE(entity_id,''),actor,payload_json FROM activity WHERE id>?`
	args := []any{cursor}
	if eventID != "" {
		query += ` AND event_id=?`
		args = append(args, eventID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.TS, &a.Type, &a.EventID, &a.EntityKind, &a.EntityID, &a.Actor, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestActivityID returns the newest activity id, or 0 when the log is empty.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM activity`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatTime(*t)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := domain.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
