package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reportflow/internal/domain"
)

// DefaultReport is the data source exported when a scheduled task names none.
const DefaultReport = "execution_logs"

const scheduleColumns = `id,name,frequency,day,time,recipients,format,options,report,next_run,last_run,last_status,last_error,enabled,created_at,updated_at`

func scanSchedule(s rowScanner) (domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var recipients, options string
	var nextRun, created, updated int64
	var lastRun sql.NullInt64
	var lastStatus, lastError sql.NullString
	if err := s.Scan(&t.ID, &t.Name, &t.Frequency, &t.Day, &t.Time, &recipients, &t.Format, &options, &t.Report,
		&nextRun, &lastRun, &lastStatus, &lastError, &t.Enabled, &created, &updated); err != nil {
		return domain.ScheduledTask{}, err
	}
	if err := json.Unmarshal([]byte(recipients), &t.Recipients); err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("decode recipients of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(options), &t.Options); err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("decode options of %s: %w", t.ID, err)
	}
	t.NextRun = fromMillis(nextRun)
	t.LastRun = timePtr(lastRun)
	if lastStatus.Valid {
		st := domain.RunStatus(lastStatus.String)
		t.LastStatus = &st
	}
	t.LastError = stringPtr(lastError)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func encodeScheduleFields(t domain.ScheduledTask) (recipients, options string, err error) {
	if t.Recipients == nil {
		t.Recipients = []string{}
	}
	rb, err := json.Marshal(t.Recipients)
	if err != nil {
		return "", "", err
	}
	ob, err := json.Marshal(t.Options)
	if err != nil {
		return "", "", err
	}
	return string(rb), string(ob), nil
}

func (r *SQLiteRepo) CreateScheduledTask(ctx context.Context, t domain.ScheduledTask) (string, error) {
	id := t.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if t.Report == "" {
		t.Report = DefaultReport
	}
	recipients, options, err := encodeScheduleFields(t)
	if err != nil {
		return "", err
	}
	now := toMillis(r.now())
	_, err = r.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, t.Name, t.Frequency, t.Day, t.Time, recipients, t.Format, options, t.Report,
		toMillis(t.NextRun), nullMillis(t.LastRun), nullStatus(t.LastStatus), nullString(t.LastError), t.Enabled, now, now)
	return id, err
}

func nullStatus(s *domain.RunStatus) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

func (r *SQLiteRepo) GetScheduledTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_tasks WHERE id=?`, id)
	t, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledTask{}, ErrNotFound
	}
	return t, err
}

func (r *SQLiteRepo) ListScheduledTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return r.listSchedules(ctx, `SELECT `+scheduleColumns+` FROM scheduled_tasks ORDER BY name`)
}

// GetPendingTasks returns enabled tasks whose next run is at or before now.
func (r *SQLiteRepo) GetPendingTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	return r.listSchedules(ctx, `SELECT `+scheduleColumns+` FROM scheduled_tasks WHERE enabled=1 AND next_run <= ? ORDER BY next_run, rowid`, toMillis(now))
}

func (r *SQLiteRepo) listSchedules(ctx context.Context, query string, args ...any) ([]domain.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.ScheduledTask{}
	for rows.Next() {
		t, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateScheduledTask writes the editable fields of a definition.
// Execution bookkeeping is left to UpdateTaskExecutionStatus.
func (r *SQLiteRepo) UpdateScheduledTask(ctx context.Context, t domain.ScheduledTask) error {
	recipients, options, err := encodeScheduleFields(t)
	if err != nil {
		return err
	}
	if t.Report == "" {
		t.Report = DefaultReport
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET name=?,frequency=?,day=?,time=?,recipients=?,format=?,options=?,report=?,next_run=?,enabled=?,updated_at=?
WHERE id=?`, t.Name, t.Frequency, t.Day, t.Time, recipients, t.Format, options, t.Report, toMillis(t.NextRun), t.Enabled, toMillis(r.now()), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepo) DeleteScheduledTask(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id=?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimScheduledTask moves next_run from expected to next only if no other
// runner has done so already. It reports whether this caller won the claim.
func (r *SQLiteRepo) ClaimScheduledTask(ctx context.Context, id string, expected, next time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET next_run=?, updated_at=?
WHERE id=? AND next_run=? AND enabled=1`, toMillis(next), toMillis(r.now()), id, toMillis(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateTaskExecutionStatus records the outcome of one execution together
// with the next run time.
func (r *SQLiteRepo) UpdateTaskExecutionStatus(ctx context.Context, id string, executedAt, nextRun time.Time, success bool, errMsg *string) error {
	status := domain.RunSuccess
	if !success {
		status = domain.RunFailure
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET last_run=?, next_run=?, last_status=?, last_error=?, updated_at=?
WHERE id=?`, toMillis(executedAt), toMillis(nextRun), status, nullString(errMsg), toMillis(r.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskLastRun records an on-demand execution. next_run belongs to the
// scheduled runner and is left alone.
func (r *SQLiteRepo) UpdateTaskLastRun(ctx context.Context, id string, executedAt time.Time, success bool, errMsg *string) error {
	status := domain.RunSuccess
	if !success {
		status = domain.RunFailure
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET last_run=?, last_status=?, last_error=?, updated_at=?
WHERE id=?`, toMillis(executedAt), status, nullString(errMsg), toMillis(r.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
