package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"reportflow/internal/domain"
)

// ErrNotClaimed is returned when a result is recorded for a task that is no
// longer in the processing state (for example it was recovered as stale).
var ErrNotClaimed = errors.New("task is not claimed")

const taskColumns = `id,type,payload,priority,status,retry_count,message,duration_ms,created_at,started_at,finished_at`

func scanTask(s rowScanner, extra ...any) (domain.QueueTask, error) {
	var t domain.QueueTask
	var created int64
	var started, finished sql.NullInt64
	var payload []byte
	dest := []any{&t.ID, &t.Type, &payload, &t.Priority, &t.Status, &t.RetryCount, &t.Message, &t.DurationMs, &created, &started, &finished}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return domain.QueueTask{}, err
	}
	t.Payload = payload
	t.CreatedAt = fromMillis(created)
	t.StartedAt = timePtr(started)
	t.FinishedAt = timePtr(finished)
	return t, nil
}

func (r *SQLiteRepo) Enqueue(ctx context.Context, t domain.QueueTask) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO queue_tasks (id,type,payload,priority,status,retry_count,message,duration_ms,created_at)
VALUES (?,?,?,?,'pending',0,'',0,?)
`, id, t.Type, []byte(t.Payload), t.Priority, toMillis(r.now()))
	return id, err
}

// ClaimBatch atomically moves up to limit pending tasks to processing and
// returns them ordered by priority (highest first), then creation order.
// The claim is a single conditional UPDATE, so two concurrent callers never
// receive the same task.
func (r *SQLiteRepo) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]domain.QueueTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
UPDATE queue_tasks
SET status='processing', started_at=?, finished_at=NULL
WHERE status='pending' AND id IN (
  SELECT id FROM queue_tasks
  WHERE status='pending'
  ORDER BY priority DESC, created_at ASC, rowid ASC
  LIMIT ?
)
RETURNING `+taskColumns+`,rowid`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		task domain.QueueTask
		seq  int64
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		if c.task, err = scanTask(rows, &c.seq); err != nil {
			return nil, err
		}
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING order is unspecified.
	sort.Slice(batch, func(i, j int) bool {
		a, b := batch[i], batch[j]
		if a.task.Priority != b.task.Priority {
			return a.task.Priority > b.task.Priority
		}
		if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
			return a.task.CreatedAt.Before(b.task.CreatedAt)
		}
		return a.seq < b.seq
	})
	tasks := make([]domain.QueueTask, len(batch))
	for i, c := range batch {
		tasks[i] = c.task
	}
	return tasks, nil
}

func (r *SQLiteRepo) finish(ctx context.Context, id string, status domain.TaskStatus, msg string, took time.Duration) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE queue_tasks SET status=?, message=?, duration_ms=?, finished_at=?
WHERE id=? AND status='processing'`, status, msg, took.Milliseconds(), toMillis(r.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish %s: %w", id, ErrNotClaimed)
	}
	return nil
}

func (r *SQLiteRepo) Succeed(ctx context.Context, id, msg string, took time.Duration) error {
	return r.finish(ctx, id, domain.TaskSucceeded, msg, took)
}

func (r *SQLiteRepo) Fail(ctx context.Context, id, errStr string, took time.Duration) error {
	return r.finish(ctx, id, domain.TaskFailed, errStr, took)
}

// MarkStarted stamps the moment a claimed task's handler starts, so a task
// queued behind slow batch mates is not mistaken for a stale claim.
func (r *SQLiteRepo) MarkStarted(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE queue_tasks SET started_at=? WHERE id=? AND status='processing'`, toMillis(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark started %s: %w", id, ErrNotClaimed)
	}
	return nil
}

// Release returns claimed tasks to pending without counting an attempt.
func (r *SQLiteRepo) Release(ctx context.Context, ids []string) (int, error) {
	released := 0
	for _, id := range ids {
		res, err := r.db.ExecContext(ctx, `
UPDATE queue_tasks SET status='pending', started_at=NULL
WHERE id=? AND status='processing'`, id)
		if err != nil {
			return released, err
		}
		n, _ := res.RowsAffected()
		released += int(n)
	}
	return released, nil
}

// RecoverStale returns tasks claimed before the cutoff to pending. Such
// claims belong to a processor that died before recording a result.
func (r *SQLiteRepo) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE queue_tasks
SET status='pending', started_at=NULL, message='recovered stale claim'
WHERE status='processing' AND started_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Retry resets a failed task to pending and bumps its retry count.
func (r *SQLiteRepo) Retry(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE queue_tasks
SET status='pending', retry_count=retry_count+1, message='', duration_ms=0, started_at=NULL, finished_at=NULL
WHERE id=? AND status='failed'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotFailed
}

func (r *SQLiteRepo) Get(ctx context.Context, id string) (domain.QueueTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueTask{}, ErrNotFound
	}
	return t, err
}

func (r *SQLiteRepo) CountByStatus(ctx context.Context, status domain.TaskStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_tasks WHERE status=?`, status).Scan(&n)
	return n, err
}

func (r *SQLiteRepo) ListFailed(ctx context.Context, limit int) ([]domain.QueueTask, error) {
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE status='failed' ORDER BY finished_at DESC LIMIT ?`, limit)
}

func (r *SQLiteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.QueueTask, error) {
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM queue_tasks ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

func (r *SQLiteRepo) listTasks(ctx context.Context, query string, args ...any) ([]domain.QueueTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.QueueTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
