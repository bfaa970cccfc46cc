package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportflow/internal/domain"
)

func newTestRepo(t *testing.T) *SQLiteRepo {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewSQLiteRepo(db)
}

// steppingClock returns strictly increasing times so created_at ties are rare
// unless a test wants them.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := cur
		cur = cur.Add(step)
		return t
	}
}

func enqueue(t *testing.T, r *SQLiteRepo, typ string, priority int) string {
	t.Helper()
	id, err := r.Enqueue(context.Background(), domain.QueueTask{Type: typ, Payload: json.RawMessage(`{}`), Priority: priority})
	require.NoError(t, err)
	return id
}

func TestClaimBatchOrdersByPriorityThenAge(t *testing.T) {
	r := newTestRepo(t)
	r.now = steppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)

	low := enqueue(t, r, "a", 1)
	highOld := enqueue(t, r, "a", 9)
	mid := enqueue(t, r, "a", 5)
	highNew := enqueue(t, r, "a", 9)

	tasks, err := r.ClaimBatch(context.Background(), 3, time.Now())
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{highOld, highNew, mid}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
	for _, tk := range tasks {
		assert.Equal(t, domain.TaskProcessing, tk.Status)
		assert.NotNil(t, tk.StartedAt)
	}

	left, err := r.CountByStatus(context.Background(), domain.TaskPending)
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	got, err := r.Get(context.Background(), low)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
}

func TestClaimBatchTieBreaksOnInsertOrder(t *testing.T) {
	r := newTestRepo(t)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueue(t, r, "a", 5))
	}
	tasks, err := r.ClaimBatch(context.Background(), 10, fixed)
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	for i, tk := range tasks {
		assert.Equal(t, ids[i], tk.ID)
	}
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	r := newTestRepo(t)
	const total = 40
	for i := 0; i < total; i++ {
		enqueue(t, r, "a", i%3)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tasks, err := r.ClaimBatch(context.Background(), 7, time.Now())
				if err != nil {
					t.Error(err)
					return
				}
				if len(tasks) == 0 {
					return
				}
				mu.Lock()
				for _, tk := range tasks {
					seen[tk.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestFinishRequiresClaim(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	id := enqueue(t, r, "a", 0)

	err := r.Succeed(ctx, id, "done", time.Millisecond)
	require.ErrorIs(t, err, ErrNotClaimed)

	_, err = r.ClaimBatch(ctx, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, r.Fail(ctx, id, "boom", 12*time.Millisecond))

	// Terminal states are final.
	require.ErrorIs(t, r.Succeed(ctx, id, "late", time.Millisecond), ErrNotClaimed)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "boom", got.Message)
	assert.EqualValues(t, 12, got.DurationMs)
	assert.Zero(t, got.Priority)
}

func TestRetry(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	id := enqueue(t, r, "a", 0)

	require.ErrorIs(t, r.Retry(ctx, id), ErrNotFailed)
	require.ErrorIs(t, r.Retry(ctx, "tsk_missing"), ErrNotFound)

	_, err := r.ClaimBatch(ctx, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, r.Fail(ctx, id, "boom", 0))

	failed, err := r.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, r.Retry(ctx, id))
	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.Message)
	assert.Nil(t, got.FinishedAt)
}

func TestRecoverStale(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	id := enqueue(t, r, "a", 0)
	claimedAt := time.Now().Add(-time.Hour)
	_, err := r.ClaimBatch(ctx, 1, claimedAt)
	require.NoError(t, err)

	n, err := r.RecoverStale(ctx, claimedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.RecoverStale(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
}

func TestMarkStartedRestartsStaleClock(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	first := enqueue(t, r, "a", 0)
	second := enqueue(t, r, "b", 0)
	claimedAt := time.Now().Add(-time.Hour)
	_, err := r.ClaimBatch(ctx, 2, claimedAt)
	require.NoError(t, err)

	// The second task only started now, behind a slow first one.
	require.NoError(t, r.MarkStarted(ctx, second, time.Now()))

	n, err := r.RecoverStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := r.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	got, err = r.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskProcessing, got.Status)

	require.ErrorIs(t, r.MarkStarted(ctx, first, time.Now()), ErrNotClaimed)
}

func TestReleaseReturnsClaimsToPending(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	claimed := enqueue(t, r, "a", 0)
	idle := enqueue(t, r, "b", 0)
	_, err := r.ClaimBatch(ctx, 1, time.Now())
	require.NoError(t, err)

	n, err := r.Release(ctx, []string{claimed, idle})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := r.Get(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.StartedAt)
}

func TestEnqueueKeepsExplicitPriority(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	zero := enqueue(t, r, "a", 0)
	low := enqueue(t, r, "b", -1)

	got, err := r.Get(ctx, zero)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Priority)
	got, err = r.Get(ctx, low)
	require.NoError(t, err)
	assert.Equal(t, -1, got.Priority)
}

func newSchedule(next time.Time) domain.ScheduledTask {
	return domain.ScheduledTask{
		Name:       "weekly attendance",
		Frequency:  domain.Weekly,
		Day:        1,
		Time:       "09:00",
		Recipients: []string{"hr@example.com"},
		Format:     domain.FormatPDF,
		Options:    domain.ReportOptions{IncludeSummary: true},
		NextRun:    next,
		Enabled:    true,
	}
}

func TestScheduledTaskCRUD(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	next := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	id, err := r.CreateScheduledTask(ctx, newSchedule(next))
	require.NoError(t, err)

	got, err := r.GetScheduledTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "weekly attendance", got.Name)
	assert.Equal(t, []string{"hr@example.com"}, got.Recipients)
	assert.True(t, got.Options.IncludeSummary)
	assert.Equal(t, DefaultReport, got.Report)
	assert.True(t, got.NextRun.Equal(next))
	assert.Nil(t, got.LastRun)
	assert.Nil(t, got.LastStatus)

	got.Name = "renamed"
	got.Enabled = false
	require.NoError(t, r.UpdateScheduledTask(ctx, got))

	all, err := r.ListScheduledTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "renamed", all[0].Name)
	assert.False(t, all[0].Enabled)

	require.NoError(t, r.DeleteScheduledTask(ctx, id))
	_, err = r.GetScheduledTask(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, r.DeleteScheduledTask(ctx, id), ErrNotFound)
}

func TestGetPendingTasksSkipsDisabledAndFuture(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	due, err := r.CreateScheduledTask(ctx, newSchedule(now))
	require.NoError(t, err)
	_, err = r.CreateScheduledTask(ctx, newSchedule(now.Add(time.Minute)))
	require.NoError(t, err)
	disabled := newSchedule(now.Add(-time.Hour))
	disabled.Enabled = false
	_, err = r.CreateScheduledTask(ctx, disabled)
	require.NoError(t, err)

	pending, err := r.GetPendingTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, due, pending[0].ID)
}

func TestClaimScheduledTaskIsCompareAndSwap(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	id, err := r.CreateScheduledTask(ctx, newSchedule(now))
	require.NoError(t, err)

	next := now.AddDate(0, 0, 7)
	won, err := r.ClaimScheduledTask(ctx, id, now, next)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = r.ClaimScheduledTask(ctx, id, now, next)
	require.NoError(t, err)
	assert.False(t, won)

	msg := "smtp down"
	require.NoError(t, r.UpdateTaskExecutionStatus(ctx, id, now, next, false, &msg))
	got, err := r.GetScheduledTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.LastStatus)
	assert.Equal(t, domain.RunFailure, *got.LastStatus)
	require.NotNil(t, got.LastError)
	assert.Equal(t, msg, *got.LastError)
	assert.True(t, got.NextRun.Equal(next))
	require.NotNil(t, got.LastRun)
	assert.True(t, got.LastRun.Equal(now))

	// A manual run completing later must not roll next_run back.
	manual := now.Add(time.Minute)
	require.NoError(t, r.UpdateTaskLastRun(ctx, id, manual, true, nil))
	got, err = r.GetScheduledTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.NextRun.Equal(next))
	assert.True(t, got.LastRun.Equal(manual))
	assert.Equal(t, domain.RunSuccess, *got.LastStatus)
	assert.Nil(t, got.LastError)

	require.ErrorIs(t, r.UpdateTaskLastRun(ctx, "sch_missing", manual, true, nil), ErrNotFound)
}

func TestExecutionLogsFilter(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	for i, st := range []domain.LogStatus{domain.LogSuccess, domain.LogFailed, domain.LogSuccess} {
		_, err := r.AppendExecutionLog(ctx, domain.ExecutionLog{
			TaskID: "tsk_" + string(rune('a'+i)), TaskType: "export_data", Source: domain.SourceQueue,
			Status: st, Message: "m", ExecutedAt: base.Add(time.Duration(i) * time.Minute), DurationMs: int64(i),
		})
		require.NoError(t, err)
	}

	all, err := r.ListExecutionLogs(ctx, LogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "tsk_c", all[0].TaskID)

	failed, err := r.ListExecutionLogs(ctx, LogFilter{Status: domain.LogFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "tsk_b", failed[0].TaskID)

	recent, err := r.ListExecutionLogs(ctx, LogFilter{Since: base.Add(time.Minute), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "tsk_c", recent[0].TaskID)
}

func TestEmailLogTransitionsOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	taskID := "sch_1"

	id, err := r.CreateEmailLog(ctx, domain.EmailLog{TaskID: &taskID, TaskName: "payroll", Recipients: []string{"a@example.com"}, Subject: "Payroll"})
	require.NoError(t, err)

	logs, err := r.ListEmailLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.LogPending, logs[0].Status)

	require.Error(t, r.FinishEmailLog(ctx, id, domain.LogPending, nil))
	require.NoError(t, r.FinishEmailLog(ctx, id, domain.LogSuccess, nil))
	require.ErrorIs(t, r.FinishEmailLog(ctx, id, domain.LogFailed, nil), ErrNotFound)

	logs, err = r.ListEmailLogs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.LogSuccess, logs[0].Status)
	require.NotNil(t, logs[0].TaskID)
	assert.Equal(t, taskID, *logs[0].TaskID)
}
