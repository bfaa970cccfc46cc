package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"reportflow/internal/domain"
)

func (r *SQLiteRepo) AppendExecutionLog(ctx context.Context, l domain.ExecutionLog) (int64, error) {
	if l.ExecutedAt.IsZero() {
		l.ExecutedAt = r.now()
	}
	var meta sql.NullString
	if len(l.Metadata) > 0 {
		meta = sql.NullString{String: string(l.Metadata), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO execution_logs (task_id,task_type,source,status,message,executed_at,duration_ms,metadata)
VALUES (?,?,?,?,?,?,?,?)`, l.TaskID, l.TaskType, l.Source, l.Status, l.Message, toMillis(l.ExecutedAt), l.DurationMs, meta)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LogFilter narrows ListExecutionLogs. Zero values mean no restriction.
type LogFilter struct {
	Status domain.LogStatus
	Source domain.LogSource
	Since  time.Time
	Limit  int
}

func (r *SQLiteRepo) ListExecutionLogs(ctx context.Context, f LogFilter) ([]domain.ExecutionLog, error) {
	query := `SELECT id,task_id,task_type,source,status,message,executed_at,duration_ms,metadata FROM execution_logs WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Source != "" {
		query += ` AND source=?`
		args = append(args, f.Source)
	}
	if !f.Since.IsZero() {
		query += ` AND executed_at >= ?`
		args = append(args, toMillis(f.Since))
	}
	query += ` ORDER BY executed_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []domain.ExecutionLog{}
	for rows.Next() {
		var l domain.ExecutionLog
		var executed int64
		var meta sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &l.TaskType, &l.Source, &l.Status, &l.Message, &executed, &l.DurationMs, &meta); err != nil {
			return nil, err
		}
		l.ExecutedAt = fromMillis(executed)
		if meta.Valid {
			l.Metadata = json.RawMessage(meta.String)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CreateEmailLog appends a pending email log row and returns its id.
func (r *SQLiteRepo) CreateEmailLog(ctx context.Context, l domain.EmailLog) (int64, error) {
	if l.SentAt.IsZero() {
		l.SentAt = r.now()
	}
	if l.Recipients == nil {
		l.Recipients = []string{}
	}
	recipients, err := json.Marshal(l.Recipients)
	if err != nil {
		return 0, err
	}
	var meta sql.NullString
	if len(l.Metadata) > 0 {
		meta = sql.NullString{String: string(l.Metadata), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO email_logs (task_id,task_name,recipients,subject,sent_at,status,error_message,metadata)
VALUES (?,?,?,?,?,'pending',NULL,?)`, nullString(l.TaskID), l.TaskName, string(recipients), l.Subject, toMillis(l.SentAt), meta)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishEmailLog moves a pending email log row to a terminal status. Rows
// that already left pending are never touched again.
func (r *SQLiteRepo) FinishEmailLog(ctx context.Context, id int64, status domain.LogStatus, errMsg *string) error {
	if status == domain.LogPending {
		return fmt.Errorf("finish email log %d: status must be terminal", id)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE email_logs SET status=?, error_message=?, sent_at=? WHERE id=? AND status='pending'`,
		status, nullString(errMsg), toMillis(r.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish email log %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepo) ListEmailLogs(ctx context.Context, limit int) ([]domain.EmailLog, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,task_name,recipients,subject,sent_at,status,error_message,metadata
FROM email_logs ORDER BY sent_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []domain.EmailLog{}
	for rows.Next() {
		var l domain.EmailLog
		var taskID, errMsg, meta sql.NullString
		var recipients string
		var sent int64
		if err := rows.Scan(&l.ID, &taskID, &l.TaskName, &recipients, &l.Subject, &sent, &l.Status, &errMsg, &meta); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recipients), &l.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients of email log %d: %w", l.ID, err)
		}
		l.TaskID = stringPtr(taskID)
		l.ErrorMessage = stringPtr(errMsg)
		l.SentAt = fromMillis(sent)
		if meta.Valid {
			l.Metadata = json.RawMessage(meta.String)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
