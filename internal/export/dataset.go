package export

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"reportflow/internal/domain"
	"reportflow/internal/queue"
)

// Stat is one labelled number shown in a summary block or chart.
type Stat struct {
	Label string
	Value float64
}

// Dataset is the tabular content of a report.
type Dataset struct {
	Columns []string
	Rows    [][]string
	Summary []Stat
	Chart   []Stat
}

// Source produces the dataset of one named report.
type Source interface {
	Fetch(ctx context.Context, since time.Time) (Dataset, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, since time.Time) (Dataset, error)

func (f SourceFunc) Fetch(ctx context.Context, since time.Time) (Dataset, error) { return f(ctx, since) }

// Store is the read side of the repository the built-in sources report on.
type Store interface {
	ListExecutionLogs(ctx context.Context, f queue.LogFilter) ([]domain.ExecutionLog, error)
	ListEmailLogs(ctx context.Context, limit int) ([]domain.EmailLog, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.QueueTask, error)
	ListScheduledTasks(ctx context.Context) ([]domain.ScheduledTask, error)
}

const sourceRowLimit = 5000

// BuiltinSources returns the reports backed by the task store.
func BuiltinSources(st Store) map[string]Source {
	return map[string]Source{
		"execution_logs":  SourceFunc(func(ctx context.Context, since time.Time) (Dataset, error) { return executionLogs(ctx, st, since) }),
		"email_logs":      SourceFunc(func(ctx context.Context, since time.Time) (Dataset, error) { return emailLogs(ctx, st, since) }),
		"queue_tasks":     SourceFunc(func(ctx context.Context, since time.Time) (Dataset, error) { return queueTasks(ctx, st, since) }),
		"scheduled_tasks": SourceFunc(func(ctx context.Context, _ time.Time) (Dataset, error) { return scheduledTasks(ctx, st) }),
	}
}

func formatTime(t time.Time) string { return t.Format("2006-01-02 15:04:05") }

// ExecutionLogColumns is the column layout of execution log exports and downloads.
var ExecutionLogColumns = []string{"Task ID", "Type", "Status", "Message", "Execution Time", "Duration (ms)"}

// ExecutionLogRow renders one execution log in ExecutionLogColumns order.
func ExecutionLogRow(l domain.ExecutionLog) []string {
	return []string{l.TaskID, l.TaskType, string(l.Status), l.Message, formatTime(l.ExecutedAt), strconv.FormatInt(l.DurationMs, 10)}
}

func executionLogs(ctx context.Context, st Store, since time.Time) (Dataset, error) {
	logs, err := st.ListExecutionLogs(ctx, queue.LogFilter{Since: since, Limit: sourceRowLimit})
	if err != nil {
		return Dataset{}, fmt.Errorf("list execution logs: %w", err)
	}
	ds := Dataset{Columns: ExecutionLogColumns}
	var totalMs int64
	for _, l := range logs {
		ds.Rows = append(ds.Rows, ExecutionLogRow(l))
		totalMs += l.DurationMs
	}
	byStatus := countBy(ds.Rows, 2)
	ds.Summary = append([]Stat{{Label: "Executions", Value: float64(len(logs))}}, byStatus...)
	if len(logs) > 0 {
		ds.Summary = append(ds.Summary, Stat{Label: "Average duration (ms)", Value: float64(totalMs) / float64(len(logs))})
	}
	ds.Chart = countBy(ds.Rows, 1)
	return ds, nil
}

func emailLogs(ctx context.Context, st Store, since time.Time) (Dataset, error) {
	logs, err := st.ListEmailLogs(ctx, sourceRowLimit)
	if err != nil {
		return Dataset{}, fmt.Errorf("list email logs: %w", err)
	}
	ds := Dataset{Columns: []string{"Task", "Recipients", "Subject", "Sent At", "Status", "Error"}}
	for _, l := range logs {
		if !since.IsZero() && l.SentAt.Before(since) {
			continue
		}
		errMsg := ""
		if l.ErrorMessage != nil {
			errMsg = *l.ErrorMessage
		}
		ds.Rows = append(ds.Rows, []string{l.TaskName, strings.Join(l.Recipients, ", "), l.Subject, formatTime(l.SentAt), string(l.Status), errMsg})
	}
	ds.Summary = append([]Stat{{Label: "Emails", Value: float64(len(ds.Rows))}}, countBy(ds.Rows, 4)...)
	ds.Chart = countBy(ds.Rows, 4)
	return ds, nil
}

func queueTasks(ctx context.Context, st Store, since time.Time) (Dataset, error) {
	tasks, err := st.ListRecentTasks(ctx, sourceRowLimit)
	if err != nil {
		return Dataset{}, fmt.Errorf("list queue tasks: %w", err)
	}
	ds := Dataset{Columns: []string{"Task ID", "Type", "Priority", "Status", "Retries", "Created", "Duration (ms)", "Message"}}
	for _, t := range tasks {
		if !since.IsZero() && t.CreatedAt.Before(since) {
			continue
		}
		ds.Rows = append(ds.Rows, []string{
			t.ID, t.Type, strconv.Itoa(t.Priority), string(t.Status), strconv.Itoa(t.RetryCount),
			formatTime(t.CreatedAt), strconv.FormatInt(t.DurationMs, 10), t.Message,
		})
	}
	ds.Summary = append([]Stat{{Label: "Tasks", Value: float64(len(ds.Rows))}}, countBy(ds.Rows, 3)...)
	ds.Chart = countBy(ds.Rows, 1)
	return ds, nil
}

func scheduledTasks(ctx context.Context, st Store) (Dataset, error) {
	tasks, err := st.ListScheduledTasks(ctx)
	if err != nil {
		return Dataset{}, fmt.Errorf("list scheduled tasks: %w", err)
	}
	ds := Dataset{Columns: []string{"Name", "Frequency", "Day", "Time", "Format", "Enabled", "Next Run", "Last Status"}}
	for _, t := range tasks {
		last := ""
		if t.LastStatus != nil {
			last = string(*t.LastStatus)
		}
		ds.Rows = append(ds.Rows, []string{
			t.Name, string(t.Frequency), strconv.Itoa(t.Day), t.Time, string(t.Format),
			strconv.FormatBool(t.Enabled), formatTime(t.NextRun), last,
		})
	}
	ds.Summary = append([]Stat{{Label: "Scheduled tasks", Value: float64(len(ds.Rows))}}, countBy(ds.Rows, 1)...)
	ds.Chart = countBy(ds.Rows, 1)
	return ds, nil
}

// countBy counts rows per distinct value of column col, sorted by label.
func countBy(rows [][]string, col int) []Stat {
	counts := map[string]float64{}
	for _, r := range rows {
		if col < len(r) {
			counts[r[col]]++
		}
	}
	stats := make([]Stat, 0, len(counts))
	for k, v := range counts {
		stats = append(stats, Stat{Label: k, Value: v})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Label < stats[j].Label })
	return stats
}
