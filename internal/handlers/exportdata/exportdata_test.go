package exportdata

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportflow/internal/domain"
	"reportflow/internal/export"
	"reportflow/internal/mail"
	"reportflow/internal/queue"
)

type captureMailer struct {
	err  error
	sent []mail.Message
}

func (c *captureMailer) Send(_ context.Context, m mail.Message) error {
	c.sent = append(c.sent, m)
	return c.err
}

var fixedNow = time.Date(2024, 3, 6, 9, 30, 0, 0, time.UTC)

func newHandler(t *testing.T) (*Handler, *captureMailer, *queue.SQLiteRepo, *time.Time) {
	t.Helper()
	db, err := queue.Open(filepath.Join(t.TempDir(), "export.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	store := queue.NewSQLiteRepo(db)

	var since time.Time
	exp := export.NewExporter(map[string]export.Source{
		"headcount": export.SourceFunc(func(_ context.Context, s time.Time) (export.Dataset, error) {
			since = s
			return export.Dataset{
				Columns: []string{"Department", "Employees"},
				Rows:    [][]string{{"Engineering", "42"}, {"People", "7"}},
			}, nil
		}),
	})
	tpl, err := mail.NewTemplates("", "")
	require.NoError(t, err)

	m := &captureMailer{}
	h := &Handler{
		Exporter:  exp,
		Dir:       filepath.Join(t.TempDir(), "artifacts"),
		Mailer:    m,
		Templates: tpl,
		Emails:    store,
		now:       func() time.Time { return fixedNow },
	}
	return h, m, store, &since
}

func TestHandleWritesArtifact(t *testing.T) {
	h, m, _, since := newHandler(t)

	res, err := h.Handle(context.Background(), json.RawMessage(`{"report":"headcount","format":"pdf","title":"Headcount","sinceHours":24}`))
	require.NoError(t, err)
	assert.Empty(t, m.sent)
	assert.Equal(t, fixedNow.Add(-24*time.Hour), *since)

	path := res.Metadata["path"].(string)
	assert.Equal(t, h.Dir, filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, ".pdf"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF"))
}

func TestHandleEmailsArtifact(t *testing.T) {
	h, m, store, _ := newHandler(t)
	ctx := context.Background()

	res, err := h.Handle(ctx, json.RawMessage(`{"report":"headcount","format":"excel","recipients":["hr@example.com","ops@example.com"]}`))
	require.NoError(t, err)
	assert.Contains(t, res.Message, "emailed to 2 recipient(s)")

	require.Len(t, m.sent, 1)
	assert.Equal(t, []string{"hr@example.com", "ops@example.com"}, m.sent[0].To)
	require.Len(t, m.sent[0].Attachments, 1)
	assert.True(t, strings.HasSuffix(m.sent[0].Attachments[0].Filename, ".xlsx"))

	logs, err := store.ListEmailLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.LogSuccess, logs[0].Status)
	assert.Nil(t, logs[0].TaskID)
}

func TestHandleEmailFailure(t *testing.T) {
	h, m, store, _ := newHandler(t)
	ctx := context.Background()
	m.err = errors.New("535 authentication failed")

	_, err := h.Handle(ctx, json.RawMessage(`{"report":"headcount","format":"excel","recipients":["hr@example.com"]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "535 authentication failed")

	logs, err := store.ListEmailLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.LogFailed, logs[0].Status)
	require.NotNil(t, logs[0].ErrorMessage)
}

func TestValidatePayload(t *testing.T) {
	h, _, _, _ := newHandler(t)
	for name, tc := range map[string]struct {
		payload string
		ok      bool
	}{
		"valid":           {`{"report":"headcount","format":"excel"}`, true},
		"unknown report":  {`{"report":"salaries","format":"excel"}`, false},
		"bad format":      {`{"report":"headcount","format":"docx"}`, false},
		"missing report":  {`{"format":"pdf"}`, false},
		"bad recipient":   {`{"report":"headcount","format":"pdf","recipients":["not-an-email"]}`, false},
		"negative window": {`{"report":"headcount","format":"pdf","sinceHours":-1}`, false},
		"unknown field":   {`{"report":"headcount","format":"pdf","zip":true}`, false},
	} {
		t.Run(name, func(t *testing.T) {
			err := h.ValidatePayload(json.RawMessage(tc.payload))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// brokenLogStore records email logs but cannot finish them.
type brokenLogStore struct {
	*queue.SQLiteRepo
}

func (brokenLogStore) FinishEmailLog(context.Context, int64, domain.LogStatus, *string) error {
	return errors.New("database is locked")
}

func TestHandleEmailSentDespiteLogFailure(t *testing.T) {
	h, m, store, _ := newHandler(t)
	h.Emails = brokenLogStore{store}

	res, err := h.Handle(context.Background(), json.RawMessage(`{"report":"headcount","format":"excel","recipients":["hr@example.com"]}`))
	require.NoError(t, err)
	assert.Contains(t, res.Message, "emailed to 1 recipient(s)")
	assert.Len(t, m.sent, 1)
}
