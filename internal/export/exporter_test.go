package export

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"reportflow/internal/domain"
)

func fixedSource() Source {
	return SourceFunc(func(ctx context.Context, since time.Time) (Dataset, error) {
		rows := [][]string{
			{"tsk_1", "export_data", "success", "ok", "2024-03-06 09:00:00", "12"},
			{"tsk_2", "webhook", "failed", `said "no"`, "2024-03-06 09:01:00", "40"},
		}
		return Dataset{
			Columns: ExecutionLogColumns,
			Rows:    rows,
			Summary: []Stat{{Label: "Executions", Value: 2}},
			Chart:   countBy(rows, 1),
		}, nil
	})
}

func newTestExporter() *Exporter {
	e := NewExporter(map[string]Source{"execution_logs": fixedSource()})
	e.now = func() time.Time { return time.Date(2024, 3, 6, 9, 30, 0, 0, time.UTC) }
	return e
}

func TestExportExcelSections(t *testing.T) {
	e := newTestExporter()
	art, err := e.Export(context.Background(), Request{
		Report:  "execution_logs",
		Title:   "Weekly Ops Report",
		Format:  domain.FormatExcel,
		Options: domain.ReportOptions{IncludeSummary: true, IncludeDetails: true, IncludeCharts: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "weekly_ops_report_20240306_0930.xlsx", art.Filename)

	f, err := excelize.OpenReader(bytes.NewReader(art.Data))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{sheetSummary, sheetDetails, sheetCharts}, f.GetSheetList())

	v, err := f.GetCellValue(sheetDetails, "A2")
	require.NoError(t, err)
	assert.Equal(t, "tsk_1", v)
	v, err = f.GetCellValue(sheetDetails, "D3")
	require.NoError(t, err)
	assert.Equal(t, `said "no"`, v)
}

func TestExportDefaultsToDetails(t *testing.T) {
	e := newTestExporter()
	art, err := e.Export(context.Background(), Request{Report: "execution_logs", Format: domain.FormatExcel})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(art.Data))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{sheetDetails}, f.GetSheetList())
}

func TestExportPDF(t *testing.T) {
	e := newTestExporter()
	art, err := e.Export(context.Background(), Request{
		Report:  "execution_logs",
		Format:  domain.FormatPDF,
		Options: domain.ReportOptions{IncludeSummary: true, IncludeDetails: true, IncludeCharts: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", art.ContentType)
	assert.True(t, strings.HasSuffix(art.Filename, ".pdf"))
	assert.True(t, bytes.HasPrefix(art.Data, []byte("%PDF")))
}

func TestExportErrors(t *testing.T) {
	e := newTestExporter()
	_, err := e.Export(context.Background(), Request{Report: "salaries", Format: domain.FormatPDF})
	require.ErrorIs(t, err, ErrUnknownReport)

	_, err = e.Export(context.Background(), Request{Report: "execution_logs", Format: "docx"})
	require.Error(t, err)

	boom := errors.New("db down")
	e.sources["broken"] = SourceFunc(func(context.Context, time.Time) (Dataset, error) { return Dataset{}, boom })
	_, err = e.Export(context.Background(), Request{Report: "broken", Format: domain.FormatPDF})
	require.ErrorIs(t, err, boom)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []string{"Task ID", "Message"}, [][]string{
		{"tsk_1", `he said "hi"`},
		{"tsk_2", "a,b"},
	})
	require.NoError(t, err)

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "\xEF\xBB\xBF"))
	lines := strings.Split(strings.TrimSuffix(strings.TrimPrefix(out, "\xEF\xBB\xBF"), "\r\n"), "\r\n")
	assert.Equal(t, []string{
		`"Task ID","Message"`,
		`"tsk_1","he said ""hi"""`,
		`"tsk_2","a,b"`,
	}, lines)
}

func TestCountBySortsLabels(t *testing.T) {
	stats := countBy([][]string{{"b"}, {"a"}, {"b"}, {}}, 0)
	assert.Equal(t, []Stat{{Label: "a", Value: 1}, {Label: "b", Value: 2}}, stats)
}
