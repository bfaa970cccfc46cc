package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"reportflow/internal/domain"
)

const (
	sheetSummary = "Summary"
	sheetDetails = "Details"
	sheetCharts  = "Charts"
)

func renderXLSX(title string, ds Dataset, opts domain.ReportOptions) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	var sheets []string
	if opts.IncludeSummary {
		sheets = append(sheets, sheetSummary)
	}
	if opts.IncludeDetails {
		sheets = append(sheets, sheetDetails)
	}
	if opts.IncludeCharts {
		sheets = append(sheets, sheetCharts)
	}

	// The default workbook sheet becomes the first section.
	if err := f.SetSheetName("Sheet1", sheets[0]); err != nil {
		return nil, err
	}
	for _, s := range sheets[1:] {
		if _, err := f.NewSheet(s); err != nil {
			return nil, err
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	for _, s := range sheets {
		switch s {
		case sheetSummary:
			err = writeStats(f, s, bold, []any{title, ""}, ds.Summary)
		case sheetDetails:
			err = writeDetails(f, s, bold, ds)
		case sheetCharts:
			err = writeChart(f, s, bold, title, ds.Chart)
		}
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", s, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func writeStats(f *excelize.File, sheet string, header int, head []any, stats []Stat) error {
	if err := writeRow(f, sheet, 1, head); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheet, 1, 1, header); err != nil {
		return err
	}
	for i, s := range stats {
		if err := writeRow(f, sheet, i+2, []any{s.Label, s.Value}); err != nil {
			return err
		}
	}
	return f.SetColWidth(sheet, "A", "A", 28)
}

func writeDetails(f *excelize.File, sheet string, header int, ds Dataset) error {
	head := make([]any, len(ds.Columns))
	for i, c := range ds.Columns {
		head[i] = c
	}
	if err := writeRow(f, sheet, 1, head); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheet, 1, 1, header); err != nil {
		return err
	}
	for i, r := range ds.Rows {
		vals := make([]any, len(r))
		for j, v := range r {
			vals[j] = v
		}
		if err := writeRow(f, sheet, i+2, vals); err != nil {
			return err
		}
	}
	return nil
}

func writeChart(f *excelize.File, sheet string, header int, title string, stats []Stat) error {
	if err := writeStats(f, sheet, header, []any{"Category", "Count"}, stats); err != nil {
		return err
	}
	if len(stats) == 0 {
		return nil
	}
	last := len(stats) + 1
	return f.AddChart(sheet, "D2", &excelize.Chart{
		Type: excelize.Col,
		Series: []excelize.ChartSeries{{
			Name:       fmt.Sprintf("%s!$B$1", sheet),
			Categories: fmt.Sprintf("%s!$A$2:$A$%d", sheet, last),
			Values:     fmt.Sprintf("%s!$B$2:$B$%d", sheet, last),
		}},
		Title: []excelize.RichTextRun{{Text: title}},
	})
}
