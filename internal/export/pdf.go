package export

import (
	"bytes"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"

	"reportflow/internal/domain"
)

const (
	pdfMargin     = 10.0
	pdfRowHeight  = 6.0
	pdfBarHeight  = 5.0
	pdfLabelWidth = 50.0
)

func renderPDF(title string, now time.Time, ds Dataset, opts domain.ReportOptions) ([]byte, error) {
	orientation := "P"
	if len(ds.Columns) > 6 {
		orientation = "L"
	}
	pdf := fpdf.New(orientation, "mm", "A4", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfMargin)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr(title), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 6, "Generated "+now.Format("2006-01-02 15:04"), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pageW, _ := pdf.GetPageSize()
	usable := pageW - 2*pdfMargin

	if opts.IncludeSummary {
		section(pdf, "Summary")
		pdf.SetFont("Helvetica", "", 10)
		for _, s := range ds.Summary {
			pdf.CellFormat(pdfLabelWidth+30, pdfRowHeight, tr(s.Label), "1", 0, "L", false, 0, "")
			pdf.CellFormat(40, pdfRowHeight, formatStat(s.Value), "1", 1, "R", false, 0, "")
		}
		pdf.Ln(4)
	}

	if opts.IncludeCharts && len(ds.Chart) > 0 {
		section(pdf, "Breakdown")
		maxV := 0.0
		for _, s := range ds.Chart {
			if s.Value > maxV {
				maxV = s.Value
			}
		}
		barSpace := usable - pdfLabelWidth - 20
		pdf.SetFont("Helvetica", "", 9)
		pdf.SetFillColor(70, 130, 180)
		for _, s := range ds.Chart {
			x, y := pdf.GetXY()
			pdf.CellFormat(pdfLabelWidth, pdfBarHeight, tr(s.Label), "", 0, "L", false, 0, "")
			w := 0.0
			if maxV > 0 {
				w = barSpace * s.Value / maxV
			}
			pdf.Rect(x+pdfLabelWidth, y+0.5, w, pdfBarHeight-1, "F")
			pdf.SetXY(x+pdfLabelWidth+w+2, y)
			pdf.CellFormat(18, pdfBarHeight, formatStat(s.Value), "", 1, "L", false, 0, "")
			pdf.SetX(pdfMargin)
		}
		pdf.Ln(4)
	}

	if opts.IncludeDetails && len(ds.Columns) > 0 {
		section(pdf, "Details")
		colW := usable / float64(len(ds.Columns))
		pdf.SetFont("Helvetica", "B", 8)
		pdf.SetFillColor(230, 230, 230)
		for _, c := range ds.Columns {
			pdf.CellFormat(colW, pdfRowHeight, tr(c), "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", 8)
		for _, r := range ds.Rows {
			for _, v := range r {
				pdf.CellFormat(colW, pdfRowHeight, tr(fit(pdf, v, colW-1)), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
		if len(ds.Rows) == 0 {
			pdf.CellFormat(usable, pdfRowHeight, "No records", "1", 1, "C", false, 0, "")
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func section(pdf *fpdf.Fpdf, name string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, name, "", 1, "L", false, 0, "")
}

// fit truncates s so that it renders within width at the current font.
func fit(pdf *fpdf.Fpdf, s string, width float64) string {
	if pdf.GetStringWidth(s) <= width {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && pdf.GetStringWidth(string(r)+"...") > width {
		r = r[:len(r)-1]
	}
	return string(r) + "..."
}

func formatStat(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
