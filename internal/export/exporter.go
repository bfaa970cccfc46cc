package export

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"reportflow/internal/domain"
)

var ErrUnknownReport = errors.New("unknown report")

// Request describes one report to render.
type Request struct {
	Report  string
	Title   string
	Format  domain.Format
	Options domain.ReportOptions
	Since   time.Time
}

// Artifact is a rendered report file.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Exporter renders datasets from named sources into Excel or PDF files.
type Exporter struct {
	sources map[string]Source
	now     func() time.Time
}

func NewExporter(sources map[string]Source) *Exporter {
	return &Exporter{sources: sources, now: time.Now}
}

// Reports lists the names of the registered sources.
func (e *Exporter) Reports() []string {
	names := make([]string, 0, len(e.sources))
	for n := range e.sources {
		names = append(names, n)
	}
	return names
}

// HasReport reports whether name is a registered source.
func (e *Exporter) HasReport(name string) bool {
	_, ok := e.sources[name]
	return ok
}

// Export fetches the requested dataset and renders it. When no section is
// selected in the options the details table is rendered.
func (e *Exporter) Export(ctx context.Context, req Request) (Artifact, error) {
	src, ok := e.sources[req.Report]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %q", ErrUnknownReport, req.Report)
	}
	ds, err := src.Fetch(ctx, req.Since)
	if err != nil {
		return Artifact{}, err
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	opts := req.Options
	if !opts.IncludeSummary && !opts.IncludeDetails && !opts.IncludeCharts {
		opts.IncludeDetails = true
	}
	title := req.Title
	if title == "" {
		title = req.Report
	}
	now := e.now()
	base := slug(title) + "_" + now.Format("20060102_1504")

	switch req.Format {
	case domain.FormatExcel:
		data, err := renderXLSX(title, ds, opts)
		if err != nil {
			return Artifact{}, fmt.Errorf("render xlsx: %w", err)
		}
		return Artifact{Filename: base + ".xlsx", ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Data: data}, nil
	case domain.FormatPDF:
		data, err := renderPDF(title, now, ds, opts)
		if err != nil {
			return Artifact{}, fmt.Errorf("render pdf: %w", err)
		}
		return Artifact{Filename: base + ".pdf", ContentType: "application/pdf", Data: data}, nil
	default:
		return Artifact{}, fmt.Errorf("unsupported format %q", req.Format)
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	s = strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "_"), "_")
	if s == "" {
		return "report"
	}
	return s
}
