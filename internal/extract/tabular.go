package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
)

const (
	rowsPerBatch   = 20
	summaryRows    = 3
	chunkKindRows  = "rows"
	chunkKindSumm  = "summary"
	defaultCSVComm = ','
)

var csvDelimiters = []rune{',', ';', '\t', '|'}

// table is one header plus its data rows, already stripped of empty rows.
type table struct {
	name    string
	sheet   string
	columns []string
	rows    [][]string
}

func extractCSV(ctx context.Context, path string) (*Content, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	logger := logutil.GetLogger(ctx).With(zap.String("file", path))
	delim := DetectDelimiter(data)
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var records [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				logger.Warn("skip malformed csv row", zap.Int("line", perr.Line), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("%w: read csv %s: %w", appErr.ErrExtraction, path, err)
		}
		records = append(records, rec)
	}
	tb := newTable(filepath.Base(path), "", records)
	out := &Content{Metadata: map[string]interface{}{"delimiter": string(delim)}}
	if tb != nil {
		out.Sections = tb.sections()
		out.Metadata["rowCount"] = len(tb.rows)
	}
	return out, nil
}

func extractXLSX(ctx context.Context, path string) (*Content, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open xlsx %s: %w", appErr.ErrExtraction, path, err)
	}
	defer f.Close()
	logger := logutil.GetLogger(ctx).With(zap.String("file", path))
	sheets := f.GetSheetList()
	out := &Content{Metadata: map[string]interface{}{"sheets": len(sheets)}}
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			logger.Warn("skip unreadable sheet", zap.String("sheet", sheet), zap.Error(err))
			continue
		}
		tb := newTable(filepath.Base(path), sheet, rows)
		if tb == nil {
			continue
		}
		out.Sections = append(out.Sections, tb.sections()...)
	}
	return out, nil
}

// DetectDelimiter picks the candidate that yields the most fields on the first
// line. Ties keep the earlier candidate, so ',' wins when nothing else splits.
func DetectDelimiter(data []byte) rune {
	line := data
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		line = data[:idx]
	}
	line = bytes.TrimRight(line, "\r")
	best, bestCount := defaultCSVComm, 1
	for _, d := range csvDelimiters {
		n := fieldCount(line, d)
		if n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func fieldCount(line []byte, delim rune) int {
	r := csv.NewReader(bytes.NewReader(line))
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	rec, err := r.Read()
	if err != nil {
		return strings.Count(string(line), string(delim)) + 1
	}
	return len(rec)
}

func newTable(name, sheet string, records [][]string) *table {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		if !emptyRow(rec) {
			rows = append(rows, trimRow(rec))
		}
	}
	if len(rows) == 0 {
		return nil
	}
	tb := &table{name: name, sheet: sheet}
	if looksLikeHeader(rows[0]) {
		tb.columns = rows[0]
		rows = rows[1:]
	}
	tb.rows = rows
	width := len(tb.columns)
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	for i := 0; i < width; i++ {
		if i >= len(tb.columns) {
			tb.columns = append(tb.columns, "")
		}
		if tb.columns[i] == "" {
			tb.columns[i] = "Column " + strconv.Itoa(i+1)
		}
	}
	return tb
}

func emptyRow(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimRow(rec []string) []string {
	out := make([]string, len(rec))
	for i, c := range rec {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

// looksLikeHeader treats the first row as a header unless one of its cells is numeric.
func looksLikeHeader(row []string) bool {
	for _, c := range row {
		if c == "" {
			continue
		}
		if _, err := strconv.ParseFloat(c, 64); err == nil {
			return false
		}
	}
	return true
}

func (t *table) label() string {
	if t.sheet != "" {
		return fmt.Sprintf("sheet %s of %s", t.sheet, t.name)
	}
	return t.name
}

func (t *table) renderRow(n int, row []string) string {
	parts := make([]string, 0, len(row))
	for i, v := range row {
		if v == "" {
			continue
		}
		parts = append(parts, t.columns[i]+": "+v)
	}
	return fmt.Sprintf("Row %d: %s", n, strings.Join(parts, ", "))
}

func (t *table) baseMeta(kind string) map[string]interface{} {
	meta := map[string]interface{}{
		"chunkKind": kind,
		"columns":   strings.Join(t.columns, ","),
	}
	if t.sheet != "" {
		meta["sheet"] = t.sheet
	}
	return meta
}

func (t *table) sections() []Section {
	out := make([]Section, 0, len(t.rows)/rowsPerBatch+2)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Table: %s\n", t.label())
	fmt.Fprintf(&sb, "Total rows: %d\n", len(t.rows))
	fmt.Fprintf(&sb, "Columns: %s", strings.Join(t.columns, ", "))
	if len(t.rows) > 0 {
		sb.WriteString("\n\nSample rows:")
		for i := 0; i < len(t.rows) && i < summaryRows; i++ {
			sb.WriteString("\n" + t.renderRow(i+1, t.rows[i]))
		}
	}
	summary := t.baseMeta(chunkKindSumm)
	summary["rowCount"] = len(t.rows)
	out = append(out, Section{Text: sb.String(), Metadata: summary})

	for start := 0; start < len(t.rows); start += rowsPerBatch {
		end := start + rowsPerBatch
		if end > len(t.rows) {
			end = len(t.rows)
		}
		lines := make([]string, 0, end-start+1)
		lines = append(lines, fmt.Sprintf("Rows %d-%d of %s", start+1, end, t.label()))
		for i := start; i < end; i++ {
			lines = append(lines, t.renderRow(i+1, t.rows[i]))
		}
		meta := t.baseMeta(chunkKindRows)
		meta["rowStart"] = start + 1
		meta["rowEnd"] = end
		out = append(out, Section{Text: strings.Join(lines, "\n"), Metadata: meta})
	}
	return out
}
