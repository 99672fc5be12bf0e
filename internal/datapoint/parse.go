package datapoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the textual timestamp layout accepted after serial dates fail.
const DateLayout = "2006-01-02T15:04"

// DateSecondsLayout is DateLayout with seconds. A trailing fraction is accepted.
const DateSecondsLayout = "2006-01-02T15:04:05"

// serialEpoch is day zero for spreadsheet serial day counts.
var serialEpoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// Serial dates must land within years 1 to 9999.
const (
	minSerialDays = -693596
	maxSerialDays = 2958466
)

// maxLineBytes bounds a single CSV line.
const maxLineBytes = 1 << 20

// SchemaMismatchError reports a header row lacking a required column.
type SchemaMismatchError struct {
	Column string
	Header []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("header has no column matching %q (header=%v)", e.Column, e.Header)
}

// Column is one logical input column resolved against a header row.
type Column struct {
	Token string
	Match func(cell, token string) bool
}

func containsToken(cell, token string) bool {
	return strings.Contains(cell, token)
}

// Logical column tokens.
const (
	ColTsDate = "ts_datetime"
	ColHhDate = "hh_datetime"
	ColTsFrc  = "ts_frc"
	ColHhFrc  = "hh_frc"
	ColTsTemp = "ts_wattemp"
	ColTsCond = "ts_cond"
)

// Columns lists the logical columns in resolution order. The first header cell
// containing a column's token is the one used.
var Columns = []Column{
	{Token: ColTsDate, Match: containsToken},
	{Token: ColHhDate, Match: containsToken},
	{Token: ColTsFrc, Match: containsToken},
	{Token: ColHhFrc, Match: containsToken},
	{Token: ColTsTemp, Match: containsToken},
	{Token: ColTsCond, Match: containsToken},
}

// ColumnIndex maps a logical column token to its positional index in a row.
type ColumnIndex map[string]int

// ResolveColumns locates every logical column in header.
func ResolveColumns(header []string) (ColumnIndex, error) {
	idx := make(ColumnIndex, len(Columns))
	for _, col := range Columns {
		found := -1
		for i, cell := range header {
			if col.Match(cell, col.Token) {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, &SchemaMismatchError{Column: col.Token, Header: header}
		}
		idx[col.Token] = found
	}
	return idx, nil
}

// field returns the trimmed cell for token, or "" when the row is too short.
func (ci ColumnIndex) field(row []string, token string) string {
	i := ci[token]
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ParseRow converts one data row into a Datapoint. Unparsable fields become nil.
func (ci ColumnIndex) ParseRow(row []string) Datapoint {
	return Datapoint{
		TsDate: ParseDate(ci.field(row, ColTsDate)),
		HhDate: ParseDate(ci.field(row, ColHhDate)),
		TsFrc:  parseFloat(ci.field(row, ColTsFrc)),
		HhFrc:  parseFloat(ci.field(row, ColHhFrc)),
		TsCond: parseInt(ci.field(row, ColTsCond)),
		TsTemp: parseRoundedInt(ci.field(row, ColTsTemp)),
	}
}

// ParseDate reads a serial day count since 1900-01-01, then DateLayout, then
// DateSecondsLayout. It returns nil when no form applies.
func ParseDate(raw string) *time.Time {
	if t, ok := parseSerialDate(raw); ok {
		return &t
	}
	for _, layout := range []string{DateLayout, DateSecondsLayout} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

// parseSerialDate adds whole days by calendar and the fraction as a duration,
// so large counts never overflow time.Duration.
func parseSerialDate(raw string) (time.Time, bool) {
	days, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(days) || math.IsInf(days, 0) {
		return time.Time{}, false
	}
	whole := math.Floor(days)
	if whole < minSerialDays || whole > maxSerialDays {
		return time.Time{}, false
	}
	micros := math.RoundToEven((days - whole) * 86400 * 1e6)
	t := serialEpoch.AddDate(0, 0, int(whole)).Add(time.Duration(micros) * time.Microsecond)
	if t.Year() < 1 || t.Year() > 9999 {
		return time.Time{}, false
	}
	return t, true
}

func parseFloat(raw string) *float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseInt(raw string) *int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

func parseRoundedInt(raw string) *int {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	v := int(math.RoundToEven(f))
	return &v
}

// ParseRows resolves header and converts every non-empty row, in order.
func ParseRows(header []string, rows [][]string) ([]Datapoint, error) {
	idx, err := ResolveColumns(header)
	if err != nil {
		return nil, err
	}
	out := make([]Datapoint, 0, len(rows))
	for _, row := range rows {
		if isEmptyRow(row) {
			continue
		}
		out = append(out, idx.ParseRow(row))
	}
	return out, nil
}

// isEmptyRow reports a blank line. Rows of empty delimited cells are kept.
func isEmptyRow(row []string) bool {
	return len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "")
}

// ErrEmptyFile is returned when an input has no header row.
var ErrEmptyFile = errors.New("file has no header row")

// ParseCSV parses comma-delimited text whose first line is the header row.
// Cells are split on every comma; quotes carry no meaning. Blank lines are
// skipped, so each remaining line yields exactly one Datapoint.
func ParseCSV(r io.Reader) ([]Datapoint, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var idx ColumnIndex
	var out []Datapoint
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if idx == nil {
			header := splitLine(strings.TrimPrefix(line, "\ufeff"))
			var err error
			if idx, err = ResolveColumns(header); err != nil {
				return nil, err
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, idx.ParseRow(splitLine(line)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if idx == nil {
		return nil, ErrEmptyFile
	}
	return out, nil
}

func splitLine(line string) []string {
	return strings.Split(line, ",")
}

// ParseFile picks a reader by file extension: .xlsx workbooks or CSV text.
func ParseFile(name string, r io.Reader) ([]Datapoint, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return ParseXLSX(r)
	default:
		return ParseCSV(r)
	}
}
