package datapoint

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Header lists the output column names in serialization order. They are the
// parser's column tokens so serialized output can be parsed again.
var Header = []string{ColTsDate, ColTsFrc, ColTsCond, ColTsTemp, ColHhDate, ColHhFrc}

// TagColumn is an extra output column appended after the measurement fields.
type TagColumn struct {
	Name  string
	Value func(Record) string
}

// Tag columns for the persisted upload attributes.
var (
	TagUpload = TagColumn{Name: "upload", Value: func(r Record) string {
		return hexOrEmpty(r.Upload.IsZero(), r.Upload.Hex())
	}}
	TagFieldsite = TagColumn{Name: "fieldsite", Value: func(r Record) string {
		return hexOrEmpty(r.Fieldsite.IsZero(), r.Fieldsite.Hex())
	}}
	TagDateUploaded = TagColumn{Name: "date_uploaded", Value: func(r Record) string {
		if r.DateUploaded.IsZero() {
			return ""
		}
		return r.DateUploaded.UTC().Format(time.RFC3339)
	}}
	TagOverwriting = TagColumn{Name: "overwriting", Value: func(r Record) string {
		return strconv.FormatBool(r.Overwriting)
	}}
)

func hexOrEmpty(zero bool, hex string) string {
	if zero {
		return ""
	}
	return hex
}

// Fields renders dp in Header order. Nil values are empty tokens.
func (dp Datapoint) Fields() []string {
	return []string{
		formatDate(dp.TsDate),
		formatFloat(dp.TsFrc),
		formatInt(dp.TsCond),
		formatInt(dp.TsTemp),
		formatDate(dp.HhDate),
		formatFloat(dp.HhFrc),
	}
}

// formatDate keeps minute precision unless t carries seconds.
func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	u := t.UTC()
	if u.Second() == 0 && u.Nanosecond() == 0 {
		return u.Format(DateLayout)
	}
	return u.Format(DateSecondsLayout + ".999999")
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// Serializer renders records as CSV lines with optional tag columns.
type Serializer struct {
	Tags []TagColumn
}

// Header returns the column names including tags.
func (s Serializer) Header() []string {
	out := append([]string(nil), Header...)
	for _, tag := range s.Tags {
		out = append(out, tag.Name)
	}
	return out
}

// Line renders one record.
func (s Serializer) Line(r Record) []string {
	out := r.Fields()
	for _, tag := range s.Tags {
		out = append(out, tag.Value(r))
	}
	return out
}

// Write writes one line per record in input order, preceded by the header
// when withHeader is set.
func (s Serializer) Write(w io.Writer, records []Record, withHeader bool) error {
	cw := csv.NewWriter(w)
	if withHeader {
		if err := cw.Write(s.Header()); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	for _, r := range records {
		if err := cw.Write(s.Line(r)); err != nil {
			return fmt.Errorf("write csv line: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatLines joins the plain measurement fields of dps into newline separated text.
func FormatLines(dps []Datapoint) string {
	var b strings.Builder
	for i, dp := range dps {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Join(dp.Fields(), ","))
	}
	return b.String()
}
