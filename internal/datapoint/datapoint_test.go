package datapoint

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func ptr[T any](v T) *T { return &v }

func TestResolveColumnsFirstSubstringMatch(t *testing.T) {
	t.Parallel()

	header := []string{"ts_datetime_raw", "hh_datetime", "ts_frc_ppm", "hh_frc", "ts_wattemp_c", "ts_cond_uS"}
	idx, err := ResolveColumns(header)
	require.NoError(t, err)

	assert.Equal(t, 0, idx[ColTsDate])
	assert.Equal(t, 1, idx[ColHhDate])
	assert.Equal(t, 2, idx[ColTsFrc])
	assert.Equal(t, 3, idx[ColHhFrc])
	assert.Equal(t, 4, idx[ColTsTemp])
	assert.Equal(t, 5, idx[ColTsCond])
}

func TestResolveColumnsPrefersFirstMatchingCell(t *testing.T) {
	t.Parallel()

	header := []string{"ts_frc_1", "ts_frc_2", "ts_datetime", "hh_datetime", "hh_frc", "ts_wattemp", "ts_cond"}
	idx, err := ResolveColumns(header)
	require.NoError(t, err)
	assert.Equal(t, 0, idx[ColTsFrc])
}

func TestResolveColumnsMissingColumn(t *testing.T) {
	t.Parallel()

	_, err := ResolveColumns([]string{"ts_datetime", "hh_datetime", "ts_frc", "hh_frc", "ts_wattemp"})
	require.Error(t, err)

	var mismatch *SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, ColTsCond, mismatch.Column)
	assert.Contains(t, err.Error(), "ts_cond")
}

func TestParseDateFallbacks(t *testing.T) {
	t.Parallel()

	serial := ParseDate("44197.5")
	require.NotNil(t, serial)
	assert.Equal(t, serialEpoch.Add(time.Duration(44197.5*24*float64(time.Hour))), *serial)
	assert.Equal(t, time.Date(2021, time.January, 3, 12, 0, 0, 0, time.UTC), *serial)

	literal := ParseDate("2021-01-01T12:00")
	require.NotNil(t, literal)
	assert.Equal(t, time.Date(2021, time.January, 1, 12, 0, 0, 0, time.UTC), *literal)

	assert.Nil(t, ParseDate("not-a-date"))
	assert.Nil(t, ParseDate(""))
	assert.Nil(t, ParseDate("NaN"))
	assert.Nil(t, ParseDate("1e300"))
}

func TestParseDateSerialRange(t *testing.T) {
	t.Parallel()

	late := ParseDate("106751.99116730064")
	require.NotNil(t, late)
	assert.Equal(t, time.Date(2192, time.April, 10, 0, 0, 0, 0, time.UTC), late.Truncate(24*time.Hour))
	assert.Equal(t, 23, late.Hour())

	end := ParseDate("2958463")
	require.NotNil(t, end)
	assert.Equal(t, time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC), *end)

	before := ParseDate("-1")
	require.NotNil(t, before)
	assert.Equal(t, time.Date(1899, time.December, 31, 0, 0, 0, 0, time.UTC), *before)

	assert.Nil(t, ParseDate("2958464"))
	assert.Nil(t, ParseDate("1e7"))
	assert.Nil(t, ParseDate("-700000"))
}

func TestParseDateWithSeconds(t *testing.T) {
	t.Parallel()

	got := ParseDate("2021-01-01T12:00:30")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2021, time.January, 1, 12, 0, 30, 0, time.UTC), *got)

	frac := ParseDate("2021-01-01T12:00:30.25")
	require.NotNil(t, frac)
	assert.Equal(t, time.Date(2021, time.January, 1, 12, 0, 30, 250*int(time.Millisecond), time.UTC), *frac)
}

func TestParseCSVNullPropagation(t *testing.T) {
	t.Parallel()

	input := "ts_datetime,hh_datetime,ts_frc,hh_frc,ts_cond,ts_wattemp\n" +
		"not-a-date,2021-01-01T00:00,1.5,abc,7,22.4\n"

	dps, err := ParseCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, dps, 1)

	dp := dps[0]
	assert.Nil(t, dp.TsDate)
	require.NotNil(t, dp.HhDate)
	assert.Equal(t, time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC), *dp.HhDate)
	assert.Equal(t, ptr(1.5), dp.TsFrc)
	assert.Nil(t, dp.HhFrc)
	assert.Equal(t, ptr(7), dp.TsCond)
	assert.Equal(t, ptr(22), dp.TsTemp)
}

func TestParseCSVTemperatureRoundsHalfToEven(t *testing.T) {
	t.Parallel()

	input := "ts_datetime,hh_datetime,ts_frc,hh_frc,ts_wattemp,ts_cond\n" +
		",,,,22.5,\n" +
		",,,,23.5,\n" +
		",,,,-0.4,\n"

	dps, err := ParseCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, dps, 3)
	assert.Equal(t, ptr(22), dps[0].TsTemp)
	assert.Equal(t, ptr(24), dps[1].TsTemp)
	assert.Equal(t, ptr(0), dps[2].TsTemp)
}

func TestParseCSVPreservesLineCountAndOrder(t *testing.T) {
	t.Parallel()

	input := "ts_datetime,hh_datetime,ts_frc,hh_frc,ts_wattemp,ts_cond\n" +
		"44197,44197.1,0.1,0.2,20,100\n" +
		"\n" +
		"44198,44198.1,0.3,0.4,21,101\n" +
		",,,,,\n" +
		"44199,44199.1,0.5,0.6,22,102\n"

	dps, err := ParseCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, dps, 4)

	assert.Equal(t, ptr(0.1), dps[0].TsFrc)
	assert.Equal(t, ptr(0.3), dps[1].TsFrc)
	assert.Equal(t, Datapoint{}, dps[2])
	assert.Equal(t, ptr(0.5), dps[3].TsFrc)
}

func TestParseCSVStrayQuoteKeepsLines(t *testing.T) {
	t.Parallel()

	input := "ts_datetime,hh_datetime,ts_frc,hh_frc,ts_wattemp,ts_cond\r\n" +
		"\"2021-01-01T00:00,2021-01-01T01:00,0.1,0.2,20,100\r\n" +
		"2021-01-02T00:00,2021-01-02T01:00,0.3,0.4,21,101\r\n" +
		"2021-01-03T00:00,2021-01-03T01:00,0.5,0.6,22,102\r\n"

	dps, err := ParseCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, dps, 3)

	assert.Nil(t, dps[0].TsDate)
	assert.Equal(t, ptr(0.1), dps[0].TsFrc)
	assert.Equal(t, ptr(0.3), dps[1].TsFrc)
	assert.Equal(t, ptr(0.5), dps[2].TsFrc)
	assert.Equal(t, ptr(102), dps[2].TsCond)
}

func TestParseCSVShortRowYieldsNulls(t *testing.T) {
	t.Parallel()

	input := "ts_datetime,hh_datetime,ts_frc,hh_frc,ts_wattemp,ts_cond\n" +
		"2021-01-01T08:30,2021-01-01T09:00,0.8\n"

	dps, err := ParseCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, dps, 1)
	assert.Equal(t, ptr(0.8), dps[0].TsFrc)
	assert.Nil(t, dps[0].HhFrc)
	assert.Nil(t, dps[0].TsCond)
}

func TestParseCSVSchemaMismatchAbortsFile(t *testing.T) {
	t.Parallel()

	_, err := ParseCSV(strings.NewReader("date,frc\n1,2\n"))
	var mismatch *SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, ColTsDate, mismatch.Column)
}

func TestParseCSVEmptyInput(t *testing.T) {
	t.Parallel()

	_, err := ParseCSV(strings.NewReader(""))
	require.ErrorIs(t, err, ErrEmptyFile)
}

func TestParseXLSX(t *testing.T) {
	t.Parallel()

	f := excelize.NewFile()
	t.Cleanup(func() { _ = f.Close() })
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"ts_datetime", "hh_datetime", "ts_frc", "hh_frc", "ts_wattemp", "ts_cond"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{44197.5, "2021-01-01T12:00", 0.7, 0.4, 22.4, 7}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	dps, err := ParseFile("upload.xlsx", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, dps, 1)

	dp := dps[0]
	require.NotNil(t, dp.TsDate)
	assert.Equal(t, time.Date(2021, time.January, 3, 12, 0, 0, 0, time.UTC), *dp.TsDate)
	require.NotNil(t, dp.HhDate)
	assert.Equal(t, time.Date(2021, time.January, 1, 12, 0, 0, 0, time.UTC), *dp.HhDate)
	assert.Equal(t, ptr(0.7), dp.TsFrc)
	assert.Equal(t, ptr(0.4), dp.HhFrc)
	assert.Equal(t, ptr(22), dp.TsTemp)
	assert.Equal(t, ptr(7), dp.TsCond)
}

func TestSerializerRoundTrip(t *testing.T) {
	t.Parallel()

	dp := Datapoint{TsFrc: ptr(3.14)}
	assert.Equal(t, ",3.14,,,,", FormatLines([]Datapoint{dp}))

	var buf bytes.Buffer
	require.NoError(t, Serializer{}.Write(&buf, []Record{{Datapoint: dp}}, true))

	dps, err := ParseCSV(&buf)
	require.NoError(t, err)
	require.Len(t, dps, 1)
	assert.Equal(t, dp, dps[0])
}

func TestSerializerKeepsSeconds(t *testing.T) {
	t.Parallel()

	minute := time.Date(2021, time.March, 4, 5, 6, 0, 0, time.UTC)
	second := time.Date(2021, time.March, 4, 5, 6, 7, 500*int(time.Millisecond), time.UTC)
	dp := Datapoint{TsDate: &second, HhDate: &minute}
	assert.Equal(t, "2021-03-04T05:06:07.5,,,,2021-03-04T05:06,", FormatLines([]Datapoint{dp}))

	var buf bytes.Buffer
	require.NoError(t, Serializer{}.Write(&buf, []Record{{Datapoint: dp}}, true))

	dps, err := ParseCSV(&buf)
	require.NoError(t, err)
	require.Len(t, dps, 1)
	assert.Equal(t, dp, dps[0])
}

func TestSerializerOrderAndTags(t *testing.T) {
	t.Parallel()

	upload := primitive.NewObjectID()
	uploaded := time.Date(2021, time.February, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		{Datapoint: Datapoint{TsDate: ptr(time.Date(2021, 1, 2, 8, 0, 0, 0, time.UTC)), TsFrc: ptr(0.2), TsCond: ptr(120), TsTemp: ptr(25), HhDate: ptr(time.Date(2021, 1, 2, 20, 30, 0, 0, time.UTC)), HhFrc: ptr(0.05)}, Upload: upload, DateUploaded: uploaded, Overwriting: true},
		{Datapoint: Datapoint{TsFrc: ptr(1.0)}},
	}

	s := Serializer{Tags: []TagColumn{TagUpload, TagDateUploaded, TagOverwriting}}
	var buf bytes.Buffer
	require.NoError(t, s.Write(&buf, records, true))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ts_datetime,ts_frc,ts_cond,ts_wattemp,hh_datetime,hh_frc,upload,date_uploaded,overwriting", lines[0])
	assert.Equal(t, "2021-01-02T08:00,0.2,120,25,2021-01-02T20:30,0.05,"+upload.Hex()+",2021-02-01T00:00:00Z,true", lines[1])
	assert.Equal(t, ",1,,,,,,,false", lines[2])
}

func dupRecords() (a, b Record) {
	ts := ptr(time.Date(2021, 1, 1, 8, 0, 0, 0, time.UTC))
	hh := ptr(time.Date(2021, 1, 1, 9, 0, 0, 0, time.UTC))
	a = Record{ID: primitive.NewObjectID(), Datapoint: Datapoint{TsDate: ts, HhDate: hh, TsFrc: ptr(0.1)}, DateUploaded: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	b = Record{ID: primitive.NewObjectID(), Datapoint: Datapoint{TsDate: ts, HhDate: hh, TsFrc: ptr(0.9)}, DateUploaded: time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC), Overwriting: true}
	return a, b
}

func TestResolveLiteralRule(t *testing.T) {
	t.Parallel()

	a, b := dupRecords()
	got := Resolve([]Record{a, b}, LiteralRule)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID, "non-overwriting outer record lets the last duplicate win")
	assert.Equal(t, b.ID, got[1].ID)
}

func TestResolveLiteralRuleIgnoresDatesForNonOverwritingOuter(t *testing.T) {
	t.Parallel()

	a, b := dupRecords()
	b.Overwriting = false
	b.DateUploaded = a.DateUploaded.Add(-24 * time.Hour)

	got := Resolve([]Record{a, b}, LiteralRule)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, b.ID, got[1].ID)
}

func TestResolveOverwritingRule(t *testing.T) {
	t.Parallel()

	a, b := dupRecords()
	got := Resolve([]Record{a, b}, OverwritingRule)
	assert.Equal(t, b.ID, got[0].ID)

	b.DateUploaded = a.DateUploaded.Add(-time.Hour)
	got = Resolve([]Record{a, b}, OverwritingRule)
	assert.Equal(t, a.ID, got[0].ID, "older overwriting upload does not supersede")
}

func TestResolveKeepsNullIdentitiesTogether(t *testing.T) {
	t.Parallel()

	x := Record{ID: primitive.NewObjectID(), Overwriting: true}
	y := Record{ID: primitive.NewObjectID(), Overwriting: true, DateUploaded: time.Now()}
	got := ResolveDistinct([]Record{x, y}, LiteralRule)
	require.Len(t, got, 1)
	assert.Equal(t, y.ID, got[0].ID)
}

func TestResolveDistinct(t *testing.T) {
	t.Parallel()

	a, b := dupRecords()
	c := Record{ID: primitive.NewObjectID(), Datapoint: Datapoint{TsDate: ptr(time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC))}}

	got := Resolver{Rule: LiteralRule, Distinct: true}.Resolve([]Record{a, c, b})
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, c.ID, got[1].ID)

	all := Resolver{Rule: LiteralRule}.Resolve([]Record{a, c, b})
	require.Len(t, all, 3)
}

func TestResolveNeverFabricates(t *testing.T) {
	t.Parallel()

	a, b := dupRecords()
	input := []Record{a, b, a}
	ids := map[primitive.ObjectID]bool{a.ID: true, b.ID: true}
	for _, rule := range []Rule{LiteralRule, OverwritingRule} {
		for _, r := range Resolve(input, rule) {
			assert.True(t, ids[r.ID])
		}
	}
}

func TestRuleByName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "literal", "Overwriting"} {
		rule, err := RuleByName(name)
		require.NoError(t, err, name)
		require.NotNil(t, rule)
	}
	_, err := RuleByName("newest")
	require.Error(t, err)
}

func TestTagAll(t *testing.T) {
	t.Parallel()

	tags := Tags{Upload: primitive.NewObjectID(), Fieldsite: primitive.NewObjectID(), DateUploaded: time.Now().UTC(), Overwriting: true}
	recs := tags.TagAll([]Datapoint{{TsFrc: ptr(0.1)}, {TsFrc: ptr(0.2)}})
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, tags.Upload, r.Upload)
		assert.Equal(t, tags.Fieldsite, r.Fieldsite)
		assert.True(t, r.Overwriting)
	}
	assert.Equal(t, ptr(0.2), recs[1].TsFrc)
}
