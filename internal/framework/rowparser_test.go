package framework

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestParser(t *testing.T, def *Definition, level string) *RowParser {
	t.Helper()
	subsets, err := CompileSubsets(def)
	require.NoError(t, err)
	parser, err := NewRowParser(def, subsets, level, testToday, testGazetteer(), []string{"AFG", "PAK"}, nil, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return parser
}

func TestRowParserResolvesAdmins(t *testing.T) {
	def := defFromYAML(t, "adm", `
admin:
  - Country
input:
  - Population
output:
  - Population
output_hxl:
  - "#population"
`)
	parser := newTestParser(t, def, "national")

	adm, process, err := parser.Parse(map[string]any{"Country": "AFG", "Population": "38041754"})
	require.NoError(t, err)
	assert.Equal(t, "AFG", adm)
	assert.Equal(t, []bool{true}, process)

	// Names resolve through the gazetteer when not already valid codes.
	adm, _, err = parser.Parse(map[string]any{"Country": "Afghanistan"})
	require.NoError(t, err)
	assert.Equal(t, "AFG", adm)

	adm, _, err = parser.Parse(map[string]any{"Country": "Atlantis"})
	require.NoError(t, err)
	assert.Equal(t, "", adm)
}

func TestRowParserAdminExactRejectsNames(t *testing.T) {
	def := defFromYAML(t, "exact", `
admin_exact: true
admin:
  - Country
input:
  - Population
output:
  - Population
output_hxl:
  - "#population"
`)
	parser := newTestParser(t, def, "national")
	adm, _, err := parser.Parse(map[string]any{"Country": "Afghanistan"})
	require.NoError(t, err)
	assert.Equal(t, "", adm)
}

func TestRowParserSubnationalResolution(t *testing.T) {
	def := defFromYAML(t, "subnat", `
admin:
  - Country
  - Province
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	parser := newTestParser(t, def, "subnational")

	adm, _, err := parser.Parse(map[string]any{"Country": "AFG", "Province": "Kabul", "Cases": "5"})
	require.NoError(t, err)
	assert.Equal(t, "AF01", adm)

	// Same province name under the wrong country does not resolve.
	adm, _, err = parser.Parse(map[string]any{"Country": "PAK", "Province": "Kabul"})
	require.NoError(t, err)
	assert.Equal(t, "", adm)
}

func TestNewRowParserRejectsDateLevelBeyondAdmins(t *testing.T) {
	// A subnational date watermark needs a second admin column to key on.
	def := defFromYAML(t, "deepdate", `
admin:
  - Country
date: Date
date_level: subnational
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	subsets, err := CompileSubsets(def)
	require.NoError(t, err)
	_, err = NewRowParser(def, subsets, "national", testToday, testGazetteer(), []string{"AFG", "PAK"}, nil, nil, nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no admin column")
}

func TestRowParserAdminFilterShorterThanHierarchy(t *testing.T) {
	def := defFromYAML(t, "filtered", `
admin:
  - Country
  - Province
admin_filter:
  - [AFG]
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	parser := newTestParser(t, def, "subnational")

	// The province position falls back to the gazetteer pcodes when the
	// filter only covers countries.
	adm, process, err := parser.Parse(map[string]any{"Country": "AFG", "Province": "Kabul", "Cases": "5"})
	require.NoError(t, err)
	assert.Equal(t, "AF01", adm)
	assert.Equal(t, []bool{true}, process)

	// The country filter still applies.
	adm, _, err = parser.Parse(map[string]any{"Country": "PAK", "Province": "Punjab"})
	require.NoError(t, err)
	assert.Equal(t, "", adm)
}

func TestRowParserSingleLevelUsesValueKey(t *testing.T) {
	def := defFromYAML(t, "single", `
input:
  - Population
output:
  - Population
output_hxl:
  - "#population"
`)
	parser := newTestParser(t, def, "single")
	adm, _, err := parser.Parse(map[string]any{"Population": "7794798739"})
	require.NoError(t, err)
	assert.Equal(t, "value", adm)
}

func TestRowParserAdminSingle(t *testing.T) {
	def := defFromYAML(t, "pinned", `
admin_single: AFG
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	parser := newTestParser(t, def, "national")
	adm, _, err := parser.Parse(map[string]any{"Cases": "10"})
	require.NoError(t, err)
	assert.Equal(t, "AFG", adm)
}

func TestRowParserSubsetFilter(t *testing.T) {
	def := defFromYAML(t, "filtered", `
admin:
  - Country
filter: "Status == 'confirmed'"
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	parser := newTestParser(t, def, "national")

	_, process, err := parser.Parse(map[string]any{"Country": "AFG", "Status": "confirmed"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, process)

	_, process, err = parser.Parse(map[string]any{"Country": "AFG", "Status": "suspected"})
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, process)
}

func TestFilterSortRowsStopRow(t *testing.T) {
	def := defFromYAML(t, "stopped", `
stop_row:
  Country: TOTAL
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	parser := newTestParser(t, def, "national")
	rows, err := parser.FilterSortRows([]map[string]any{
		{"Country": "AFG", "Cases": "1"},
		{"Country": "TOTAL", "Cases": "99"},
		{"Country": "PAK", "Cases": "2"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "AFG", rows[0]["Country"])
}

func TestFilterSortRowsPrefilter(t *testing.T) {
	def := defFromYAML(t, "prefiltered", `
prefilter: "Cases > 5"
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	parser := newTestParser(t, def, "national")
	rows, err := parser.FilterSortRows([]map[string]any{
		{"Cases": "3"},
		{"Cases": "10"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "10", rows[0]["Cases"])
}

func TestFilterSortRowsFlatten(t *testing.T) {
	def := defFromYAML(t, "flat", `
flatten:
  - original: "Cases {{1}}"
    new: Cases
    extracol: CasesCol
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	parser := newTestParser(t, def, "national")
	rows, err := parser.FilterSortRows([]map[string]any{
		{"Country": "AFG", "Cases 1": "10", "Cases 2": "20"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "10", rows[0]["Cases"])
	assert.Equal(t, "Cases 1", rows[0]["CasesCol"])
	assert.Equal(t, "20", rows[1]["Cases"])
	assert.Equal(t, "Cases 2", rows[1]["CasesCol"])
}

func TestFilterSortRowsAutoSortsDatedAccumulation(t *testing.T) {
	// A sum subset with a date column but no configured sort must see
	// rows newest first so latest-value semantics hold.
	def := defFromYAML(t, "dated_sum", `
date: Date
date_type: date
admin:
  - Country
input:
  - Cases
sum:
  - formula: Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	parser := newTestParser(t, def, "national")
	rows, err := parser.FilterSortRows([]map[string]any{
		{"Date": "2020-09-01", "Cases": "1"},
		{"Date": "2020-09-21", "Cases": "2"},
		{"Date": "2020-09-10", "Cases": "3"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "2020-09-21", rows[0]["Date"])
	assert.Equal(t, "2020-09-10", rows[1]["Date"])
	assert.Equal(t, "2020-09-01", rows[2]["Date"])
}

func TestFilterSortRowsConfiguredSortWins(t *testing.T) {
	def := defFromYAML(t, "sorted", `
sort:
  keys:
    - Cases
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	parser := newTestParser(t, def, "national")
	rows, err := parser.FilterSortRows([]map[string]any{
		{"Cases": "10"},
		{"Cases": "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "2", rows[0]["Cases"])
	assert.Equal(t, "10", rows[1]["Cases"])
}

func TestRowParserMaxDateOnlyWatermark(t *testing.T) {
	def := defFromYAML(t, "watermarked", `
date: Date
date_type: date
admin:
  - Country
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	parser := newTestParser(t, def, "national")

	_, process, err := parser.Parse(map[string]any{"Country": "AFG", "Date": "2020-09-21", "Cases": "5"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, process)

	// Older row for the same admin unit is dropped from processing.
	_, process, err = parser.Parse(map[string]any{"Country": "AFG", "Date": "2020-09-01", "Cases": "3"})
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, process)

	// Other admin units keep their own watermark.
	_, process, err = parser.Parse(map[string]any{"Country": "PAK", "Date": "2020-09-01", "Cases": "7"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, process)

	maxDate, ok := parser.MaxDate()
	require.True(t, ok)
	assert.Equal(t, time.Date(2020, 9, 21, 0, 0, 0, 0, time.UTC), maxDate)
}

func TestRowParserIgnoresFutureDates(t *testing.T) {
	def := defFromYAML(t, "future", `
date: Date
date_type: date
admin:
  - Country
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	parser := newTestParser(t, def, "national")
	adm, _, err := parser.Parse(map[string]any{"Country": "AFG", "Date": "2021-01-01", "Cases": "5"})
	require.NoError(t, err)
	assert.Equal(t, "", adm)

	_, ok := parser.MaxDate()
	assert.False(t, ok)
}

func TestRowParserYearDates(t *testing.T) {
	def := defFromYAML(t, "yearly", `
date: Year
date_type: year
admin:
  - Country
input:
  - Population
output:
  - Population
output_hxl:
  - "#population"
`)
	parser := newTestParser(t, def, "national")

	_, process, err := parser.Parse(map[string]any{"Country": "AFG", "Year": "2019", "Population": "38041754"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, process)

	// Future years are skipped entirely.
	adm, _, err := parser.Parse(map[string]any{"Country": "AFG", "Year": "2021"})
	require.NoError(t, err)
	assert.Equal(t, "", adm)

	maxDate, ok := parser.MaxDate()
	require.True(t, ok)
	assert.Equal(t, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), maxDate)
}

func TestRowParserExternalFilter(t *testing.T) {
	def := defFromYAML(t, "allowlisted", `
admin:
  - Country
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	subsets, err := CompileSubsets(def)
	require.NoError(t, err)
	allow := map[string][]string{"Country": {"AFG"}}
	parser, err := NewRowParser(def, subsets, "national", testToday, testGazetteer(), []string{"AFG", "PAK"}, nil, nil, allow, zap.NewNop())
	require.NoError(t, err)

	adm, _, err := parser.Parse(map[string]any{"Country": "AFG", "Cases": "1"})
	require.NoError(t, err)
	assert.Equal(t, "AFG", adm)

	adm, _, err = parser.Parse(map[string]any{"Country": "PAK", "Cases": "2"})
	require.NoError(t, err)
	assert.Equal(t, "", adm)
}

func TestRowParserPositionalAdminColumn(t *testing.T) {
	def := defFromYAML(t, "positional", `
admin:
  - "{{0}}"
input:
  - Cases
output:
  - Cases
output_hxl:
  - "#affected+infected"
`)
	subsets, err := CompileSubsets(def)
	require.NoError(t, err)
	headers := []string{"Country", "Cases"}
	parser, err := NewRowParser(def, subsets, "national", testToday, testGazetteer(), []string{"AFG", "PAK"}, headers, nil, nil, zap.NewNop())
	require.NoError(t, err)

	adm, _, err := parser.Parse(map[string]any{"Country": "PAK", "Cases": "2"})
	require.NoError(t, err)
	assert.Equal(t, "PAK", adm)
}
