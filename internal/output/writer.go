package output

import (
	"github.com/relieftools/harvester/internal/framework"
)

// WriteSources writes the provenance tab: one row per source with
// indicator hashtag, date, attribution and URL.
func WriteSources(sink Sink, tab string, sources []framework.Source) error {
	headers := framework.SourceHeaders()
	rows := make([][]any, 0, len(sources)+2)
	rows = append(rows, toAnyRow(headers.Columns), toAnyRow(headers.HXLTags))
	for _, s := range sources {
		rows = append(rows, []any{s.HXLTag, s.Date, s.Source, s.URL})
	}
	return sink.UpdateTab(tab, rows)
}

// WriteLevel writes one admin level's merged values as a tab: header row,
// hashtag row, then a row per admin unit.
func WriteLevel(sink Sink, r *framework.Runner, tab, level string, adms []string,
	admCols []framework.AdminColumn, names []string,
	overrides map[string]map[string]string) error {
	return sink.UpdateTab(tab, r.GetRows(level, adms, admCols, names, overrides))
}

func toAnyRow(cells []string) []any {
	row := make([]any, len(cells))
	for i, cell := range cells {
		row[i] = cell
	}
	return row
}
