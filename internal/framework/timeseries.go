package framework

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TabWriter receives named tabular output. Spreadsheet and JSON sinks
// implement it.
type TabWriter interface {
	UpdateTab(name string, rows [][]any) error
}

// TimeSeries is a scraper that emits every dated row to its own output tab
// instead of producing level keyed values.
type TimeSeries struct {
	*BaseScraper

	reader  TableReader
	today   time.Time
	outputs []TabWriter
}

// NewTimeSeries builds a time series scraper. The scraper name is prefixed
// so its tabs never collide with level output.
func NewTimeSeries(def *Definition, reader TableReader, today time.Time, outputs []TabWriter) (*TimeSeries, error) {
	if len(def.DateCol) == 0 {
		return nil, fmt.Errorf("time series %s: date column required", def.Name)
	}
	if len(def.Input) != len(def.Output) {
		return nil, fmt.Errorf("time series %s: input has %d columns but output has %d", def.Name, len(def.Input), len(def.Output))
	}
	t := &TimeSeries{
		reader:  reader,
		today:   today,
		outputs: outputs,
	}
	t.BaseScraper = NewBaseScraper("timeseries_"+def.Name, def, map[string]*Headers{})
	t.SetToday(today)
	return t, nil
}

// Run reads the table and writes one tab of dated rows, dropping future
// dates unless configured otherwise.
func (t *TimeSeries) Run() error {
	def := t.Definition()
	table, err := t.reader.ReadTable(def)
	if err != nil {
		return fmt.Errorf("%s: read: %w", t.Name(), err)
	}
	headers := append([]any{joinDateCols(def.DateCol)}, toAnySlice(def.Output)...)
	hxltags := append([]any{def.DateHXL}, toAnySlice(def.OutputHXL)...)
	rows := [][]any{headers, hxltags}
	for _, inrow := range table.Rows {
		var raw string
		if len(def.DateCol) == 1 {
			raw = toString(inrow[def.DateCol[0]])
		} else {
			parts := make([]string, 0, len(def.DateCol))
			for _, col := range def.DateCol {
				parts = append(parts, toString(inrow[col]))
			}
			raw = strings.Join(parts, "")
		}
		var date string
		switch def.DateType {
		case "year":
			year, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("%s: year column %q: %w", t.Name(), raw, err)
			}
			if year > t.today.Year() && def.FutureDatesIgnored() {
				continue
			}
			date = strconv.Itoa(year)
		default:
			parsed, err := ParseDay(raw)
			if err != nil {
				return fmt.Errorf("%s: date column: %w", t.Name(), err)
			}
			if parsed.After(t.today) && def.FutureDatesIgnored() {
				continue
			}
			date = parsed.Format(DefaultSourceDateFormat)
		}
		row := []any{date}
		for _, col := range def.Input {
			row = append(row, inrow[col])
		}
		rows = append(rows, row)
	}
	for _, output := range t.outputs {
		if err := output.UpdateTab(t.Name(), rows); err != nil {
			return fmt.Errorf("%s: write tab: %w", t.Name(), err)
		}
	}
	return nil
}

// AddSources records one attribution row per output hashtag under the tab
// name.
func (t *TimeSeries) AddSources() error {
	for _, hxltag := range t.Definition().OutputHXL {
		if err := t.AddHXLTagSource(t.Name(), hxltag); err != nil {
			return err
		}
	}
	return nil
}

func joinDateCols(cols StringList) string {
	return strings.Join(cols, "")
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
