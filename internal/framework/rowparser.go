package framework

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relieftools/harvester/internal/expr"
	"github.com/relieftools/harvester/internal/gazetteer"
)

// levelIndex maps an admin level name to its position in the admin column
// hierarchy. Aggregate levels have no admin column.
func levelIndex(level string) int {
	switch level {
	case "", "global", "single":
		return -1
	case "national":
		return 0
	default:
		return 1
	}
}

// dateValue is a comparable date watermark: a calendar date for date typed
// columns or an integer for year and int typed ones. The zero value sorts
// before every real value.
type dateValue struct {
	t      time.Time
	n      int64
	isTime bool
	valid  bool
}

func (d dateValue) before(o dateValue) bool {
	if !d.valid {
		return o.valid
	}
	if !o.valid {
		return false
	}
	if d.isTime {
		return d.t.Before(o.t)
	}
	return d.n < o.n
}

// RowParser resolves each input row to an admin unit, applies subset
// filters and maintains per subset date watermarks.
type RowParser struct {
	name      string
	level     int
	dateLevel int
	today     time.Time

	sortSpec      *SortSpec
	stopRow       map[string]string
	flatten       []FlattenSpec
	prefilter     expr.Node
	dateCols      []string
	dateType      string
	ignoreFuture  bool
	singleMaxDate bool
	maxDateOnly   bool

	gaz       *gazetteer.Gazetteer
	admCols   []StringList
	admExact  bool
	admSingle string
	validAdms [][]string

	subsets []Subset

	maxDate dateValue
	// One watermark map per subset. Aggregate date levels use the empty
	// string key.
	maxDates []map[string]dateValue

	headers        []string
	headerToHXL    map[string]string
	externalFilter map[string][]string

	logger *zap.Logger
}

// NewRowParser builds a parser for one dataset at one admin level.
// countryISO3s is the run's country scope; externalFilter maps column
// names to allowed values and may be nil.
func NewRowParser(
	def *Definition,
	subsets []Subset,
	level string,
	today time.Time,
	gaz *gazetteer.Gazetteer,
	countryISO3s []string,
	headers []string,
	headerToHXL map[string]string,
	externalFilter map[string][]string,
	logger *zap.Logger,
) (*RowParser, error) {
	dateLevel := def.DateLevel
	if dateLevel == "" {
		dateLevel = level
	}
	p := &RowParser{
		name:           def.Name,
		level:          levelIndex(level),
		dateLevel:      levelIndex(dateLevel),
		today:          today,
		sortSpec:       def.Sort,
		stopRow:        def.StopRow,
		flatten:        def.Flatten,
		dateCols:       def.DateCol,
		dateType:       def.DateType,
		ignoreFuture:   def.FutureDatesIgnored(),
		singleMaxDate:  def.SingleMaxDate,
		maxDateOnly:    def.MaxDateOnlyEnabled(),
		gaz:            gaz,
		admCols:        def.Admin,
		admExact:       def.AdminExact,
		admSingle:      def.AdminSingle,
		subsets:        subsets,
		headers:        headers,
		headerToHXL:    headerToHXL,
		externalFilter: externalFilter,
		logger:         logger,
	}
	if p.admSingle != "" {
		p.dateLevel = -1
	}
	if len(p.dateCols) > 0 && p.dateLevel >= len(p.admCols) {
		return nil, fmt.Errorf("dataset %s: date level %s has no admin column", def.Name, dateLevel)
	}
	// admin_filter entries override per position; unconfigured positions
	// keep the run scope so deeper levels still resolve.
	p.validAdms = [][]string{countryISO3s, nil}
	if gaz != nil {
		p.validAdms[1] = gaz.PCodes()
	}
	for i, adms := range def.AdminFilter {
		if i < len(p.validAdms) {
			p.validAdms[i] = adms
		} else {
			p.validAdms = append(p.validAdms, adms)
		}
	}
	if def.Prefilter != "" {
		node, err := expr.Parse(def.Prefilter)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: prefilter %q: %w", def.Name, def.Prefilter, err)
		}
		p.prefilter = node
	}
	p.maxDates = make([]map[string]dateValue, len(subsets))
	for i := range p.maxDates {
		p.maxDates[i] = make(map[string]dateValue)
	}
	return p, nil
}

// FilterSortRows reshapes the raw rows before parsing: HXL renaming, stop
// row, flattening, prefilter and sorting. When a date column drives sum,
// process or append accumulation and no sort was configured, rows are
// sorted by date descending so that "latest value wins" holds.
func (p *RowParser) FilterSortRows(in []map[string]any) ([]map[string]any, error) {
	rows := make([]map[string]any, 0, len(in))
	for _, row := range in {
		if len(p.headerToHXL) > 0 {
			renamed := make(map[string]any, len(row))
			for header, val := range row {
				if tag, ok := p.headerToHXL[header]; ok && tag != "" {
					renamed[tag] = val
				} else {
					renamed[header] = val
				}
			}
			row = renamed
		}
		if len(p.stopRow) > 0 && matchesStopRow(row, p.stopRow) {
			break
		}
		expanded, err := p.flattenRow(row)
		if err != nil {
			return nil, err
		}
		rows = append(rows, expanded...)
	}
	if p.sortSpec == nil && len(p.dateCols) > 0 {
		for _, subset := range p.subsets {
			if subset.NeedsSortedDates() {
				p.logger.Warn("sum, process or append used without sorting, sorting by date descending",
					zap.String("scraper", p.name))
				p.sortSpec = &SortSpec{Keys: p.dateCols, Reverse: true}
				break
			}
		}
	}
	if p.prefilter != nil {
		filtered := rows[:0]
		for _, row := range rows {
			keep, err := expr.EvalBool(p.prefilter, rowResolver(row))
			if err != nil {
				return nil, fmt.Errorf("dataset %s: prefilter: %w", p.name, err)
			}
			if keep {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	if p.sortSpec != nil {
		keys := p.sortSpec.Keys
		reverse := p.sortSpec.Reverse
		sort.SliceStable(rows, func(i, j int) bool {
			for _, key := range keys {
				c := compareValues(rows[i][key], rows[j][key])
				if c == 0 {
					continue
				}
				if reverse {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	return rows, nil
}

func matchesStopRow(row map[string]any, stop map[string]string) bool {
	for key, want := range stop {
		if toString(row[key]) != want {
			return false
		}
	}
	return true
}

// flattenRow expands a wide row into long rows by walking each flatten
// spec's incrementing column template until a column is missing.
func (p *RowParser) flattenRow(row map[string]any) ([]map[string]any, error) {
	if len(p.flatten) == 0 {
		return []map[string]any{row}, nil
	}
	counters := make([]int, len(p.flatten))
	for i := range counters {
		counters[i] = -1
	}
	var out []map[string]any
	for {
		newRow := make(map[string]any, len(row)+len(p.flatten))
		for k, v := range row {
			newRow[k] = v
		}
		for i, flat := range p.flatten {
			template, inner := MatchTemplate(flat.Original)
			if template == "" {
				return nil, fmt.Errorf("dataset %s: flatten column %q lacks an incrementing number", p.name, flat.Original)
			}
			if counters[i] == -1 {
				start, err := strconv.Atoi(inner)
				if err != nil {
					return nil, fmt.Errorf("dataset %s: flatten column %q: non-numeric start", p.name, flat.Original)
				}
				counters[i] = start
			}
			colname := strings.Replace(flat.Original, template, strconv.Itoa(counters[i]), 1)
			val, ok := row[colname]
			if !ok {
				return out, nil
			}
			newRow[flat.New] = val
			if flat.ExtraCol != "" {
				newRow[flat.ExtraCol] = colname
			}
			counters[i]++
		}
		out = append(out, newRow)
	}
}

// filteredOut applies the external filter allow lists.
func (p *RowParser) filteredOut(row map[string]any) bool {
	for column, allowed := range p.externalFilter {
		val, ok := row[column]
		if !ok {
			continue
		}
		found := false
		s := toString(val)
		for _, a := range allowed {
			if a == s {
				found = true
				break
			}
		}
		if !found {
			return true
		}
	}
	return false
}

// resolveAdm resolves one admin column value at hierarchy position i,
// first against the valid code list, then via the gazetteer unless exact
// matching is required. It returns the resolved code (empty if
// unresolved) and whether the match was exact.
func (p *RowParser) resolveAdm(row map[string]any, admcol string, i int, parent string) (string, bool) {
	if template, inner := MatchTemplate(admcol); template != "" && len(p.headers) > 0 {
		idx, err := strconv.Atoi(inner)
		if err == nil && idx >= 0 && idx < len(p.headers) {
			admcol = p.headers[idx]
		}
	}
	adm := strings.TrimSpace(toString(row[admcol]))
	if adm == "" {
		return "", false
	}
	for _, valid := range p.validAdms[i] {
		if adm == valid {
			return adm, true
		}
	}
	if p.admExact {
		return "", false
	}
	var code string
	var ok bool
	if i == 0 {
		code, ok = p.gaz.CountryISO3(adm)
	} else {
		code, ok = p.gaz.PCode(parent, adm)
	}
	if !ok {
		return "", false
	}
	for _, valid := range p.validAdms[i] {
		if code == valid {
			return code, false
		}
	}
	return "", false
}

// Parse resolves the row's admin unit and decides, per subset, whether the
// row should be processed. It returns an empty admin name when the row is
// rejected.
func (p *RowParser) Parse(row map[string]any) (string, []bool, error) {
	if p.filteredOut(row) {
		return "", nil, nil
	}

	adms := make([]string, len(p.admCols))
	for i, candidates := range p.admCols {
		if len(candidates) == 0 {
			continue
		}
		parent := ""
		if i > 0 {
			parent = adms[i-1]
		}
		for _, admcol := range candidates {
			code, exact := p.resolveAdm(row, admcol, i, parent)
			if code != "" {
				adms[i] = code
				if exact {
					break
				}
			}
		}
		if adms[i] == "" {
			return "", nil, nil
		}
	}

	process := make([]bool, len(p.subsets))
	for i, subset := range p.subsets {
		process[i] = true
		if subset.FilterNode != nil {
			keep, err := expr.EvalBool(subset.FilterNode, rowResolver(row))
			if err != nil {
				return "", nil, fmt.Errorf("dataset %s: filter %q: %w", p.name, subset.Filter, err)
			}
			process[i] = keep
		}
	}

	if len(p.dateCols) > 0 {
		date, skip, err := p.rowDate(row)
		if err != nil {
			return "", nil, err
		}
		if skip {
			return "", nil, nil
		}
		watermarkKey := ""
		if p.dateLevel >= 0 {
			watermarkKey = adms[p.dateLevel]
		}
		for i, proc := range process {
			if !proc {
				continue
			}
			if date.before(p.maxDate) {
				if p.singleMaxDate {
					process[i] = false
				}
			} else {
				p.maxDate = date
			}
			if p.maxDateOnly {
				if date.before(p.maxDates[i][watermarkKey]) {
					process[i] = false
				} else {
					p.maxDates[i][watermarkKey] = date
				}
			} else {
				p.maxDates[i][watermarkKey] = date
			}
		}
	}

	if p.level < 0 {
		if p.admSingle != "" {
			return p.admSingle, process, nil
		}
		return "value", process, nil
	}
	if p.admSingle != "" {
		return p.admSingle, process, nil
	}
	return adms[p.level], process, nil
}

// rowDate extracts and types the row's date. skip is true when the date
// lies in the future and future dates are ignored.
func (p *RowParser) rowDate(row map[string]any) (dateValue, bool, error) {
	var raw string
	if len(p.dateCols) == 1 {
		raw = toString(row[p.dateCols[0]])
	} else {
		parts := make([]string, 0, len(p.dateCols))
		for _, col := range p.dateCols {
			parts = append(parts, toString(row[col]))
		}
		raw = strings.Join(parts, "")
	}
	switch p.dateType {
	case "date":
		t, err := ParseDay(raw)
		if err != nil {
			return dateValue{}, false, fmt.Errorf("dataset %s: date column: %w", p.name, err)
		}
		if t.After(p.today) && p.ignoreFuture {
			return dateValue{}, true, nil
		}
		return dateValue{t: t, isTime: true, valid: true}, false, nil
	case "year":
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return dateValue{}, false, fmt.Errorf("dataset %s: year column %q: %w", p.name, raw, err)
		}
		if n > int64(p.today.Year()) && p.ignoreFuture {
			return dateValue{}, true, nil
		}
		return dateValue{n: n, valid: true}, false, nil
	default:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return dateValue{}, false, fmt.Errorf("dataset %s: date column %q: %w", p.name, raw, err)
		}
		return dateValue{n: n, valid: true}, false, nil
	}
}

// MaxDate returns the most recent date seen across processed rows, or
// false if no dated rows were processed. Year and integer typed dates map
// to the first day of that year.
func (p *RowParser) MaxDate() (time.Time, bool) {
	if !p.maxDate.valid {
		return time.Time{}, false
	}
	if p.maxDate.isTime {
		return p.maxDate.t, true
	}
	return time.Date(int(p.maxDate.n), time.January, 1, 0, 0, 0, 0, time.UTC), true
}

// rowResolver binds expression variables to row columns.
func rowResolver(row map[string]any) expr.Resolver {
	return func(name string) (any, bool) {
		val, ok := row[name]
		if !ok {
			return nil, false
		}
		return val, true
	}
}

// compareValues orders two cell values numerically when both parse as
// numbers, falling back to string comparison.
func compareValues(a, b any) int {
	af, aok := sortableNumber(a)
	bf, bok := sortableNumber(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(toString(a), toString(b))
}

func sortableNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
