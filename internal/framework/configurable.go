package framework

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relieftools/harvester/internal/expr"
	"github.com/relieftools/harvester/internal/gazetteer"
	"github.com/relieftools/harvester/internal/metrics"
)

// Table is tabular input as delivered by a reader: the raw header row, an
// optional header to HXL hashtag mapping and the data rows keyed by raw
// header.
type Table struct {
	Headers []string
	HXLRow  map[string]string
	Rows    []map[string]any
}

// TableReader fetches and decodes one dataset's table.
type TableReader interface {
	ReadTable(def *Definition) (*Table, error)
}

// AllowListReader optionally resolves an external filter file into per
// column allow lists.
type AllowListReader interface {
	ReadAllowList(filter *ExternalFilter, useHXL bool) (map[string][]string, error)
}

// ConfigurableScraper runs one dataset definition at one admin level and
// fills its BaseScraper with headers, values and sources.
type ConfigurableScraper struct {
	*BaseScraper

	level     string
	levelName string

	countryISO3s []string
	gaz          *gazetteer.Gazetteer
	reader       TableReader
	today        time.Time
	subsets      []Subset
	rowParser    *RowParser
	hxlApplied   bool
	cached       *Table
	logger       *zap.Logger
}

// NewConfigurableScraper compiles a definition for the given level.
// levelName customises the key output is stored under and defaults to the
// level itself. When use_hxl drives column discovery the table is fetched
// eagerly; a fetch failure leaves the scraper runnable but ineligible for
// fallbacks, matching the behaviour of a scraper whose shape is unknown.
func NewConfigurableScraper(
	def *Definition,
	level string,
	levelName string,
	countryISO3s []string,
	gaz *gazetteer.Gazetteer,
	reader TableReader,
	today time.Time,
	logger *zap.Logger,
) (*ConfigurableScraper, error) {
	if levelName == "" {
		levelName = level
	}
	subsets, err := compileOrEmpty(def)
	if err != nil {
		return nil, err
	}
	c := &ConfigurableScraper{
		level:        level,
		levelName:    levelName,
		countryISO3s: countryISO3s,
		gaz:          gaz,
		reader:       reader,
		today:        today,
		subsets:      subsets,
		logger:       logger.With(zap.String("scraper", def.Name)),
	}
	headers := &Headers{}
	for _, subset := range subsets {
		headers.Extend(NewHeaders(subset.OutputCols, subset.OutputHXL))
	}
	c.BaseScraper = NewBaseScraper(def.Name, def, map[string]*Headers{levelName: headers})
	c.SetToday(today)
	if headers.Len() == 0 {
		if !def.UseHXL {
			return nil, fmt.Errorf("dataset %s: no output columns configured", def.Name)
		}
		table, err := reader.ReadTable(def)
		if err != nil {
			c.logger.Warn("could not discover columns, fallbacks disabled", zap.Error(err))
			c.SetCanFallback(false)
		} else {
			c.cached = table
			if err := c.applyHXL(table); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// compileOrEmpty compiles subsets, tolerating an empty configuration when
// use_hxl will discover columns later.
func compileOrEmpty(def *Definition) ([]Subset, error) {
	if len(def.SubsetConfigs()) == 0 && def.UseHXL {
		return nil, nil
	}
	return CompileSubsets(def)
}

// LevelName returns the key this scraper's output is stored under.
func (c *ConfigurableScraper) LevelName() string { return c.levelName }

// applyHXL fills unspecified columns from the table's HXL hashtag row:
// hashtagged columns become inputs and outputs, country and first level
// admin code columns become admin columns, the date column is dropped
// unless include_date is set.
func (c *ConfigurableScraper) applyHXL(table *Table) error {
	if c.hxlApplied || len(table.HXLRow) == 0 {
		return nil
	}
	c.hxlApplied = true
	def := c.Definition()
	findTags := def.FindTags == nil && c.level != "single" || def.FindTags != nil && *def.FindTags
	var admCols []string
	var inputCols, columns []string
	excluded := func(tag string) bool {
		for _, e := range def.ExcludeTags {
			if e == tag {
				return true
			}
		}
		return false
	}
	dateCol := ""
	if len(def.DateCol) == 1 {
		dateCol = def.DateCol[0]
	}
	for _, header := range table.Headers {
		tag := table.HXLRow[header]
		if tag == "" || excluded(tag) {
			continue
		}
		if findTags {
			if strings.Contains(tag, "#country") {
				if strings.Contains(tag, "code") {
					if len(admCols) == 0 {
						admCols = append(admCols, tag)
					} else {
						admCols[0] = tag
					}
				}
				continue
			}
			if c.level != "national" && strings.Contains(tag, "#adm1") {
				if strings.Contains(tag, "code") {
					if len(admCols) == 0 {
						admCols = append(admCols, "")
					}
					if len(admCols) == 1 {
						admCols = append(admCols, tag)
					}
				}
				continue
			}
		}
		if tag == dateCol && !def.IncludeDate {
			continue
		}
		inputCols = append(inputCols, tag)
		columns = append(columns, header)
	}
	if len(admCols) > 0 {
		def.Admin = def.Admin[:0]
		for _, col := range admCols {
			if col == "" {
				def.Admin = append(def.Admin, nil)
			} else {
				def.Admin = append(def.Admin, StringList{col})
			}
		}
	}
	if len(c.subsets) == 0 {
		c.subsets = []Subset{{Mode: PlainOutput{}}}
	}
	headers := c.BaseScraper.headers[c.levelName]
	for i := range c.subsets {
		subset := &c.subsets[i]
		if len(subset.InputCols) == 0 {
			subset.InputCols = inputCols
		}
		if len(subset.OutputCols) == 0 {
			subset.OutputCols = columns
		}
		if len(subset.OutputHXL) == 0 {
			subset.OutputHXL = inputCols
		}
		headers.Extend(NewHeaders(subset.OutputCols, subset.OutputHXL))
	}
	c.BaseScraper.initValuesSources()
	return nil
}

// Run fetches the table, builds the row parser and processes every row
// into the level's value dictionaries.
func (c *ConfigurableScraper) Run() error {
	def := c.Definition()
	table := c.cached
	c.cached = nil
	if table == nil {
		var err error
		table, err = c.reader.ReadTable(def)
		if err != nil {
			return fmt.Errorf("dataset %s: read: %w", def.Name, err)
		}
	}
	var headerToHXL map[string]string
	if def.UseHXL {
		if err := c.applyHXL(table); err != nil {
			return err
		}
		headerToHXL = table.HXLRow
	}
	var allowList map[string][]string
	if def.ExternalFilter != nil {
		alr, ok := c.reader.(AllowListReader)
		if !ok {
			return fmt.Errorf("dataset %s: external filter configured but reader cannot fetch it", def.Name)
		}
		var err error
		allowList, err = alr.ReadAllowList(def.ExternalFilter, def.UseHXL)
		if err != nil {
			return fmt.Errorf("dataset %s: external filter: %w", def.Name, err)
		}
	}
	parser, err := NewRowParser(def, c.subsets, c.level, c.today, c.gaz, c.countryISO3s, table.Headers, headerToHXL, allowList, c.logger)
	if err != nil {
		return err
	}
	c.rowParser = parser
	rows, err := parser.FilterSortRows(table.Rows)
	if err != nil {
		return err
	}
	metrics.AddRowsProcessed(c.Name(), len(rows))
	return c.runScraper(rows)
}

// subsetAccum accumulates parsed values for one subset, preserving admin
// unit encounter order so output is deterministic.
type subsetAccum struct {
	plain    []map[string]any
	lists    []map[string][]any
	admOrder []string
	seen     map[string]struct{}
}

func newSubsetAccum(subset *Subset) *subsetAccum {
	a := &subsetAccum{seen: make(map[string]struct{})}
	switch subset.Mode.(type) {
	case SumOutput, ProcessOutput:
		a.lists = make([]map[string][]any, len(subset.InputCols))
		for i := range a.lists {
			a.lists[i] = make(map[string][]any)
		}
	default:
		a.plain = make([]map[string]any, len(subset.InputCols))
		for i := range a.plain {
			a.plain[i] = make(map[string]any)
		}
	}
	return a
}

func (a *subsetAccum) note(adm string) {
	if _, ok := a.seen[adm]; !ok {
		a.seen[adm] = struct{}{}
		a.admOrder = append(a.admOrder, adm)
	}
}

func (c *ConfigurableScraper) runScraper(rows []map[string]any) error {
	accums := make([]*subsetAccum, len(c.subsets))
	for i := range c.subsets {
		accums[i] = newSubsetAccum(&c.subsets[i])
	}

	for _, row := range rows {
		adm, process, err := c.rowParser.Parse(row)
		if err != nil {
			return err
		}
		if adm == "" {
			continue
		}
		for i := range c.subsets {
			if !process[i] {
				continue
			}
			subset := &c.subsets[i]
			accum := accums[i]
			accum.note(adm)
			for j, valcol := range subset.InputCols {
				val := RowValue(row, valcol)
				if tf, ok := subset.Transforms[valcol]; ok && !inIgnoreList(val, subset.InputIgnoreVals) {
					transformed, err := expr.Eval(tf.Node, bindSingle(valcol, val))
					if err != nil {
						return fmt.Errorf("dataset %s: transform %q: %w", c.Name(), tf.Source, err)
					}
					val = transformed
				}
				if accum.lists != nil {
					accum.lists[j][adm] = append(accum.lists[j][adm], val)
					continue
				}
				cur, exists := accum.plain[j][adm]
				switch {
				case exists && subset.Appends(valcol):
					val = appendValues(cur, val)
				case exists && subset.KeepsFirst(valcol):
					val = cur
				}
				accum.plain[j][adm] = val
			}
		}
	}

	values := c.Values(c.levelName)
	pos := 0
	for i := range c.subsets {
		subset := &c.subsets[i]
		accum := accums[i]
		switch mode := subset.Mode.(type) {
		case ProcessOutput:
			pos = c.runProcess(subset, mode, accum, values, pos)
		case SumOutput:
			pos = c.runSum(subset, mode, accum, values, pos)
		default:
			for j := range subset.InputCols {
				for _, adm := range accum.admOrder {
					value := accum.plain[j][adm]
					values[pos][adm] = value
					c.writePopulation(subset, j, adm, value)
				}
				pos++
			}
		}
	}
	return nil
}

// selectedValue picks the value used in process formulas for one input
// column: the first accumulated value for input_keep columns, otherwise
// the last.
func selectedValue(subset *Subset, accum *subsetAccum, j int, adm string) (any, bool) {
	vals := accum.lists[j][adm]
	if len(vals) == 0 {
		return nil, false
	}
	var val any
	if subset.KeepsFirst(subset.InputCols[j]) {
		val = vals[0]
	} else {
		val = vals[len(vals)-1]
	}
	if isEmptyValue(val) || inIgnoreList(val, subset.InputIgnoreVals) {
		return nil, false
	}
	return val, true
}

func (c *ConfigurableScraper) runProcess(subset *Subset, mode ProcessOutput, accum *subsetAccum, values []map[string]any, pos int) int {
	tracked := make(map[string]int, len(subset.InputCols))
	for j, col := range subset.InputCols {
		tracked[col] = j
	}
	for index, formula := range mode.Formulas {
		for _, adm := range accum.admOrder {
			populated := func(col string) bool {
				j, ok := tracked[col]
				if !ok {
					return false
				}
				_, ok = selectedValue(subset, accum, j, adm)
				return ok
			}
			isTracked := func(col string) bool {
				_, ok := tracked[col]
				return ok
			}
			var value any = NoData
			if expr.FormulaHasData(formula.Node, isTracked, populated) {
				resolve := func(name string) (any, bool) {
					if j, ok := tracked[name]; ok {
						val, ok := selectedValue(subset, accum, j, adm)
						if !ok {
							return int64(0), true
						}
						return Numeric(val), true
					}
					return c.resolvePopulation(subset, adm, name)
				}
				computed, err := expr.Eval(formula.Node, resolve)
				if err != nil {
					c.logger.Debug("process formula degraded to no data",
						zap.String("formula", formula.Source), zap.String("adm", adm), zap.Error(err))
				} else {
					value = computed
				}
			}
			values[pos][adm] = value
			c.writePopulation(subset, index, adm, value)
		}
		pos++
	}
	return pos
}

func (c *ConfigurableScraper) runSum(subset *Subset, mode SumOutput, accum *subsetAccum, values []map[string]any, pos int) int {
	for index, combo := range mode.Combos {
		sums := make([]map[string]any, len(subset.InputCols))
		for j := range sums {
			sums[j] = make(map[string]any)
		}
		for _, adm := range accum.admOrder {
			first := accum.lists[0][adm]
			for i := range first {
				exists := rowPopulated(subset, accum, adm, i)
				if combo.MustBePopulated && !exists {
					continue
				}
				for j := range accum.lists {
					vals := accum.lists[j][adm]
					if i >= len(vals) {
						continue
					}
					val := vals[i]
					if isEmptyValue(val) || inIgnoreList(val, subset.InputIgnoreVals) {
						continue
					}
					n := Numeric(val)
					if isEmptyValue(n) {
						continue
					}
					sums[j][adm] = addNumbers(sums[j][adm], n)
				}
			}
		}
		for _, adm := range accum.admOrder {
			resolve := func(name string) (any, bool) {
				for j, col := range subset.InputCols {
					if col == name {
						val, ok := sums[j][adm]
						return val, ok
					}
				}
				return c.resolvePopulation(subset, adm, name)
			}
			value, err := expr.Eval(combo.Node, resolve)
			if err != nil {
				value = NoData
			}
			values[pos][adm] = value
			c.writePopulation(subset, index, adm, value)
		}
		pos++
	}
	return pos
}

// rowPopulated reports whether the i-th accumulated row has a usable value
// in every input column.
func rowPopulated(subset *Subset, accum *subsetAccum, adm string, i int) bool {
	for j := range accum.lists {
		vals := accum.lists[j][adm]
		if i >= len(vals) {
			return false
		}
		if isEmptyValue(vals[i]) || inIgnoreList(vals[i], subset.InputIgnoreVals) {
			return false
		}
	}
	return true
}

// resolvePopulation resolves the #population variable in formulas from the
// shared lookup, keyed by the subset's population key or the admin unit.
func (c *ConfigurableScraper) resolvePopulation(subset *Subset, adm, name string) (any, bool) {
	if name != "#population" {
		return nil, false
	}
	key := adm
	if subset.PopulationKey != "" {
		key = subset.PopulationKey
	}
	n, ok := c.Population().Get(key)
	if !ok {
		return nil, false
	}
	return n, true
}

// writePopulation records a #population output column value in the shared
// lookup as soon as it is produced, so later subsets and scrapers can use
// it in formulas.
func (c *ConfigurableScraper) writePopulation(subset *Subset, index int, adm string, value any) {
	if isEmptyValue(value) || subset.OutputHXL[index] != "#population" {
		return
	}
	key := adm
	if subset.PopulationKey != "" {
		key = subset.PopulationKey
	}
	c.Population().Set(key, value)
}

// AddPopulation is a no-op: population output is recorded inline during
// subset processing.
func (c *ConfigurableScraper) AddPopulation() {}

// AddSources resolves attribution dates against the row parser's date
// watermark when the dataset takes its source date from a date column.
func (c *ConfigurableScraper) AddSources() error {
	var maxDate time.Time
	var ok bool
	if c.rowParser != nil {
		maxDate, ok = c.rowParser.MaxDate()
	}
	def := c.Definition()
	if def.NoSources {
		return nil
	}
	return c.addSourcesWithDate(func(hxltag string) (*DateRange, error) {
		return SourceDateUsed(def, hxltag, maxDate, ok, c.today)
	})
}

func bindSingle(name string, value any) expr.Resolver {
	return func(n string) (any, bool) {
		if n == name {
			return value, true
		}
		return nil, false
	}
}

// appendValues concatenates accumulated values the way input_append
// expects: strings join directly, numbers add.
func appendValues(cur, val any) any {
	_, curStr := cur.(string)
	_, valStr := val.(string)
	if curStr || valStr {
		return toString(cur) + toString(val)
	}
	return addNumbers(cur, val)
}
