package framework

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relieftools/harvester/internal/gazetteer"
	"github.com/relieftools/harvester/internal/metrics"
)

// Runner owns the scraper registry, schedules execution respecting
// declared dependencies, substitutes fallbacks on failure and merges
// results across scrapers for reporting.
type Runner struct {
	countryISO3s []string
	gaz          *gazetteer.Gazetteer
	reader       TableReader
	today        time.Time

	population *PopulationLookup
	fallbacks  *Fallbacks

	scrapers    map[string]Scraper
	order       []string
	prioritised []string
	// Substring filters restricting which registered scrapers run.
	scrapersToRun []string

	aggregators []*Aggregator

	logger *zap.Logger
}

// NewRunner builds a runner scoped to the given countries and reference
// date. The population lookup is created fresh per runner so runs never
// contaminate each other.
func NewRunner(countryISO3s []string, gaz *gazetteer.Gazetteer, reader TableReader, today time.Time, logger *zap.Logger) *Runner {
	return &Runner{
		countryISO3s: countryISO3s,
		gaz:          gaz,
		reader:       reader,
		today:        today,
		population:   NewPopulationLookup(),
		scrapers:     make(map[string]Scraper),
		logger:       logger,
	}
}

// Population exposes the run scoped population lookup.
func (r *Runner) Population() *PopulationLookup { return r.population }

// SetFallbacks installs a last known good snapshot consulted when a
// scraper fails. Without one, scraper failures are fatal.
func (r *Runner) SetFallbacks(f *Fallbacks) { r.fallbacks = f }

// SetScrapersToRun restricts Run to scrapers whose names contain one of
// the given substrings.
func (r *Runner) SetScrapersToRun(filters []string) { r.scrapersToRun = filters }

// Prioritise splices the named scrapers to the front of the run order.
func (r *Runner) Prioritise(names ...string) { r.prioritised = names }

// AddCustom registers a hand built scraper.
func (r *Runner) AddCustom(scraper Scraper) error {
	return r.register(scraper)
}

func (r *Runner) register(scraper Scraper) error {
	name := scraper.Name()
	if _, exists := r.scrapers[name]; exists {
		return fmt.Errorf("scraper %s already registered", name)
	}
	scraper.Base().SetPopulation(r.population)
	scraper.Base().SetToday(r.today)
	r.scrapers[name] = scraper
	r.order = append(r.order, name)
	return nil
}

// AddConfigurable compiles one definition at the given level and
// registers it.
func (r *Runner) AddConfigurable(def *Definition, level, levelName string) (*ConfigurableScraper, error) {
	scraper, err := NewConfigurableScraper(def, level, levelName, r.countryISO3s, r.gaz, r.reader, r.today, r.logger)
	if err != nil {
		return nil, err
	}
	if err := r.register(scraper); err != nil {
		return nil, err
	}
	return scraper, nil
}

// AddConfigurables registers a list of definitions at one level.
func (r *Runner) AddConfigurables(defs []*Definition, level string) error {
	for _, def := range defs {
		if _, err := r.AddConfigurable(def, level, ""); err != nil {
			return err
		}
	}
	return nil
}

// AddTimeSeries registers time series definitions writing to the given
// outputs.
func (r *Runner) AddTimeSeries(defs []*Definition, outputs []TabWriter) error {
	for _, def := range defs {
		scraper, err := NewTimeSeries(def, r.reader, r.today, outputs)
		if err != nil {
			return err
		}
		if err := r.register(scraper); err != nil {
			return err
		}
	}
	return nil
}

// AddAggregator registers an aggregation of the named scrapers' output
// from inputLevel to outputLevel. The aggregator declares those scrapers
// as dependencies so scheduling orders it after them; its input values
// are gathered just before it runs.
func (r *Runner) AddAggregator(
	useHXL bool,
	headerOrTag string,
	cfg AggregationConfig,
	inputLevel string,
	outputLevel string,
	admAgg AdmAggregation,
	names []string,
) (*Aggregator, error) {
	if names == nil {
		names = r.order
	}
	inputHeaders := r.mergedHeaders(names, inputLevel)
	agg, err := NewAggregator(useHXL, headerOrTag, cfg, inputLevel, outputLevel, admAgg, inputHeaders, nil, r.aggregators, nil, r.logger)
	if err != nil {
		return nil, err
	}
	agg.SetDependsOn(names...)
	if err := r.register(agg); err != nil {
		return nil, err
	}
	r.aggregators = append(r.aggregators, agg)
	return agg, nil
}

// Scraper looks a registered scraper up, or nil.
func (r *Runner) Scraper(name string) Scraper { return r.scrapers[name] }

// mustScraper panics on unknown names; querying an unregistered scraper
// is a programming error.
func (r *Runner) mustScraper(name string) Scraper {
	scraper, ok := r.scrapers[name]
	if !ok {
		panic(fmt.Sprintf("no such scraper %s", name))
	}
	return scraper
}

// scheduled returns the execution order: prioritised names first, then
// registration order, topologically sorted so dependencies run before
// dependents. A dependency cycle or unknown dependency is a
// configuration error.
func (r *Runner) scheduled() ([]string, error) {
	priority := make([]string, 0, len(r.order))
	inPriority := make(map[string]bool, len(r.prioritised))
	for _, name := range r.prioritised {
		if _, ok := r.scrapers[name]; !ok {
			return nil, fmt.Errorf("prioritised scraper %s not registered", name)
		}
		if !inPriority[name] {
			inPriority[name] = true
			priority = append(priority, name)
		}
	}
	for _, name := range r.order {
		if !inPriority[name] {
			priority = append(priority, name)
		}
	}

	indegree := make(map[string]int, len(priority))
	dependents := make(map[string][]string)
	for _, name := range priority {
		deps := r.scrapers[name].Base().DependsOn()
		for _, dep := range deps {
			if _, ok := r.scrapers[dep]; !ok {
				return nil, fmt.Errorf("scraper %s depends on unregistered scraper %s", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	scheduled := make([]string, 0, len(priority))
	done := make(map[string]bool, len(priority))
	for len(scheduled) < len(priority) {
		progressed := false
		for _, name := range priority {
			if done[name] || indegree[name] > 0 {
				continue
			}
			done[name] = true
			scheduled = append(scheduled, name)
			for _, dependent := range dependents[name] {
				indegree[dependent]--
			}
			progressed = true
		}
		if !progressed {
			var remaining []string
			for _, name := range priority {
				if !done[name] {
					remaining = append(remaining, name)
				}
			}
			return nil, fmt.Errorf("dependency cycle among scrapers: %s", strings.Join(remaining, ", "))
		}
	}
	return scheduled, nil
}

// selectedToRun applies the substring filters.
func (r *Runner) selectedToRun(name string) bool {
	if len(r.scrapersToRun) == 0 {
		return true
	}
	for _, filter := range r.scrapersToRun {
		if strings.Contains(name, filter) {
			return true
		}
	}
	return false
}

// Run executes every registered scraper in dependency order. whatToRun,
// when non empty, restricts execution to those names (their dependencies
// must already have run or also be listed).
func (r *Runner) Run(whatToRun ...string) error {
	scheduled, err := r.scheduled()
	if err != nil {
		return err
	}
	only := make(map[string]bool, len(whatToRun))
	for _, name := range whatToRun {
		only[name] = true
	}
	for _, name := range scheduled {
		if len(only) > 0 && !only[name] {
			continue
		}
		if !r.selectedToRun(name) {
			continue
		}
		if err := r.RunOne(name, false); err != nil {
			return err
		}
	}
	return nil
}

// RunOne executes one scraper through the full lifecycle: pre-run, run,
// sources, source URLs, population. On failure the fallback snapshot is
// substituted wholesale per level; with no snapshot, a fallback
// ineligible scraper or empty headers the error is fatal.
func (r *Runner) RunOne(name string, force bool) error {
	scraper := r.scrapers[name]
	if scraper == nil {
		return fmt.Errorf("no such scraper %s", name)
	}
	base := scraper.Base()
	if base.HasRun() && !force {
		return nil
	}
	r.logger.Info("running scraper", zap.String("scraper", name))
	err := r.lifecycle(scraper)
	if err == nil {
		metrics.ScraperRun(name, "ok")
		base.SetHasRun(true)
		r.logger.Info("processed", zap.String("scraper", name))
		return nil
	}
	if r.fallbacks == nil || !base.CanFallback() || emptyHeaders(base) {
		metrics.ScraperRun(name, "error")
		return fmt.Errorf("scraper %s: %w", name, err)
	}
	r.logger.Warn("using fallbacks", zap.String("scraper", name), zap.Error(err))
	for _, level := range base.Levels() {
		values, sources, fberr := r.fallbacks.Get(level, base.Headers(level))
		if fberr != nil {
			metrics.ScraperRun(name, "error")
			return fmt.Errorf("scraper %s: %w (fallbacks also failed: %v)", name, err, fberr)
		}
		base.values[level] = values
		base.sources[level] = sources
	}
	base.AddPopulation()
	base.setFallbacksUsed(true)
	base.SetHasRun(true)
	if hook, ok := scraper.(FallbackHook); ok {
		hook.RunAfterFallbacks()
	}
	metrics.ScraperRun(name, "fallback")
	return nil
}

type preRunner interface {
	PreRun(r *Runner) error
}

func (r *Runner) lifecycle(scraper Scraper) error {
	if pre, ok := scraper.(preRunner); ok {
		if err := pre.PreRun(r); err != nil {
			return err
		}
	}
	if err := scraper.Run(); err != nil {
		return err
	}
	if err := scraper.AddSources(); err != nil {
		return err
	}
	scraper.Base().AddSourceURLs()
	scraper.AddPopulation()
	if post, ok := scraper.(PostRunner); ok {
		if err := post.PostRun(); err != nil {
			return err
		}
	}
	return nil
}

func emptyHeaders(base *BaseScraper) bool {
	for _, level := range base.Levels() {
		if base.Headers(level).Len() > 0 {
			return false
		}
	}
	return true
}

// SetNotRun resets a scraper so the next Run executes it again.
func (r *Runner) SetNotRun(name string) {
	r.mustScraper(name).Base().SetHasRun(false)
}

// SetNotRunMany resets several scrapers.
func (r *Runner) SetNotRunMany(names ...string) {
	for _, name := range names {
		r.SetNotRun(name)
	}
}

// selectNames returns the given names or, when empty, every registered
// scraper in registration order.
func (r *Runner) selectNames(names []string) []string {
	if len(names) > 0 {
		return names
	}
	return r.order
}

// outputLevel resolves a scraper's declared level to its reporting level.
// With an override mapping for the scraper, levels absent from the
// mapping are suppressed.
func outputLevel(overrides map[string]map[string]string, name, level string) (string, bool) {
	byScraper, ok := overrides[name]
	if !ok {
		return level, true
	}
	mapped, ok := byScraper[level]
	return mapped, ok
}

// LevelResults is the merged output of several scrapers at one level.
type LevelResults struct {
	Headers   *Headers
	Values    []map[string]any
	Sources   []Source
	Fallbacks []string
}

// GetResults merges headers, values and sources of the selected (run)
// scrapers, keyed by output level. When two scrapers emit the same HXL
// hashtag at one level the later scraper's values merge into the earlier
// column, overwriting colliding admin keys, rather than duplicating the
// column.
func (r *Runner) GetResults(names []string, overrides map[string]map[string]string) map[string]*LevelResults {
	results := make(map[string]*LevelResults)
	for _, name := range r.selectNames(names) {
		scraper := r.mustScraper(name)
		base := scraper.Base()
		if !base.HasRun() {
			continue
		}
		for _, level := range base.Levels() {
			out, ok := outputLevel(overrides, name, level)
			if !ok {
				continue
			}
			lr := results[out]
			if lr == nil {
				lr = &LevelResults{Headers: &Headers{}}
				results[out] = lr
			}
			headers := base.Headers(level)
			values := base.Values(level)
			for i, hxltag := range headers.HXLTags {
				existing := lr.Headers.IndexOfTag(hxltag)
				if existing >= 0 {
					for adm, val := range values[i] {
						lr.Values[existing][adm] = val
					}
					continue
				}
				lr.Headers.Append(headers.Columns[i], hxltag)
				merged := make(map[string]any, len(values[i]))
				for adm, val := range values[i] {
					merged[adm] = val
				}
				lr.Values = append(lr.Values, merged)
			}
			lr.Sources = mergeSources(lr.Sources, base.Sources(level), r.overwritePolicy(scraper))
			if base.FallbacksUsed() {
				lr.Fallbacks = append(lr.Fallbacks, name)
			}
		}
	}
	return results
}

func (r *Runner) overwritePolicy(scraper Scraper) bool {
	def := scraper.Base().Definition()
	if def == nil {
		return true
	}
	if !def.OverwriteSources() {
		return false
	}
	return true
}

// GetHeaders merges headers of the selected scrapers per output level.
func (r *Runner) GetHeaders(names []string, overrides map[string]map[string]string) map[string]*Headers {
	merged := make(map[string]*Headers)
	for _, name := range r.selectNames(names) {
		base := r.mustScraper(name).Base()
		if !base.HasRun() {
			continue
		}
		for _, level := range base.Levels() {
			out, ok := outputLevel(overrides, name, level)
			if !ok {
				continue
			}
			headers := base.Headers(level)
			accum := merged[out]
			if accum == nil {
				accum = &Headers{}
				merged[out] = accum
			}
			for i, hxltag := range headers.HXLTags {
				if accum.IndexOfTag(hxltag) < 0 {
					accum.Append(headers.Columns[i], hxltag)
				}
			}
		}
	}
	return merged
}

// mergedHeaders merges the declared headers of the named scrapers at one
// level regardless of run state, used to shape aggregators at
// registration time.
func (r *Runner) mergedHeaders(names []string, level string) *Headers {
	merged := &Headers{}
	for _, name := range names {
		scraper, ok := r.scrapers[name]
		if !ok {
			continue
		}
		headers := scraper.Base().Headers(level)
		if headers == nil {
			continue
		}
		for i, hxltag := range headers.HXLTags {
			if merged.IndexOfTag(hxltag) < 0 {
				merged.Append(headers.Columns[i], hxltag)
			}
		}
	}
	return merged
}

// AdminColumn describes one leading identity column of a row matrix.
type AdminColumn struct {
	Header string
	HXLTag string
	Value  func(adm string) string
}

// ISO3Column is the conventional leading column for national rows.
func ISO3Column() AdminColumn {
	return AdminColumn{Header: "iso3", HXLTag: "#country+code", Value: func(adm string) string { return adm }}
}

// GetRows renders merged results at one level as a row matrix: a header
// row, a HXL hashtag row and one row per admin unit, leading identity
// columns first. Missing values render as the no data sentinel.
func (r *Runner) GetRows(level string, adms []string, admCols []AdminColumn, names []string, overrides map[string]map[string]string) [][]any {
	results := r.GetResults(names, overrides)
	lr := results[level]
	if lr == nil {
		return nil
	}
	headerRow := make([]any, 0, len(admCols)+lr.Headers.Len())
	hxlRow := make([]any, 0, cap(headerRow))
	for _, col := range admCols {
		headerRow = append(headerRow, col.Header)
		hxlRow = append(hxlRow, col.HXLTag)
	}
	for i := range lr.Headers.Columns {
		headerRow = append(headerRow, lr.Headers.Columns[i])
		hxlRow = append(hxlRow, lr.Headers.HXLTags[i])
	}
	rows := [][]any{headerRow, hxlRow}
	for _, adm := range adms {
		row := make([]any, 0, cap(headerRow))
		for _, col := range admCols {
			row = append(row, col.Value(adm))
		}
		for _, valdict := range lr.Values {
			val, ok := valdict[adm]
			if !ok {
				val = NoData
			}
			row = append(row, val)
		}
		rows = append(rows, row)
	}
	return rows
}

// AdditionalSource supplements the merged source list from configuration:
// either a fully specified attribution row or a copy of an existing
// hashtag's attribution under a new hashtag.
type AdditionalSource struct {
	HXLTag   string `yaml:"indicator"`
	Date     string `yaml:"date"`
	Source   string `yaml:"source"`
	URL      string `yaml:"source_url"`
	CopyFrom string `yaml:"copy"`
}

// GetSources merges attribution rows across the selected scrapers and all
// their levels, deduplicating per hashtag, then applies any additional
// sources.
func (r *Runner) GetSources(names []string, additional []AdditionalSource) []Source {
	var merged []Source
	for _, name := range r.selectNames(names) {
		scraper := r.mustScraper(name)
		base := scraper.Base()
		if !base.HasRun() {
			continue
		}
		overwrite := r.overwritePolicy(scraper)
		levels := base.Levels()
		sort.Strings(levels)
		for _, level := range levels {
			merged = mergeSources(merged, base.Sources(level), overwrite)
		}
		// Tab keyed sources from scrapers without level output.
		for key, sources := range base.sources {
			found := false
			for _, level := range levels {
				if key == level {
					found = true
					break
				}
			}
			if !found {
				merged = mergeSources(merged, sources, overwrite)
			}
		}
	}
	for _, add := range additional {
		src := Source{HXLTag: add.HXLTag, Date: add.Date, Source: add.Source, URL: add.URL}
		if add.CopyFrom != "" {
			for _, existing := range merged {
				if existing.HXLTag == add.CopyFrom {
					if src.Date == "" {
						src.Date = existing.Date
					}
					if src.Source == "" {
						src.Source = existing.Source
					}
					if src.URL == "" {
						src.URL = existing.URL
					}
					break
				}
			}
		}
		merged = mergeSources(merged, []Source{src}, true)
	}
	return merged
}

// GetSourceURLs returns the union of source URLs across selected run
// scrapers, sorted.
func (r *Runner) GetSourceURLs(names ...string) []string {
	set := make(map[string]struct{})
	for _, name := range r.selectNames(names) {
		base := r.mustScraper(name).Base()
		if !base.HasRun() {
			continue
		}
		for _, url := range base.SourceURLs() {
			set[url] = struct{}{}
		}
	}
	urls := make([]string, 0, len(set))
	for url := range set {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// ValuesSourcesByKey returns, for the named (run) scrapers at one level,
// each output column's admin keyed values and attribution, keyed by
// header or HXL hashtag. Aggregators use it to gather their inputs.
func (r *Runner) ValuesSourcesByKey(names []string, level string, useHXL bool) (map[string]map[string]any, map[string]*Source) {
	values := make(map[string]map[string]any)
	sources := make(map[string]*Source)
	for _, name := range r.selectNames(names) {
		base := r.mustScraper(name).Base()
		if !base.HasRun() {
			continue
		}
		headers := base.Headers(level)
		if headers == nil {
			continue
		}
		levelValues := base.Values(level)
		for i := range headers.HXLTags {
			key := headers.Columns[i]
			if useHXL {
				key = headers.HXLTags[i]
			}
			if _, ok := values[key]; !ok {
				values[key] = make(map[string]any)
			}
			for adm, val := range levelValues[i] {
				values[key][adm] = val
			}
			for _, src := range base.Sources(level) {
				if src.HXLTag == headers.HXLTags[i] {
					copySrc := src
					sources[key] = &copySrc
					break
				}
			}
		}
	}
	return values, sources
}
