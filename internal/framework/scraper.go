package framework

import (
	"strings"
	"time"
)

// Scraper is anything the runner can schedule: configurable dataset
// scrapers, aggregators, time series and hand-written scrapers all
// implement it by embedding BaseScraper.
type Scraper interface {
	Name() string
	Base() *BaseScraper
	Run() error
	AddSources() error
	AddPopulation()
}

// PostRunner is implemented by scrapers needing work after a successful
// run.
type PostRunner interface {
	PostRun() error
}

// FallbackHook is implemented by scrapers needing work after fallbacks
// were substituted for their output.
type FallbackHook interface {
	RunAfterFallbacks()
}

// BaseScraper carries the state every scraper shares: per level headers,
// the per level value dictionaries paired to them, attribution rows and
// run bookkeeping.
type BaseScraper struct {
	name string
	def  *Definition

	headers map[string]*Headers
	// One dictionary per output column, admin code to value, index
	// aligned with the level's headers.
	values  map[string][]map[string]any
	sources map[string][]Source

	sourceURLs map[string]struct{}

	population *PopulationLookup
	today      time.Time

	dependsOn     []string
	hasRun        bool
	fallbacksUsed bool
	canFallback   bool
}

// NewBaseScraper builds the shared state. headers maps level names to
// their output columns; value dictionaries are allocated to match.
func NewBaseScraper(name string, def *Definition, headers map[string]*Headers) *BaseScraper {
	b := &BaseScraper{
		name:        name,
		def:         def,
		headers:     headers,
		sourceURLs:  make(map[string]struct{}),
		canFallback: true,
	}
	b.initValuesSources()
	return b
}

// initValuesSources (re)allocates the value and source containers. Called
// at construction and before a rerun so stale output never leaks through.
func (b *BaseScraper) initValuesSources() {
	b.values = make(map[string][]map[string]any, len(b.headers))
	b.sources = make(map[string][]Source, len(b.headers))
	for level, hdrs := range b.headers {
		dicts := make([]map[string]any, hdrs.Len())
		for i := range dicts {
			dicts[i] = make(map[string]any)
		}
		b.values[level] = dicts
		b.sources[level] = nil
	}
}

func (b *BaseScraper) Name() string            { return b.name }
func (b *BaseScraper) Base() *BaseScraper      { return b }
func (b *BaseScraper) Definition() *Definition { return b.def }

// Headers returns the output columns for a level, or nil if the scraper
// does not produce that level.
func (b *BaseScraper) Headers(level string) *Headers { return b.headers[level] }

// Levels returns every level this scraper outputs.
func (b *BaseScraper) Levels() []string {
	levels := make([]string, 0, len(b.headers))
	for level := range b.headers {
		levels = append(levels, level)
	}
	return levels
}

// Values returns the per column value dictionaries for a level.
func (b *BaseScraper) Values(level string) []map[string]any { return b.values[level] }

// Sources returns the attribution rows for a level.
func (b *BaseScraper) Sources(level string) []Source { return b.sources[level] }

func (b *BaseScraper) HasRun() bool            { return b.hasRun }
func (b *BaseScraper) SetHasRun(v bool)        { b.hasRun = v }
func (b *BaseScraper) FallbacksUsed() bool     { return b.fallbacksUsed }
func (b *BaseScraper) setFallbacksUsed(v bool) { b.fallbacksUsed = v }
func (b *BaseScraper) CanFallback() bool       { return b.canFallback }
func (b *BaseScraper) SetCanFallback(v bool)   { b.canFallback = v }

// DependsOn lists scrapers that must run before this one.
func (b *BaseScraper) DependsOn() []string          { return b.dependsOn }
func (b *BaseScraper) SetDependsOn(names ...string) { b.dependsOn = names }

// SetToday pins the reference date used for source attribution.
func (b *BaseScraper) SetToday(today time.Time) { b.today = today }

// SetPopulation injects the run's shared population lookup.
func (b *BaseScraper) SetPopulation(p *PopulationLookup) { b.population = p }

// Population returns the injected lookup, allocating an isolated one if
// the scraper runs outside a runner.
func (b *BaseScraper) Population() *PopulationLookup {
	if b.population == nil {
		b.population = NewPopulationLookup()
	}
	return b.population
}

// AddSources records one attribution row per output hashtag at every
// level, resolving source name, URL and date from configuration. With
// suffix_attribute each hashtag is suffixed; with admin_sources one row
// per admin unit is written instead, suffixed with the (mapped) code.
func (b *BaseScraper) AddSources() error {
	if b.def == nil || b.def.NoSources {
		return nil
	}
	return b.addSourcesWithDate(func(hxltag string) (*DateRange, error) {
		return SourceDateUsed(b.def, hxltag, time.Time{}, false, b.today)
	})
}

func (b *BaseScraper) addSourcesWithDate(dateFor func(hxltag string) (*DateRange, error)) error {
	def := b.def
	format := def.DateFormat()
	for level, hdrs := range b.headers {
		var rows []Source
		for i, hxltag := range hdrs.HXLTags {
			rng, err := dateFor(hxltag)
			if err != nil {
				return err
			}
			date := rng.End.Format(format)
			name := def.Source.For(hxltag)
			url := def.SourceURL.For(hxltag)
			if url == "" {
				url = def.URL
			}
			switch {
			case def.AdminSources:
				for adm := range b.values[level][i] {
					mapped := adm
					if m, ok := def.AdminMapping[adm]; ok {
						mapped = m
					}
					rows = append(rows, Source{
						HXLTag: hxltag + "+" + strings.ToLower(mapped),
						Date:   date,
						Source: name,
						URL:    url,
					})
				}
			case def.SuffixAttribute != "":
				rows = append(rows, Source{
					HXLTag: hxltag + "+" + def.SuffixAttribute,
					Date:   date,
					Source: name,
					URL:    url,
				})
			default:
				rows = append(rows, Source{HXLTag: hxltag, Date: date, Source: name, URL: url})
			}
		}
		b.sources[level] = rows
	}
	return nil
}

// AddHXLTagSource records a single attribution row under an arbitrary key,
// used by scrapers whose output is not level shaped (time series tabs).
func (b *BaseScraper) AddHXLTagSource(key, hxltag string) error {
	rng, err := SourceDateUsed(b.def, hxltag, time.Time{}, false, b.today)
	if err != nil {
		return err
	}
	b.sources[key] = append(b.sources[key], Source{
		HXLTag: hxltag,
		Date:   rng.End.Format(b.def.DateFormat()),
		Source: b.def.Source.For(hxltag),
		URL:    b.def.SourceURL.For(hxltag),
	})
	return nil
}

// AddSourceURLs collects the dataset's source URLs for reporting.
func (b *BaseScraper) AddSourceURLs() {
	if b.def == nil {
		return
	}
	if b.def.SourceURL.Default != "" {
		b.sourceURLs[b.def.SourceURL.Default] = struct{}{}
	}
	for _, url := range b.def.SourceURL.ByTag {
		b.sourceURLs[url] = struct{}{}
	}
	if len(b.sourceURLs) == 0 && b.def.URL != "" {
		b.sourceURLs[b.def.URL] = struct{}{}
	}
}

// SourceURLs returns the collected URLs.
func (b *BaseScraper) SourceURLs() []string {
	urls := make([]string, 0, len(b.sourceURLs))
	for url := range b.sourceURLs {
		urls = append(urls, url)
	}
	return urls
}

// AddPopulation copies any #population output column into the shared
// population lookup. A single aggregate value keyed "value" is stored
// under the configured population key, or the level name.
func (b *BaseScraper) AddPopulation() {
	lookup := b.Population()
	for level, hdrs := range b.headers {
		idx := hdrs.IndexOfTag("#population")
		if idx < 0 {
			continue
		}
		values := b.values[level][idx]
		if v, ok := values["value"]; ok && len(values) == 1 {
			key := level
			if b.def != nil && b.def.SubsetConfig.PopulationKey != "" {
				key = b.def.SubsetConfig.PopulationKey
			}
			lookup.Set(key, v)
			continue
		}
		for adm, v := range values {
			lookup.Set(adm, v)
		}
	}
}
