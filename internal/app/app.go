// Package app initializes and holds long-lived application services and
// drives harvest runs end to end.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/relieftools/harvester/internal/api"
	"github.com/relieftools/harvester/internal/config"
	"github.com/relieftools/harvester/internal/framework"
	"github.com/relieftools/harvester/internal/gazetteer"
	"github.com/relieftools/harvester/internal/metrics"
	"github.com/relieftools/harvester/internal/output"
	"github.com/relieftools/harvester/internal/reader"
)

// App holds the shared services a harvest needs: configuration, the
// harvest definitions, lookup tables and the table reader. Each call to
// Harvest builds a fresh Runner so runs stay independent.
type App struct {
	cfg     config.Config
	harvest *config.Harvest
	gaz     *gazetteer.Gazetteer
	reader  *reader.Reader
	logger  *zap.Logger

	// newSink is swappable in tests.
	newSink func(ctx context.Context) (output.Sink, error)
}

// New loads the harvest configuration and initializes services.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	harvest, err := config.LoadHarvest(cfg.Run.HarvestPath)
	if err != nil {
		return nil, err
	}
	countries, admins := harvest.Gazetteer.BuildTables()
	gaz := gazetteer.New(countries, admins, logger)

	opts := []reader.Option{
		reader.WithUserAgent(cfg.HTTP.UserAgent),
		reader.WithTimeout(cfg.FetchTimeout()),
	}
	if cfg.HTTP.BasicAuthUser != "" {
		opts = append(opts, reader.WithBasicAuth(cfg.HTTP.BasicAuthUser, cfg.HTTP.BasicAuthPass))
	}

	a := &App{
		cfg:     cfg,
		harvest: harvest,
		gaz:     gaz,
		reader:  reader.New(logger, opts...),
		logger:  logger,
	}
	a.newSink = a.buildSink
	return a, nil
}

// buildSink assembles the configured destinations into one sink.
func (a *App) buildSink(ctx context.Context) (output.Sink, error) {
	var sinks []output.Sink
	if a.cfg.Output.ExcelPath != "" {
		sinks = append(sinks, output.NewExcelSink(a.cfg.Output.ExcelPath))
	}
	if a.cfg.Output.JSONPath != "" {
		sinks = append(sinks, output.NewJSONSink(a.cfg.Output.JSONPath))
	}
	if a.cfg.Output.Postgres {
		pg, err := output.NewPostgresSink(ctx, a.cfg.DB.DSN)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	if len(sinks) == 0 {
		return output.NoopSink{}, nil
	}
	return output.NewMultiSink(sinks...), nil
}

// Harvest runs the configured scrapers, writes all output tabs and
// returns the run's provenance. An empty scrapers slice runs everything.
func (a *App) Harvest(ctx context.Context, scrapers []string) (api.RunReport, error) {
	runner := framework.NewRunner(a.harvest.Countries, a.gaz, a.reader, a.cfg.TodayOrNow(), a.logger)
	if a.cfg.Run.FallbacksPath != "" {
		fb, err := framework.LoadFallbacks(a.cfg.Run.FallbacksPath, nil, "", nil)
		if err != nil {
			return api.RunReport{}, fmt.Errorf("load fallbacks: %w", err)
		}
		runner.SetFallbacks(fb)
	}

	sink, err := a.newSink(ctx)
	if err != nil {
		return api.RunReport{}, err
	}
	defer sink.Close()

	if err := a.registerScrapers(runner, sink); err != nil {
		return api.RunReport{}, err
	}

	runner.SetScrapersToRun(a.cfg.Run.ScrapersToRun)
	if len(a.cfg.Run.Prioritised) > 0 {
		runner.Prioritise(a.cfg.Run.Prioritised...)
	}
	if err := runner.Run(scrapers...); err != nil {
		return api.RunReport{}, err
	}

	if err := a.writeTabs(runner, sink); err != nil {
		return api.RunReport{}, err
	}
	if err := sink.Save(); err != nil {
		return api.RunReport{}, err
	}

	sources := runner.GetSources(nil, a.harvest.AdditionalSources)
	report := api.RunReport{
		Sources:    sources,
		SourceURLs: runner.GetSourceURLs(),
	}
	for _, lr := range runner.GetResults(nil, nil) {
		report.Fallbacks = append(report.Fallbacks, lr.Fallbacks...)
	}
	sort.Strings(report.Fallbacks)
	return report, nil
}

func (a *App) registerScrapers(runner *framework.Runner, sink output.Sink) error {
	if err := runner.AddConfigurables(a.harvest.National, "national"); err != nil {
		return err
	}
	if err := runner.AddConfigurables(a.harvest.Subnational, "subnational"); err != nil {
		return err
	}
	if err := runner.AddConfigurables(a.harvest.Single, "single"); err != nil {
		return err
	}
	if err := runner.AddTimeSeries(a.harvest.TimeSeries, []framework.TabWriter{sink}); err != nil {
		return err
	}
	for _, block := range a.harvest.Aggregations {
		admAgg := block.AdmAggregation(a.admsForLevel(block.InputLevel, nil))
		for _, entry := range block.Entries {
			if _, err := runner.AddAggregator(
				block.UseHXL,
				entry.HeaderOrTag,
				entry.Config,
				block.InputLevel,
				block.OutputLevel,
				admAgg,
				block.Names,
			); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeTabs renders every level present in the merged results as a tab,
// then the provenance tab.
func (a *App) writeTabs(runner *framework.Runner, sink output.Sink) error {
	results := runner.GetResults(nil, nil)
	levels := make([]string, 0, len(results))
	for level := range results {
		levels = append(levels, level)
	}
	sort.Strings(levels)
	for _, level := range levels {
		adms := a.admsForLevel(level, results[level])
		if err := output.WriteLevel(sink, runner, level, level, adms, admColumns(level), nil, nil); err != nil {
			return fmt.Errorf("write tab %s: %w", level, err)
		}
	}
	sources := runner.GetSources(nil, a.harvest.AdditionalSources)
	if err := output.WriteSources(sink, a.cfg.Output.SourcesTab, sources); err != nil {
		return fmt.Errorf("write sources tab: %w", err)
	}
	return nil
}

// admsForLevel picks the admin units rows are keyed by at one level:
// configured countries nationally, gazetteer pcodes subnationally, and
// whatever keys the results carry elsewhere.
func (a *App) admsForLevel(level string, lr *framework.LevelResults) []string {
	switch level {
	case "national":
		return a.harvest.Countries
	case "subnational":
		return a.gaz.PCodes()
	}
	if lr == nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, valdict := range lr.Values {
		for adm := range valdict {
			seen[adm] = true
		}
	}
	adms := make([]string, 0, len(seen))
	for adm := range seen {
		adms = append(adms, adm)
	}
	sort.Strings(adms)
	return adms
}

func admColumns(level string) []framework.AdminColumn {
	switch level {
	case "national":
		return []framework.AdminColumn{framework.ISO3Column()}
	case "subnational":
		return []framework.AdminColumn{
			{Header: "pcode", HXLTag: "#adm1+code", Value: func(adm string) string { return adm }},
		}
	default:
		if level == "" {
			level = "value"
		}
		header := strings.ToUpper(level[:1]) + level[1:]
		return []framework.AdminColumn{
			{Header: header, HXLTag: "#" + level + "+name", Value: func(adm string) string { return adm }},
		}
	}
}
