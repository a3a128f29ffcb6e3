package framework

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubScraper is a hand built scraper whose behaviour tests inject.
type stubScraper struct {
	*BaseScraper
	run func(b *BaseScraper) error
}

func (s *stubScraper) Run() error {
	if s.run != nil {
		return s.run(s.BaseScraper)
	}
	return nil
}

func newStub(name string, headers map[string]*Headers, run func(b *BaseScraper) error) *stubScraper {
	return &stubScraper{
		BaseScraper: NewBaseScraper(name, nil, headers),
		run:         run,
	}
}

func nationalPopulationHeaders() map[string]*Headers {
	return map[string]*Headers{
		"national": NewHeaders([]string{"Population"}, []string{"#population"}),
	}
}

func newTestRunner() *Runner {
	return NewRunner([]string{"AFG", "PAK"}, testGazetteer(), &fakeReader{}, testToday, zap.NewNop())
}

func TestRunnerSchedulesDependenciesFirst(t *testing.T) {
	r := newTestRunner()
	var order []string
	record := func(name string) func(*BaseScraper) error {
		return func(*BaseScraper) error {
			order = append(order, name)
			return nil
		}
	}
	c := newStub("c", nationalPopulationHeaders(), record("c"))
	c.SetDependsOn("a")
	require.NoError(t, r.AddCustom(c))
	require.NoError(t, r.AddCustom(newStub("a", nationalPopulationHeaders(), record("a"))))
	require.NoError(t, r.AddCustom(newStub("b", nationalPopulationHeaders(), record("b"))))

	require.NoError(t, r.Run())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRunnerPrioritiseMovesToFront(t *testing.T) {
	r := newTestRunner()
	var order []string
	record := func(name string) func(*BaseScraper) error {
		return func(*BaseScraper) error {
			order = append(order, name)
			return nil
		}
	}
	require.NoError(t, r.AddCustom(newStub("a", nationalPopulationHeaders(), record("a"))))
	require.NoError(t, r.AddCustom(newStub("b", nationalPopulationHeaders(), record("b"))))
	r.Prioritise("b")

	require.NoError(t, r.Run())
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestRunnerDetectsDependencyCycle(t *testing.T) {
	r := newTestRunner()
	a := newStub("a", nationalPopulationHeaders(), nil)
	a.SetDependsOn("b")
	b := newStub("b", nationalPopulationHeaders(), nil)
	b.SetDependsOn("a")
	require.NoError(t, r.AddCustom(a))
	require.NoError(t, r.AddCustom(b))

	err := r.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestRunnerRejectsUnknownDependency(t *testing.T) {
	r := newTestRunner()
	a := newStub("a", nationalPopulationHeaders(), nil)
	a.SetDependsOn("ghost")
	require.NoError(t, r.AddCustom(a))

	err := r.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestRunnerRejectsUnregisteredPriority(t *testing.T) {
	r := newTestRunner()
	require.NoError(t, r.AddCustom(newStub("a", nationalPopulationHeaders(), nil)))
	r.Prioritise("ghost")
	assert.Error(t, r.Run())
}

func TestRunnerRejectsDuplicateRegistration(t *testing.T) {
	r := newTestRunner()
	require.NoError(t, r.AddCustom(newStub("a", nationalPopulationHeaders(), nil)))
	assert.Error(t, r.AddCustom(newStub("a", nationalPopulationHeaders(), nil)))
}

func TestRunnerScraperFilter(t *testing.T) {
	r := newTestRunner()
	var order []string
	record := func(name string) func(*BaseScraper) error {
		return func(*BaseScraper) error {
			order = append(order, name)
			return nil
		}
	}
	require.NoError(t, r.AddCustom(newStub("cases", nationalPopulationHeaders(), record("cases"))))
	require.NoError(t, r.AddCustom(newStub("deaths", nationalPopulationHeaders(), record("deaths"))))
	r.SetScrapersToRun([]string{"cas"})

	require.NoError(t, r.Run())
	assert.Equal(t, []string{"cases"}, order)
}

func TestRunnerSkipsAlreadyRun(t *testing.T) {
	r := newTestRunner()
	runs := 0
	require.NoError(t, r.AddCustom(newStub("a", nationalPopulationHeaders(), func(*BaseScraper) error {
		runs++
		return nil
	})))

	require.NoError(t, r.Run())
	require.NoError(t, r.Run())
	assert.Equal(t, 1, runs)

	r.SetNotRun("a")
	require.NoError(t, r.Run())
	assert.Equal(t, 2, runs)
}

func writeFallbackSnapshot(t *testing.T) string {
	t.Helper()
	snapshot := map[string]any{
		"national_data": []map[string]any{
			{"#country+code": "AFG", "#population": "38041754"},
			{"#country+code": "PAK", "#population": "54045420"},
		},
		"sources": []map[string]any{
			{"#indicator+name": "#population", "#date": "2020-09-01", "#meta+source": "World Bank", "#meta+url": "https://example.com/pop"},
		},
	}
	raw, err := json.Marshal(snapshot)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "fallbacks.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestRunnerSubstitutesFallbacks(t *testing.T) {
	r := newTestRunner()
	fallbacks, err := LoadFallbacks(writeFallbackSnapshot(t), nil, "", nil)
	require.NoError(t, err)
	r.SetFallbacks(fallbacks)

	broken := newStub("population", nationalPopulationHeaders(), func(*BaseScraper) error {
		return errFetch
	})
	require.NoError(t, r.AddCustom(broken))
	require.NoError(t, r.Run())

	base := broken.Base()
	assert.True(t, base.FallbacksUsed())
	assert.Equal(t, "38041754", base.Values("national")[0]["AFG"])
	assert.Equal(t, "54045420", base.Values("national")[0]["PAK"])

	sources := base.Sources("national")
	require.Len(t, sources, 1)
	assert.Equal(t, "World Bank", sources[0].Source)

	results := r.GetResults(nil, nil)
	require.Contains(t, results, "national")
	assert.Equal(t, []string{"population"}, results["national"].Fallbacks)

	// Fallback population figures still feed the shared lookup.
	pop, ok := r.Population().Get("AFG")
	require.True(t, ok)
	assert.Equal(t, int64(38041754), pop)
}

func TestRunnerFailureWithoutFallbacksIsFatal(t *testing.T) {
	r := newTestRunner()
	require.NoError(t, r.AddCustom(newStub("population", nationalPopulationHeaders(), func(*BaseScraper) error {
		return errFetch
	})))

	err := r.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, errFetch)
}

func TestRunnerFallbackIneligibleScraperFails(t *testing.T) {
	r := newTestRunner()
	fallbacks, err := LoadFallbacks(writeFallbackSnapshot(t), nil, "", nil)
	require.NoError(t, err)
	r.SetFallbacks(fallbacks)

	broken := newStub("population", nationalPopulationHeaders(), func(*BaseScraper) error {
		return errFetch
	})
	broken.SetCanFallback(false)
	require.NoError(t, r.AddCustom(broken))
	assert.Error(t, r.Run())
}

func TestRunnerGetResultsMergesCollidingColumns(t *testing.T) {
	r := newTestRunner()
	first := newStub("first", nationalPopulationHeaders(), func(b *BaseScraper) error {
		b.values["national"][0]["AFG"] = "1"
		return nil
	})
	second := newStub("second", nationalPopulationHeaders(), func(b *BaseScraper) error {
		b.values["national"][0]["AFG"] = "2"
		b.values["national"][0]["PAK"] = "3"
		return nil
	})
	require.NoError(t, r.AddCustom(first))
	require.NoError(t, r.AddCustom(second))
	require.NoError(t, r.Run())

	results := r.GetResults(nil, nil)
	lr := results["national"]
	require.NotNil(t, lr)
	require.Equal(t, 1, lr.Headers.Len())
	assert.Equal(t, "2", lr.Values[0]["AFG"])
	assert.Equal(t, "3", lr.Values[0]["PAK"])
}

func TestRunnerGetRows(t *testing.T) {
	r := newTestRunner()
	stub := newStub("population", nationalPopulationHeaders(), func(b *BaseScraper) error {
		b.values["national"][0]["AFG"] = "38041754"
		return nil
	})
	require.NoError(t, r.AddCustom(stub))
	require.NoError(t, r.Run())

	rows := r.GetRows("national", []string{"AFG", "PAK"}, []AdminColumn{ISO3Column()}, nil, nil)
	require.Len(t, rows, 4)
	assert.Equal(t, []any{"iso3", "Population"}, rows[0])
	assert.Equal(t, []any{"#country+code", "#population"}, rows[1])
	assert.Equal(t, []any{"AFG", "38041754"}, rows[2])
	assert.Equal(t, []any{"PAK", NoData}, rows[3])
}

func TestRunnerLevelOverrides(t *testing.T) {
	r := newTestRunner()
	stub := newStub("population", nationalPopulationHeaders(), func(b *BaseScraper) error {
		b.values["national"][0]["AFG"] = "38041754"
		return nil
	})
	require.NoError(t, r.AddCustom(stub))
	require.NoError(t, r.Run())

	renamed := r.GetResults(nil, map[string]map[string]string{"population": {"national": "countries"}})
	assert.Contains(t, renamed, "countries")
	assert.NotContains(t, renamed, "national")

	suppressed := r.GetResults(nil, map[string]map[string]string{"population": {}})
	assert.Empty(t, suppressed)
}

func TestRunnerGetSourcesWithAdditional(t *testing.T) {
	r := newTestRunner()
	stub := newStub("population", nationalPopulationHeaders(), func(b *BaseScraper) error {
		b.sources["national"] = []Source{{
			HXLTag: "#population",
			Date:   "2020-09-01",
			Source: "World Bank",
			URL:    "https://example.com/pop",
		}}
		return nil
	})
	require.NoError(t, r.AddCustom(stub))
	require.NoError(t, r.Run())

	additional := []AdditionalSource{
		{HXLTag: "#population+displaced", CopyFrom: "#population"},
		{HXLTag: "#access+constraints", Date: "2020-10-01", Source: "OCHA", URL: "https://example.com/access"},
	}
	sources := r.GetSources(nil, additional)
	require.Len(t, sources, 3)
	assert.Equal(t, "#population", sources[0].HXLTag)

	copied := sources[1]
	assert.Equal(t, "#population+displaced", copied.HXLTag)
	assert.Equal(t, "World Bank", copied.Source)
	assert.Equal(t, "2020-09-01", copied.Date)

	assert.Equal(t, "OCHA", sources[2].Source)
}

func TestRunnerGetSourceURLs(t *testing.T) {
	r := newTestRunner()
	a := newStub("a", nationalPopulationHeaders(), nil)
	a.def = &Definition{Name: "a", URL: "https://example.com/b.csv"}
	b := newStub("b", nationalPopulationHeaders(), nil)
	b.def = &Definition{Name: "b", URL: "https://example.com/a.csv"}
	require.NoError(t, r.AddCustom(a))
	require.NoError(t, r.AddCustom(b))
	require.NoError(t, r.Run())

	assert.Equal(t, []string{"https://example.com/a.csv", "https://example.com/b.csv"}, r.GetSourceURLs())
}

func TestRunnerValuesSourcesByKey(t *testing.T) {
	r := newTestRunner()
	stub := newStub("population", nationalPopulationHeaders(), func(b *BaseScraper) error {
		b.values["national"][0]["AFG"] = "38041754"
		b.sources["national"] = []Source{{HXLTag: "#population", Source: "World Bank"}}
		return nil
	})
	require.NoError(t, r.AddCustom(stub))
	require.NoError(t, r.Run())

	values, sources := r.ValuesSourcesByKey([]string{"population"}, "national", true)
	require.Contains(t, values, "#population")
	assert.Equal(t, "38041754", values["#population"]["AFG"])
	require.Contains(t, sources, "#population")
	assert.Equal(t, "World Bank", sources["#population"].Source)
}

func TestRunnerAggregatorEndToEnd(t *testing.T) {
	r := newTestRunner()
	stub := newStub("population", nationalPopulationHeaders(), func(b *BaseScraper) error {
		b.values["national"][0]["AFG"] = "38041754"
		b.values["national"][0]["PAK"] = "54045420"
		b.sources["national"] = []Source{{
			HXLTag: "#population",
			Date:   "2020-09-01",
			Source: "World Bank",
			URL:    "https://example.com/pop",
		}}
		return nil
	})
	require.NoError(t, r.AddCustom(stub))

	agg, err := r.AddAggregator(true, "#population", AggregationConfig{Action: "sum"}, "national", "global",
		TopLevelAdmAggregation([]string{"AFG", "PAK"}), []string{"population"})
	require.NoError(t, err)
	assert.Equal(t, []string{"population"}, agg.DependsOn())

	require.NoError(t, r.Run())
	assert.Equal(t, int64(92087174), agg.Values("global")[0]["value"])

	// Attribution copies through from the aggregated input column.
	results := r.GetResults(nil, nil)
	require.Contains(t, results, "global")
	require.Len(t, results["global"].Sources, 1)
	assert.Equal(t, "World Bank", results["global"].Sources[0].Source)

	rows := r.GetRows("global", []string{"value"}, []AdminColumn{{Header: "Population", HXLTag: "#population", Value: func(string) string { return "global" }}}, nil, nil)
	require.Len(t, rows, 3)
	assert.Equal(t, []any{"global", int64(92087174)}, rows[2])
}

func TestRunnerRunSubsetOnly(t *testing.T) {
	r := newTestRunner()
	var order []string
	record := func(name string) func(*BaseScraper) error {
		return func(*BaseScraper) error {
			order = append(order, name)
			return nil
		}
	}
	require.NoError(t, r.AddCustom(newStub("a", nationalPopulationHeaders(), record("a"))))
	require.NoError(t, r.AddCustom(newStub("b", nationalPopulationHeaders(), record("b"))))

	require.NoError(t, r.Run("b"))
	assert.Equal(t, []string{"b"}, order)
}
