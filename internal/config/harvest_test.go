package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/relieftools/harvester/internal/framework"
)

const harvestYAML = `
countries: [AFG, PSE]
gazetteer:
  countries:
    - iso3: AFG
      name: Afghanistan
    - iso3: PSE
      name: State of Palestine
      aliases: [oPt, occupied Palestinian territory]
  admin1:
    - pcode: AF01
      name: Kabul
      country: AFG
scraper_national:
  population:
    source: World Bank
    url: tests/fixtures/population.csv
    format: csv
    use_hxl: true
    input: ["#population"]
    output: [Population]
    output_hxl: ["#population"]
  who_covid:
    source: WHO
    url: tests/fixtures/who.csv
    format: csv
    headers: 1
    admin: ["#country+code"]
    input: [cases]
    output: [Cases]
    output_hxl: ["#affected+infected"]
aggregation:
  - input: national
    output: regional
    use_hxl: true
    entries:
      "#population":
        action: sum
      "#affected+infected":
        action: mean
additional_sources:
  - indicator: "#food-prices"
    source: WFP
    source_url: https://example.org/food
    date: "2020-09-01"
`

func writeHarvest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(harvestYAML), 0o600))
	return path
}

func TestLoadHarvestPreservesOrder(t *testing.T) {
	h, err := LoadHarvest(writeHarvest(t))
	require.NoError(t, err)

	require.Len(t, h.National, 2)
	assert.Equal(t, "population", h.National[0].Name)
	assert.Equal(t, "who_covid", h.National[1].Name)
	assert.Equal(t, []string{"Population"}, []string(h.National[0].Output))

	require.Len(t, h.Aggregations, 1)
	block := h.Aggregations[0]
	assert.Equal(t, "national", block.InputLevel)
	require.Len(t, block.Entries, 2)
	assert.Equal(t, "#population", block.Entries[0].HeaderOrTag)
	assert.Equal(t, "sum", block.Entries[0].Config.Action)
	assert.Equal(t, "#affected+infected", block.Entries[1].HeaderOrTag)

	require.Len(t, h.AdditionalSources, 1)
	assert.Equal(t, "#food-prices", h.AdditionalSources[0].HXLTag)
}

func TestLoadHarvestGazetteerTables(t *testing.T) {
	h, err := LoadHarvest(writeHarvest(t))
	require.NoError(t, err)

	countries, admins := h.Gazetteer.BuildTables()
	require.Len(t, countries, 2)
	assert.Equal(t, "PSE", countries[1].ISO3)
	assert.Contains(t, countries[1].Aliases, "oPt")
	require.Len(t, admins, 1)
	assert.Equal(t, "AF01", admins[0].PCode)
	assert.Equal(t, "AFG", admins[0].CountryISO3)
}

func TestAggregationBlockAdmMapping(t *testing.T) {
	var block AggregationBlock
	// A source admin may roll up into several outputs at once.
	require.NoError(t, yaml.Unmarshal([]byte(`
input: national
output: regional
adm_mapping:
  AFG: ROAP
  PSE: [ROMENA, global]
entries:
  "#population":
    action: sum
`), &block))

	agg := block.AdmAggregation([]string{"AFG", "PSE"})
	assert.Equal(t, framework.AdmAggregation{
		"AFG": {"ROAP"},
		"PSE": {"ROMENA", "global"},
	}, agg)
}

func TestAggregationBlockAdmMappingDefaultsToTopLevel(t *testing.T) {
	var block AggregationBlock
	agg := block.AdmAggregation([]string{"AFG", "PSE"})
	assert.Equal(t, framework.AdmAggregation{
		"AFG": {"value"},
		"PSE": {"value"},
	}, agg)
}

func TestLoadHarvestRequiresCountries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scraper_national: {}\n"), 0o600))
	_, err := LoadHarvest(path)
	assert.ErrorContains(t, err, "countries")
}
