package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relieftools/harvester/internal/framework"
	"github.com/relieftools/harvester/internal/gazetteer"
)

// Harvest is the harvest YAML: which datasets to scrape per admin level,
// how to roll results up, and the lookup tables runs depend on.
type Harvest struct {
	Countries         []string                     `yaml:"countries"`
	Gazetteer         GazetteerData                `yaml:"gazetteer"`
	National          DefinitionList               `yaml:"scraper_national"`
	Subnational       DefinitionList               `yaml:"scraper_subnational"`
	Single            DefinitionList               `yaml:"scraper_single"`
	TimeSeries        DefinitionList               `yaml:"scraper_timeseries"`
	Aggregations      []AggregationBlock           `yaml:"aggregation"`
	AdditionalSources []framework.AdditionalSource `yaml:"additional_sources"`
}

// GazetteerData is the country and admin1 lookup tables in YAML form.
type GazetteerData struct {
	Countries []CountryEntry `yaml:"countries"`
	Admin1    []Admin1Entry  `yaml:"admin1"`
}

// CountryEntry is one country lookup row.
type CountryEntry struct {
	ISO3    string   `yaml:"iso3"`
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// Admin1Entry is one subnational lookup row.
type Admin1Entry struct {
	PCode   string   `yaml:"pcode"`
	Name    string   `yaml:"name"`
	Country string   `yaml:"country"`
	Aliases []string `yaml:"aliases"`
}

// BuildTables converts the YAML lookup rows into gazetteer table types.
func (g GazetteerData) BuildTables() ([]gazetteer.Country, []gazetteer.AdminUnit) {
	countries := make([]gazetteer.Country, len(g.Countries))
	for i, c := range g.Countries {
		countries[i] = gazetteer.Country{ISO3: c.ISO3, Name: c.Name, Aliases: c.Aliases}
	}
	admins := make([]gazetteer.AdminUnit, len(g.Admin1))
	for i, a := range g.Admin1 {
		admins[i] = gazetteer.AdminUnit{
			PCode:       a.PCode,
			Name:        a.Name,
			CountryISO3: a.Country,
			Aliases:     a.Aliases,
		}
	}
	return countries, admins
}

// DefinitionList preserves the YAML mapping order of named dataset
// definitions, since registration order decides scheduling ties.
type DefinitionList []*framework.Definition

func (l *DefinitionList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of scraper definitions", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		def := &framework.Definition{}
		if err := node.Content[i+1].Decode(def); err != nil {
			return fmt.Errorf("scraper %s: %w", node.Content[i].Value, err)
		}
		def.Name = node.Content[i].Value
		*l = append(*l, def)
	}
	return nil
}

// AggregationBlock rolls columns up from one level to another.
type AggregationBlock struct {
	InputLevel  string                          `yaml:"input"`
	OutputLevel string                          `yaml:"output"`
	UseHXL      bool                            `yaml:"use_hxl"`
	Names       []string                        `yaml:"names"`
	AdmMapping  map[string]framework.StringList `yaml:"adm_mapping"`
	Entries     AggregationEntries              `yaml:"entries"`
}

// AdmAggregation converts the configured admin mapping, defaulting to a
// top level roll up over the given admins when no mapping is configured.
func (b AggregationBlock) AdmAggregation(adms []string) framework.AdmAggregation {
	if len(b.AdmMapping) == 0 {
		return framework.TopLevelAdmAggregation(adms)
	}
	agg := make(framework.AdmAggregation, len(b.AdmMapping))
	for input, outputs := range b.AdmMapping {
		agg[input] = outputs
	}
	return agg
}

// AggregationEntry binds one input header or hashtag to its roll up.
type AggregationEntry struct {
	HeaderOrTag string
	Config      framework.AggregationConfig
}

// AggregationEntries preserves YAML mapping order.
type AggregationEntries []AggregationEntry

func (e *AggregationEntries) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of aggregation entries", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var cfg framework.AggregationConfig
		if err := node.Content[i+1].Decode(&cfg); err != nil {
			return fmt.Errorf("aggregation %s: %w", node.Content[i].Value, err)
		}
		*e = append(*e, AggregationEntry{HeaderOrTag: node.Content[i].Value, Config: cfg})
	}
	return nil
}

// LoadHarvest reads and decodes the harvest YAML.
func LoadHarvest(path string) (*Harvest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read harvest config: %w", err)
	}
	var h Harvest
	if err := yaml.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode harvest config %s: %w", path, err)
	}
	if len(h.Countries) == 0 {
		return nil, fmt.Errorf("harvest config %s: countries must be set", path)
	}
	return &h, nil
}
