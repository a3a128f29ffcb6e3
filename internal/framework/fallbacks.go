package framework

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultLevelsMapping maps levels to the keys their data sits under in a
// fallbacks snapshot, which is usually the previous run's JSON output.
var DefaultLevelsMapping = map[string]string{
	"global":      "global_data",
	"regional":    "regional_data",
	"national":    "national_data",
	"subnational": "subnational_data",
}

// DefaultAdminNameMapping gives the column identifying the admin unit in
// each level's fallback rows.
var DefaultAdminNameMapping = map[string]string{
	"global":      "value",
	"regional":    "#region+name",
	"national":    "#country+code",
	"subnational": "#adm1+code",
}

type fallbackLevel struct {
	data     []map[string]any
	adminKey string
	sources  []Source
}

// Fallbacks serves values and sources from a previous run's snapshot when
// a scraper fails. A runner holds at most one.
type Fallbacks struct {
	levels map[string]fallbackLevel
}

// LoadFallbacks reads a JSON snapshot. levelsMapping, sourcesKey and
// adminNameMapping default to the conventional snapshot layout when zero
// valued.
func LoadFallbacks(path string, levelsMapping map[string]string, sourcesKey string, adminNameMapping map[string]string) (*Fallbacks, error) {
	if levelsMapping == nil {
		levelsMapping = DefaultLevelsMapping
	}
	if sourcesKey == "" {
		sourcesKey = "sources"
	}
	if adminNameMapping == nil {
		adminNameMapping = DefaultAdminNameMapping
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fallbacks: %w", err)
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode fallbacks: %w", err)
	}
	var sourceRows []map[string]any
	if rawSources, ok := snapshot[sourcesKey]; ok {
		if err := json.Unmarshal(rawSources, &sourceRows); err != nil {
			return nil, fmt.Errorf("decode fallback sources: %w", err)
		}
	}
	sources := make([]Source, 0, len(sourceRows))
	for _, row := range sourceRows {
		sources = append(sources, Source{
			HXLTag: toString(row["#indicator+name"]),
			Date:   toString(row["#date"]),
			Source: toString(row["#meta+source"]),
			URL:    toString(row["#meta+url"]),
		})
	}
	f := &Fallbacks{levels: make(map[string]fallbackLevel, len(levelsMapping))}
	for level, key := range levelsMapping {
		rawData, ok := snapshot[key]
		if !ok {
			continue
		}
		var rows []map[string]any
		if err := json.Unmarshal(rawData, &rows); err != nil {
			return nil, fmt.Errorf("decode fallback data for %s: %w", level, err)
		}
		f.levels[level] = fallbackLevel{
			data:     rows,
			adminKey: adminNameMapping[level],
			sources:  sources,
		}
	}
	return f, nil
}

// Get extracts fallback values and sources for the given headers at one
// level. Every output column receives a dictionary so the value/header
// length invariant holds even when the snapshot lacks some hashtags.
func (f *Fallbacks) Get(level string, headers *Headers) ([]map[string]any, []Source, error) {
	valdicts := make([]map[string]any, headers.Len())
	for i := range valdicts {
		valdicts[i] = make(map[string]any)
	}
	fb, ok := f.levels[level]
	if !ok {
		return valdicts, nil, fmt.Errorf("no fallbacks for level %s", level)
	}
	for _, row := range fb.data {
		admKey := fb.adminKey
		if admKey == "" {
			return nil, nil, fmt.Errorf("no admin column configured for level %s", level)
		}
		if admKey != "value" {
			admKey = toString(row[admKey])
			if admKey == "" {
				continue
			}
		}
		for i, hxltag := range headers.HXLTags {
			if val, exists := row[hxltag]; exists && val != nil {
				valdicts[i][admKey] = val
			}
		}
	}
	var sources []Source
	for _, src := range fb.sources {
		if headers.IndexOfTag(src.HXLTag) >= 0 {
			sources = append(sources, src)
		}
	}
	return valdicts, sources, nil
}
