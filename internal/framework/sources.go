package framework

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSourceDateFormat is used when a dataset does not specify one.
const DefaultSourceDateFormat = "2006-01-02"

// Source is one attribution row: the indicator's HXL hashtag, the date the
// data refers to, the publishing organisation and where it was obtained.
type Source struct {
	HXLTag string
	Date   string
	Source string
	URL    string
}

// SourceHeaders returns the canonical header row for source tabs.
func SourceHeaders() *Headers {
	return NewHeaders(
		[]string{"Indicator", "Date", "Source", "Url"},
		[]string{"#indicator+name", "#date", "#meta+source", "#meta+url"},
	)
}

// DateRange is a start/end pair for source attribution. Either bound may be
// zero, meaning unspecified.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// dateLayouts are tried in order when parsing dates from configuration and
// source rows.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"Jan 2, 2006",
	"02/01/2006",
	"2006",
}

// ParseDay parses a date string, trying a fixed list of layouts. Timezone
// information is discarded.
func ParseDay(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// SourceDates holds explicit source dates from configuration, either a
// single default range or a range per HXL hashtag. In YAML it accepts a
// scalar date, a {start, end} mapping, or a mapping from hashtags to either
// of those forms (with optional "default_date" entry).
type SourceDates struct {
	Default *DateRange
	ByTag   map[string]*DateRange
}

func (s *SourceDates) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		rng, err := decodeDateRange(value)
		if err != nil {
			return err
		}
		s.Default = rng
		return nil
	case yaml.MappingNode:
		// A bare {start, end} mapping is a default range. Anything else
		// is keyed by hashtag.
		if isRangeMapping(value) {
			rng, err := decodeDateRange(value)
			if err != nil {
				return err
			}
			s.Default = rng
			return nil
		}
		s.ByTag = make(map[string]*DateRange)
		for i := 0; i+1 < len(value.Content); i += 2 {
			key := value.Content[i].Value
			rng, err := decodeDateRange(value.Content[i+1])
			if err != nil {
				return fmt.Errorf("source date for %s: %w", key, err)
			}
			if key == "default_date" {
				s.Default = rng
			} else {
				s.ByTag[key] = rng
			}
		}
		return nil
	default:
		return fmt.Errorf("source_date: unsupported YAML node kind %d", value.Kind)
	}
}

func isRangeMapping(node *yaml.Node) bool {
	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if key != "start" && key != "end" {
			return false
		}
	}
	return len(node.Content) > 0
}

func decodeDateRange(node *yaml.Node) (*DateRange, error) {
	if node.Kind == yaml.ScalarNode {
		t, err := ParseDay(node.Value)
		if err != nil {
			return nil, err
		}
		return &DateRange{End: t}, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected date or start/end mapping")
	}
	rng := &DateRange{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		t, err := ParseDay(node.Content[i+1].Value)
		if err != nil {
			return nil, err
		}
		switch key {
		case "start":
			rng.Start = t
		case "end":
			rng.End = t
		default:
			return nil, fmt.Errorf("unexpected key %q in date range", key)
		}
	}
	return rng, nil
}

// Range returns the range for a hashtag, falling back to the default.
func (s *SourceDates) Range(hxltag string) *DateRange {
	if s == nil {
		return nil
	}
	if rng, ok := s.ByTag[hxltag]; ok {
		return rng
	}
	return s.Default
}

// Attribution holds a source name or URL from configuration: either a
// single value for all hashtags or a value per hashtag with an optional
// default under "default_source" / "default_url".
type Attribution struct {
	Default string
	ByTag   map[string]string
}

func (a *Attribution) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		a.Default = value.Value
		return nil
	case yaml.MappingNode:
		a.ByTag = make(map[string]string)
		for i := 0; i+1 < len(value.Content); i += 2 {
			key := value.Content[i].Value
			val := value.Content[i+1].Value
			if key == "default_source" || key == "default_url" {
				a.Default = val
			} else {
				a.ByTag[key] = val
			}
		}
		return nil
	default:
		return fmt.Errorf("attribution: unsupported YAML node kind %d", value.Kind)
	}
}

// IsSet reports whether any value was configured.
func (a *Attribution) IsSet() bool {
	return a != nil && (a.Default != "" || len(a.ByTag) > 0)
}

// For returns the configured value for a hashtag, falling back to the
// default.
func (a *Attribution) For(hxltag string) string {
	if a == nil {
		return ""
	}
	if v, ok := a.ByTag[hxltag]; ok {
		return v
	}
	return a.Default
}

// mergeSources merges additions into existing, deduplicating on hashtag.
// When overwrite is true a later source replaces an earlier one with the
// same hashtag; otherwise the first writer wins.
func mergeSources(existing []Source, additions []Source, overwrite bool) []Source {
	index := make(map[string]int, len(existing))
	for i, src := range existing {
		if _, ok := index[src.HXLTag]; !ok {
			index[src.HXLTag] = i
		}
	}
	for _, src := range additions {
		if i, ok := index[src.HXLTag]; ok {
			if overwrite {
				existing[i] = src
			}
			continue
		}
		index[src.HXLTag] = len(existing)
		existing = append(existing, src)
	}
	return existing
}
