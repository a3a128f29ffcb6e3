package framework

import (
	"fmt"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/relieftools/harvester/internal/expr"
)

// StringList accepts either a YAML scalar or a sequence of scalars.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		out := make(StringList, 0, len(value.Content))
		for _, item := range value.Content {
			out = append(out, item.Value)
		}
		*s = out
		return nil
	default:
		return fmt.Errorf("expected string or list of strings")
	}
}

// SortSpec orders input rows by the given keys before processing.
type SortSpec struct {
	Keys    []string `yaml:"keys"`
	Reverse bool     `yaml:"reverse"`
}

// FlattenSpec turns a wide layout into a long one. Original names a column
// pattern containing an incrementing number template such as
// "Cases {{1}}"; New is the output column each expansion is written to.
// ExtraCol optionally records the expanded column name itself.
type FlattenSpec struct {
	Original string `yaml:"original"`
	New      string `yaml:"new"`
	ExtraCol string `yaml:"extracol"`
}

// ExternalFilter restricts rows to admin units listed in a separate
// HXL-tagged file.
type ExternalFilter struct {
	URL     string   `yaml:"url"`
	HXLTags []string `yaml:"hxl"`
}

// SumSpec is one sum combination: a formula over summed input columns and
// whether every input column must be populated for a row to count.
type SumSpec struct {
	Formula         string `yaml:"formula"`
	MustBePopulated bool   `yaml:"mustbepopulated"`
}

// SubsetConfig is the raw YAML form of one subset of a dataset.
type SubsetConfig struct {
	Filter          string            `yaml:"filter"`
	PopulationKey   string            `yaml:"population_key"`
	Input           []string          `yaml:"input"`
	Transform       map[string]string `yaml:"transform"`
	InputIgnoreVals []string          `yaml:"input_ignore_vals"`
	InputKeep       []string          `yaml:"input_keep"`
	InputAppend     []string          `yaml:"input_append"`
	Sum             []SumSpec         `yaml:"sum"`
	Process         []string          `yaml:"process"`
	Output          []string          `yaml:"output"`
	OutputHXL       []string          `yaml:"output_hxl"`
}

// Definition is one dataset's scraper configuration as loaded from YAML.
// A definition either carries subset fields inline (the common single
// subset case) or an explicit subsets list.
type Definition struct {
	Name string `yaml:"-"`

	// Acquisition.
	URL       string `yaml:"url"`
	Format    string `yaml:"format"`
	Sheet     string `yaml:"sheet"`
	HeaderRow int    `yaml:"headers"`
	UseHXL    bool   `yaml:"use_hxl"`

	// Attribution.
	Source                 Attribution       `yaml:"source"`
	SourceURL              Attribution       `yaml:"source_url"`
	SourceDate             *SourceDates      `yaml:"source_date"`
	SourceDateFormat       string            `yaml:"source_date_format"`
	ForceDateToday         bool              `yaml:"force_date_today"`
	UseDateFromDateCol     bool              `yaml:"use_date_from_date_col"`
	ShouldOverwriteSources *bool             `yaml:"should_overwrite_sources"`
	NoSources              bool              `yaml:"no_sources"`
	SuffixAttribute        string            `yaml:"suffix_attribute"`
	AdminSources           bool              `yaml:"admin_sources"`
	AdminMapping           map[string]string `yaml:"admin_mapping"`

	// Admin resolution.
	Admin       []StringList `yaml:"admin"`
	AdminExact  bool         `yaml:"admin_exact"`
	AdminSingle string       `yaml:"admin_single"`
	AdminFilter []StringList `yaml:"admin_filter"`

	// Dates.
	DateCol          StringList `yaml:"date"`
	DateType         string     `yaml:"date_type"`
	DateLevel        string     `yaml:"date_level"`
	DateHXL          string     `yaml:"date_hxl"`
	IgnoreFutureDate *bool      `yaml:"ignore_future_date"`
	SingleMaxDate    bool       `yaml:"single_maxdate"`
	MaxDateOnly      *bool      `yaml:"max_date_only"`

	// Row shaping.
	Sort           *SortSpec         `yaml:"sort"`
	StopRow        map[string]string `yaml:"stop_row"`
	Flatten        []FlattenSpec     `yaml:"flatten"`
	Prefilter      string            `yaml:"prefilter"`
	FilterCols     []string          `yaml:"filter_cols"`
	ExternalFilter *ExternalFilter   `yaml:"external_filter"`

	// HXL-driven column discovery.
	ExcludeTags []string `yaml:"exclude_tags"`
	FindTags    *bool    `yaml:"find_tags"`
	IncludeDate bool     `yaml:"include_date"`

	// Inline single subset.
	SubsetConfig `yaml:",inline"`
	// Explicit multi-subset form.
	Subsets []SubsetConfig `yaml:"subsets"`
}

// SubsetConfigs returns the dataset's subsets: the explicit list if given,
// otherwise the inline fields as a single subset.
func (d *Definition) SubsetConfigs() []SubsetConfig {
	if len(d.Subsets) > 0 {
		return d.Subsets
	}
	if len(d.Input) > 0 {
		return []SubsetConfig{d.SubsetConfig}
	}
	return nil
}

// OverwriteSources reports whether this dataset's sources may replace ones
// already recorded under the same hashtag. Defaults to true.
func (d *Definition) OverwriteSources() bool {
	if d.ShouldOverwriteSources == nil {
		return true
	}
	return *d.ShouldOverwriteSources
}

// MaxDateOnlyEnabled reports whether only the latest dated value per admin
// unit is kept. Defaults to true.
func (d *Definition) MaxDateOnlyEnabled() bool {
	if d.MaxDateOnly == nil {
		return true
	}
	return *d.MaxDateOnly
}

// FutureDatesIgnored defaults to true.
func (d *Definition) FutureDatesIgnored() bool {
	if d.IgnoreFutureDate == nil {
		return true
	}
	return *d.IgnoreFutureDate
}

// DateFormat returns the configured source date format converted to a Go
// layout, defaulting to ISO dates.
func (d *Definition) DateFormat() string {
	if d.SourceDateFormat == "" {
		return DefaultSourceDateFormat
	}
	return d.SourceDateFormat
}

// Clone returns a deep copy of the definition so per-run mutation (such as
// recording the source date actually used) never leaks into shared
// configuration.
func (d *Definition) Clone() (*Definition, error) {
	out := &Definition{}
	if err := mergo.Merge(out, d, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("clone definition %s: %w", d.Name, err)
	}
	out.Name = d.Name
	return out, nil
}

// OutputMode is the tagged union of the three subset output behaviours.
type OutputMode interface{ isOutputMode() }

// PlainOutput copies accumulated input values straight to output columns.
type PlainOutput struct{}

// SumOutput sums accumulated values per admin unit and evaluates one
// formula per output column.
type SumOutput struct {
	Combos []SumCombo
}

// SumCombo pairs a parsed formula with its population requirement.
type SumCombo struct {
	Formula         string
	Node            expr.Node
	MustBePopulated bool
}

// ProcessOutput evaluates one formula per output column over the selected
// value of each input column.
type ProcessOutput struct {
	Formulas []CompiledFormula
}

// CompiledFormula keeps the source text alongside the parsed tree for
// error reporting.
type CompiledFormula struct {
	Source string
	Node   expr.Node
}

func (PlainOutput) isOutputMode()   {}
func (SumOutput) isOutputMode()     {}
func (ProcessOutput) isOutputMode() {}

// Subset is a compiled, validated subset ready for row processing.
type Subset struct {
	Filter          string
	PopulationKey   string
	FilterNode      expr.Node
	InputCols       []string
	Transforms      map[string]CompiledFormula
	InputIgnoreVals []string
	InputKeep       []string
	InputAppend     []string
	Mode            OutputMode
	OutputCols      []string
	OutputHXL       []string
}

// KeepsFirst reports whether col retains its first seen value instead of
// the last.
func (s *Subset) KeepsFirst(col string) bool {
	for _, c := range s.InputKeep {
		if c == col {
			return true
		}
	}
	return false
}

// Appends reports whether values for col accumulate space-separated.
func (s *Subset) Appends(col string) bool {
	for _, c := range s.InputAppend {
		if c == col {
			return true
		}
	}
	return false
}

// NeedsSortedDates reports whether correctness of this subset depends on
// row order when a date column is in play.
func (s *Subset) NeedsSortedDates() bool {
	switch s.Mode.(type) {
	case SumOutput, ProcessOutput:
		return true
	}
	return len(s.InputAppend) > 0
}

// CompileSubsets validates and compiles every subset of a definition.
func CompileSubsets(d *Definition) ([]Subset, error) {
	configs := d.SubsetConfigs()
	if len(configs) == 0 {
		return nil, fmt.Errorf("dataset %s: no input columns or subsets configured", d.Name)
	}
	subsets := make([]Subset, 0, len(configs))
	for i, cfg := range configs {
		subset, err := compileSubset(cfg)
		if err != nil {
			return nil, fmt.Errorf("dataset %s subset %d: %w", d.Name, i, err)
		}
		subsets = append(subsets, subset)
	}
	return subsets, nil
}

func compileSubset(cfg SubsetConfig) (Subset, error) {
	s := Subset{
		Filter:          cfg.Filter,
		PopulationKey:   cfg.PopulationKey,
		InputCols:       cfg.Input,
		InputIgnoreVals: cfg.InputIgnoreVals,
		InputKeep:       cfg.InputKeep,
		InputAppend:     cfg.InputAppend,
		OutputCols:      cfg.Output,
		OutputHXL:       cfg.OutputHXL,
	}
	if len(cfg.Input) == 0 {
		return s, fmt.Errorf("no input columns")
	}
	if len(cfg.Output) != len(cfg.OutputHXL) {
		return s, fmt.Errorf("output has %d columns but output_hxl has %d", len(cfg.Output), len(cfg.OutputHXL))
	}
	if cfg.Filter != "" {
		node, err := expr.Parse(cfg.Filter)
		if err != nil {
			return s, fmt.Errorf("filter %q: %w", cfg.Filter, err)
		}
		s.FilterNode = node
	}
	if len(cfg.Transform) > 0 {
		s.Transforms = make(map[string]CompiledFormula, len(cfg.Transform))
		for col, formula := range cfg.Transform {
			node, err := expr.Parse(formula)
			if err != nil {
				return s, fmt.Errorf("transform for %s: %w", col, err)
			}
			s.Transforms[col] = CompiledFormula{Source: formula, Node: node}
		}
	}
	switch {
	case len(cfg.Sum) > 0 && len(cfg.Process) > 0:
		return s, fmt.Errorf("sum and process are mutually exclusive")
	case len(cfg.Sum) > 0:
		if len(cfg.Sum) != len(cfg.Output) {
			return s, fmt.Errorf("sum has %d formulas but output has %d columns", len(cfg.Sum), len(cfg.Output))
		}
		combos := make([]SumCombo, 0, len(cfg.Sum))
		for _, spec := range cfg.Sum {
			node, err := expr.Parse(spec.Formula)
			if err != nil {
				return s, fmt.Errorf("sum formula %q: %w", spec.Formula, err)
			}
			combos = append(combos, SumCombo{
				Formula:         spec.Formula,
				Node:            node,
				MustBePopulated: spec.MustBePopulated,
			})
		}
		s.Mode = SumOutput{Combos: combos}
	case len(cfg.Process) > 0:
		if len(cfg.Process) != len(cfg.Output) {
			return s, fmt.Errorf("process has %d formulas but output has %d columns", len(cfg.Process), len(cfg.Output))
		}
		formulas := make([]CompiledFormula, 0, len(cfg.Process))
		for _, formula := range cfg.Process {
			node, err := expr.Parse(formula)
			if err != nil {
				return s, fmt.Errorf("process formula %q: %w", formula, err)
			}
			formulas = append(formulas, CompiledFormula{Source: formula, Node: node})
		}
		s.Mode = ProcessOutput{Formulas: formulas}
	default:
		if len(cfg.Input) != len(cfg.Output) {
			return s, fmt.Errorf("input has %d columns but output has %d", len(cfg.Input), len(cfg.Output))
		}
		s.Mode = PlainOutput{}
	}
	return s, nil
}

// SourceDateUsed resolves the date recorded against a hashtag's source row.
// use_date_from_date_col takes the date column watermark; otherwise an
// explicit configured date wins; otherwise today. force_date_today pins
// the default to today even when a configured date exists.
func SourceDateUsed(d *Definition, hxltag string, maxDate time.Time, maxDateOK bool, today time.Time) (*DateRange, error) {
	if d.UseDateFromDateCol {
		if !maxDateOK {
			return nil, fmt.Errorf("dataset %s: no dated rows to take source date from", d.Name)
		}
		return &DateRange{End: maxDate}, nil
	}
	if !d.ForceDateToday {
		if rng := d.SourceDate.Range(hxltag); rng != nil {
			return rng, nil
		}
	}
	return &DateRange{End: today}, nil
}
