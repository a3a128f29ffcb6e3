package framework

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/relieftools/harvester/internal/expr"
)

// AdmAggregation maps input admin codes to the output admin units they
// roll up into, e.g. {"AFG": ["ROAP"], "MMR": ["ROAP"]}.
type AdmAggregation map[string][]string

// TopLevelAdmAggregation maps every input admin to the single "value" key
// used by top level output.
func TopLevelAdmAggregation(adms []string) AdmAggregation {
	agg := make(AdmAggregation, len(adms))
	for _, adm := range adms {
		agg[adm] = []string{"value"}
	}
	return agg
}

// AggregationAction is the tagged union of supported roll up behaviours.
type AggregationAction interface{ isAggregationAction() }

// SumAction totals input values.
type SumAction struct{}

// MeanAction averages input values, keeping integer exactness when the
// total divides evenly.
type MeanAction struct{}

// RangeAction renders "min-max" across input values.
type RangeAction struct{}

// EvalAction computes a formula over other aggregators' outputs.
type EvalAction struct {
	Formula       string
	Node          expr.Node
	PopulationKey string
}

func (SumAction) isAggregationAction()   {}
func (MeanAction) isAggregationAction()  {}
func (RangeAction) isAggregationAction() {}
func (EvalAction) isAggregationAction()  {}

// ParseAggregationAction compiles an action name (and formula for eval)
// from configuration. Unknown actions are configuration errors.
func ParseAggregationAction(action, formula, populationKey string) (AggregationAction, error) {
	switch action {
	case "sum":
		return SumAction{}, nil
	case "mean":
		return MeanAction{}, nil
	case "range":
		return RangeAction{}, nil
	case "eval":
		if formula == "" {
			return nil, fmt.Errorf("eval action requires a formula")
		}
		node, err := expr.Parse(formula)
		if err != nil {
			return nil, fmt.Errorf("eval formula %q: %w", formula, err)
		}
		return EvalAction{Formula: formula, Node: node, PopulationKey: populationKey}, nil
	default:
		return nil, fmt.Errorf("unknown aggregation action %q", action)
	}
}

// AggregationConfig is the YAML form of one cross level aggregation.
type AggregationConfig struct {
	Input         StringList   `yaml:"input"`
	Output        string       `yaml:"output"`
	Rename        string       `yaml:"rename"`
	Action        string       `yaml:"action"`
	Formula       string       `yaml:"formula"`
	PopulationKey string       `yaml:"population_key"`
	Source        Attribution  `yaml:"source"`
	SourceURL     Attribution  `yaml:"source_url"`
	SourceDate    *SourceDates `yaml:"source_date"`
}

// Aggregator rolls one column up from an input level to an output level.
type Aggregator struct {
	*BaseScraper

	inputLevel  string
	outputLevel string
	action      AggregationAction
	inputKeys   []string
	admAgg      AdmAggregation
	inputValues map[string]map[string]any
	useHXL      bool
	peers       []*Aggregator
	sourceInfo  *Source
	logger      *zap.Logger
}

// NewAggregator builds one aggregator. headerOrTag selects the input
// column by header (or by HXL hashtag when useHXL). inputValues maps each
// header or hashtag to its admin keyed values at the input level.
// peers are previously built aggregators whose outputs eval formulas may
// reference. sourceInfo optionally carries the attribution of the input
// column for copy through.
func NewAggregator(
	useHXL bool,
	headerOrTag string,
	cfg AggregationConfig,
	inputLevel string,
	outputLevel string,
	admAgg AdmAggregation,
	inputHeaders *Headers,
	inputValues map[string]map[string]any,
	peers []*Aggregator,
	sourceInfo *Source,
	logger *zap.Logger,
) (*Aggregator, error) {
	main := inputHeaders.Columns
	other := inputHeaders.HXLTags
	if useHXL {
		main, other = other, main
	}
	indexOf := func(key string) int {
		for i, v := range main {
			if v == key {
				return i
			}
		}
		return -1
	}
	name := slugify(headerOrTag) + "_" + outputLevel

	inputKeys := []string(cfg.Input)
	output := cfg.Output
	if len(inputKeys) > 0 {
		for _, key := range inputKeys {
			if indexOf(key) < 0 {
				return nil, fmt.Errorf("aggregator %s: %s not found in %s input", name, key, inputLevel)
			}
		}
		if output == "" {
			return nil, fmt.Errorf("aggregator %s: output required with explicit input", name)
		}
	} else {
		idx := indexOf(headerOrTag)
		if idx < 0 {
			return nil, fmt.Errorf("aggregator %s: %s not found in %s input", name, headerOrTag, inputLevel)
		}
		inputKeys = []string{headerOrTag}
		if cfg.Rename != "" {
			headerOrTag = cfg.Rename
		}
		if output == "" {
			output = other[idx]
		}
	}

	var headers *Headers
	if useHXL {
		headers = NewHeaders([]string{output}, []string{headerOrTag})
	} else {
		headers = NewHeaders([]string{headerOrTag}, []string{output})
	}

	action, err := ParseAggregationAction(cfg.Action, cfg.Formula, cfg.PopulationKey)
	if err != nil {
		return nil, fmt.Errorf("aggregator %s: %w", name, err)
	}

	def := &Definition{
		Name:       name,
		Source:     cfg.Source,
		SourceURL:  cfg.SourceURL,
		SourceDate: cfg.SourceDate,
	}
	a := &Aggregator{
		inputLevel:  inputLevel,
		outputLevel: outputLevel,
		action:      action,
		inputKeys:   inputKeys,
		admAgg:      admAgg,
		inputValues: inputValues,
		useHXL:      useHXL,
		peers:       peers,
		sourceInfo:  sourceInfo,
		logger:      logger.With(zap.String("scraper", name)),
	}
	a.BaseScraper = NewBaseScraper(name, def, map[string]*Headers{outputLevel: headers})
	return a, nil
}

// PreRun gathers input values and attribution from the scrapers this
// aggregator depends on, just before it runs.
func (a *Aggregator) PreRun(r *Runner) error {
	if a.inputValues != nil {
		return nil
	}
	values, sources := r.ValuesSourcesByKey(a.DependsOn(), a.inputLevel, a.useHXL)
	a.inputValues = values
	if a.sourceInfo == nil && len(a.inputKeys) == 1 {
		a.sourceInfo = sources[a.inputKeys[0]]
	}
	return nil
}

// OutputLevel returns the level this aggregator writes to.
func (a *Aggregator) OutputLevel() string { return a.outputLevel }

// OutputKey returns the header or HXL hashtag the output is known by,
// matching the key space of the inputs.
func (a *Aggregator) OutputKey() string {
	hdrs := a.Headers(a.outputLevel)
	if a.useHXL {
		return hdrs.HXLTags[0]
	}
	return hdrs.Columns[0]
}

// Run gathers each input admin's value into its output admins, then
// applies the action. An (output, input) admin pair contributes at most
// once however many input columns carry it.
func (a *Aggregator) Run() error {
	collected := make(map[string][]any)
	var order []string
	found := make(map[string]struct{})
	for _, key := range a.inputKeys {
		values, ok := a.inputValues[key]
		if !ok {
			continue
		}
		for _, inputAdm := range sortedKeys(values) {
			for _, outputAdm := range a.admAgg[inputAdm] {
				pair := outputAdm + "|" + inputAdm
				if _, done := found[pair]; done {
					continue
				}
				value := values[inputAdm]
				if value == nil {
					continue
				}
				found[pair] = struct{}{}
				if _, seen := collected[outputAdm]; !seen {
					order = append(order, outputAdm)
				}
				collected[outputAdm] = append(collected[outputAdm], value)
			}
		}
	}
	output := a.Values(a.outputLevel)[0]
	for _, outputAdm := range order {
		value, err := a.apply(outputAdm, collected[outputAdm])
		if err != nil {
			return fmt.Errorf("aggregator %s: %w", a.Name(), err)
		}
		output[outputAdm] = value
	}
	return nil
}

func (a *Aggregator) apply(outputAdm string, values []any) (any, error) {
	switch action := a.action.(type) {
	case SumAction:
		total, _ := sumValues(values)
		return floatToFormatted(total), nil
	case MeanAction:
		total, count := sumValues(values)
		if count == 0 {
			return NoData, nil
		}
		if n, ok := total.(int64); ok {
			quotient := n / int64(count)
			if n%int64(count) == 0 {
				return quotient, nil
			}
			return floatToFormatted(float64(n) / float64(count)), nil
		}
		return floatToFormatted(asFloat(total) / float64(count)), nil
	case RangeAction:
		lo := math.MaxFloat64
		hi := -math.MaxFloat64
		var loVal, hiVal any
		for _, v := range values {
			if isEmptyValue(v) {
				continue
			}
			n := Numeric(v)
			if isEmptyValue(n) {
				continue
			}
			f := asFloat(n)
			if f > hi {
				hi = f
				hiVal = n
			}
			if f < lo {
				lo = f
				loVal = n
			}
		}
		if loVal == nil || hiVal == nil {
			return NoData, nil
		}
		return FormatNumber(loVal) + "-" + FormatNumber(hiVal), nil
	case EvalAction:
		resolve := func(name string) (any, bool) {
			if name == "#population" {
				key := outputAdm
				if action.PopulationKey != "" {
					key = action.PopulationKey
				}
				n, ok := a.Population().Get(key)
				if !ok {
					return nil, false
				}
				return n, true
			}
			for _, peer := range a.peers {
				if peer.OutputKey() == name {
					val, ok := peer.Values(peer.outputLevel)[0][outputAdm]
					if !ok {
						return NoData, true
					}
					return val, true
				}
			}
			return nil, false
		}
		return expr.Eval(action.Node, resolve)
	default:
		return nil, fmt.Errorf("unhandled action %T", a.action)
	}
}

// sumValues totals a value list, keeping integer identity where possible,
// and reports how many values contributed.
func sumValues(values []any) (any, int) {
	var total any = NoData
	count := 0
	for _, v := range values {
		var n any
		switch v.(type) {
		case int, int64, float64:
			n = Numeric(v)
		default:
			if isEmptyValue(v) {
				continue
			}
			n = Numeric(v)
		}
		if isEmptyValue(n) {
			continue
		}
		count++
		if isEmptyValue(total) {
			total = n
		} else {
			total = addNumbers(total, n)
		}
	}
	return total, count
}

// floatToFormatted renders floats as trailing zero free strings, passing
// other values through, matching how aggregated output is published.
func floatToFormatted(value any) any {
	if f, ok := value.(float64); ok {
		return FormatNumber(f)
	}
	return value
}

// AddSources emits explicit attribution when configured, otherwise copies
// the input column's attribution through so aggregated values stay
// traceable.
func (a *Aggregator) AddSources() error {
	if a.Definition().Source.IsSet() {
		return a.BaseScraper.AddSources()
	}
	if a.sourceInfo == nil {
		return nil
	}
	hdrs := a.Headers(a.outputLevel)
	for _, hxltag := range hdrs.HXLTags {
		a.sources[a.outputLevel] = append(a.sources[a.outputLevel], Source{
			HXLTag: hxltag,
			Date:   a.sourceInfo.Date,
			Source: a.sourceInfo.Source,
			URL:    a.sourceInfo.URL,
		})
	}
	return nil
}

func slugify(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
