package framework

import (
	"strconv"
	"sync"
)

// PopulationLookup maps admin unit codes (or a configured aggregate key such
// as "global") to population figures. A single lookup is shared by every
// scraper a runner owns so that population-derived formulas see figures
// produced earlier in the same run.
type PopulationLookup struct {
	mu     sync.RWMutex
	values map[string]int64
}

func NewPopulationLookup() *PopulationLookup {
	return &PopulationLookup{values: make(map[string]int64)}
}

// Set records a population figure. Non-integer values are ignored: a
// population column that failed to parse must not poison later formulas.
func (p *PopulationLookup) Set(key string, value any) {
	n, ok := toInt64(value)
	if !ok {
		return
	}
	p.mu.Lock()
	p.values[key] = n
	p.mu.Unlock()
}

// Get returns the population for a key.
func (p *PopulationLookup) Get(key string) (int64, bool) {
	p.mu.RLock()
	n, ok := p.values[key]
	p.mu.RUnlock()
	return n, ok
}

// Len returns the number of recorded figures.
func (p *PopulationLookup) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.values)
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
		return 0, false
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
