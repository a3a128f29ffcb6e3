package api

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// RunStatus is the lifecycle state of one harvest run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// ErrRunNotFound reports an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run records one harvest execution triggered over the API.
type Run struct {
	ID        string     `json:"id"`
	Status    RunStatus  `json:"status"`
	Scrapers  []string   `json:"scrapers,omitempty"`
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Error     string     `json:"error,omitempty"`
	Fallbacks []string   `json:"fallbacks,omitempty"`
}

// RunStore keeps runs in memory, newest first on listing.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]Run
}

// NewRunStore builds an empty store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]Run)}
}

// Create registers a queued run.
func (s *RunStore) Create(run Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
}

// Get returns a run by id.
func (s *RunStore) Get(id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

// Update applies fn to the stored run under the lock.
func (s *RunStore) Update(id string, fn func(*Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	fn(&run)
	s.runs[id] = run
	return nil
}

// List returns all runs, most recently submitted first.
func (s *RunStore) List() []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Submitted.After(runs[j].Submitted)
	})
	return runs
}
