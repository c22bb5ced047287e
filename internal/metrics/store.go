package metrics

import (
	"sort"
	"sync"
	"time"

	"scanguard/internal/model"
)

// Store keeps summaries of recent detection runs, evicting the oldest once
// limit is exceeded.
type Store struct {
	mu        sync.RWMutex
	byRun     map[string]model.RunSummary
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{
		byRun:     make(map[string]model.RunSummary),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(summary model.RunSummary) {
	if summary.RunID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRun[summary.RunID] = summary
	s.updatedAt[summary.RunID] = time.Now().UTC()
	for len(s.byRun) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(runID string) (model.RunSummary, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.byRun[runID]
	if !ok {
		return model.RunSummary{}, time.Time{}, false
	}
	return sum, s.updatedAt[runID], true
}

// List returns up to limit summaries, newest first.
func (s *Store) List(limit int) []model.RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byRun))
	for id := range s.byRun {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.updatedAt[ids[i]].After(s.updatedAt[ids[j]])
	})
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	out := make([]model.RunSummary, 0, limit)
	for _, id := range ids[:limit] {
		out = append(out, s.byRun[id])
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestRun string
	var oldest time.Time
	for run, ts := range s.updatedAt {
		if oldestRun == "" || ts.Before(oldest) {
			oldestRun = run
			oldest = ts
		}
	}
	if oldestRun != "" {
		delete(s.byRun, oldestRun)
		delete(s.updatedAt, oldestRun)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRun = make(map[string]model.RunSummary)
	s.updatedAt = make(map[string]time.Time)
}
