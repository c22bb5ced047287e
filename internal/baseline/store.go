// Package baseline holds the frequency model that describes "normal" service
// inventory and the builder that derives it from historical records.
package baseline

import (
	"scanguard/internal/model"
	"scanguard/internal/normalize"
)

// Totals mirrors the "totals" block of the persisted model.
type Totals struct {
	Records         int `json:"records"`
	MaxPortCount    int `json:"max_port_count"`
	MaxServiceCount int `json:"max_service_count"`
	MaxProductCount int `json:"max_product_count"`
	MaxComboCount   int `json:"max_combo_count"`
}

// Metadata records where a model came from.
type Metadata struct {
	Source   string `json:"source"`
	Records  int    `json:"records"`
	Fallback bool   `json:"fallback"`
}

var countedFeatures = []model.Feature{
	model.FeaturePort,
	model.FeatureService,
	model.FeatureProduct,
	model.FeatureCombo,
}

// Store is immutable once built; it is safe to share between goroutines
// without locking.
type Store struct {
	totals Totals
	counts map[model.Feature]map[string]int
	meta   *Metadata
}

// Empty returns the degraded baseline used when there is no training data:
// no counts, every maximum fixed at 1, zero records.
func Empty() *Store {
	return Build(nil)
}

func Build(records []model.InventoryRecord) *Store {
	counts := newCounts()
	for _, rec := range records {
		keys := normalize.Features(rec)
		for _, f := range countedFeatures {
			counts[f][keys.Get(f)]++
		}
	}
	s := &Store{counts: counts}
	s.totals = Totals{
		Records:         len(records),
		MaxPortCount:    maxCount(counts[model.FeaturePort]),
		MaxServiceCount: maxCount(counts[model.FeatureService]),
		MaxProductCount: maxCount(counts[model.FeatureProduct]),
		MaxComboCount:   maxCount(counts[model.FeatureCombo]),
	}
	return s
}

func newCounts() map[model.Feature]map[string]int {
	counts := make(map[model.Feature]map[string]int, len(countedFeatures))
	for _, f := range countedFeatures {
		counts[f] = make(map[string]int)
	}
	return counts
}

func maxCount(m map[string]int) int {
	best := 0
	for _, c := range m {
		if c > best {
			best = c
		}
	}
	if best < 1 {
		return 1
	}
	return best
}

// WithMetadata returns a copy of s carrying meta. Count maps are shared since
// neither store mutates them.
func (s *Store) WithMetadata(meta Metadata) *Store {
	out := *s
	out.meta = &meta
	return &out
}

func (s *Store) TotalRecords() int {
	return s.totals.Records
}

func (s *Store) Totals() Totals {
	return s.totals
}

// Fallback reports whether scoring against s must run in fallback mode.
func (s *Store) Fallback() bool {
	return s.totals.Records == 0
}

func (s *Store) Metadata() (Metadata, bool) {
	if s.meta == nil {
		return Metadata{}, false
	}
	return *s.meta, true
}

// Count looks up how often key was observed for feature f. ok is false when
// the value never occurred during training.
func (s *Store) Count(f model.Feature, key string) (count int, ok bool) {
	m, exists := s.counts[f]
	if !exists {
		return 0, false
	}
	c, exists := m[key]
	if !exists || c <= 0 {
		return 0, false
	}
	return c, true
}

// Max is the normalizing maximum for f; never below 1.
func (s *Store) Max(f model.Feature) int {
	var v int
	switch f {
	case model.FeaturePort:
		v = s.totals.MaxPortCount
	case model.FeatureService:
		v = s.totals.MaxServiceCount
	case model.FeatureProduct:
		v = s.totals.MaxProductCount
	case model.FeatureCombo:
		v = s.totals.MaxComboCount
	}
	if v < 1 {
		return 1
	}
	return v
}

// Distinct returns the number of distinct values seen for f.
func (s *Store) Distinct(f model.Feature) int {
	return len(s.counts[f])
}
