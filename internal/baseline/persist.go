package baseline

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"scanguard/internal/model"
)

var (
	ErrModelNotFound = errors.New("baseline model not found")
	ErrModelWrite    = errors.New("baseline model write failed")
	ErrInvalidModel  = errors.New("baseline model invalid")
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("baseline.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("baseline.json")
	})
	return schema, schemaErr
}

type document struct {
	Totals        Totals         `json:"totals"`
	PortCounts    map[string]int `json:"port_counts"`
	ServiceCounts map[string]int `json:"service_counts"`
	ProductCounts map[string]int `json:"product_counts"`
	ComboCounts   map[string]int `json:"combo_counts"`
	Metadata      *Metadata      `json:"metadata,omitempty"`
}

func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(document{
		Totals:        s.totals,
		PortCounts:    nonNil(s.counts[model.FeaturePort]),
		ServiceCounts: nonNil(s.counts[model.FeatureService]),
		ProductCounts: nonNil(s.counts[model.FeatureProduct]),
		ComboCounts:   nonNil(s.counts[model.FeatureCombo]),
		Metadata:      s.meta,
	})
}

func (s *Store) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	counts := newCounts()
	for f, src := range map[model.Feature]map[string]int{
		model.FeaturePort:    doc.PortCounts,
		model.FeatureService: doc.ServiceCounts,
		model.FeatureProduct: doc.ProductCounts,
		model.FeatureCombo:   doc.ComboCounts,
	} {
		for k, v := range src {
			counts[f][k] = v
		}
	}
	totals := doc.Totals
	totals.MaxPortCount = atLeastOne(totals.MaxPortCount)
	totals.MaxServiceCount = atLeastOne(totals.MaxServiceCount)
	totals.MaxProductCount = atLeastOne(totals.MaxProductCount)
	totals.MaxComboCount = atLeastOne(totals.MaxComboCount)
	decoded := Store{totals: totals, counts: counts, meta: doc.Metadata}
	if err := decoded.consistent(); err != nil {
		return err
	}
	*s = decoded
	return nil
}

// consistent checks that the record total agrees with the count maps and
// that no stored maximum is below the largest count it normalizes.
func (s *Store) consistent() error {
	observed := false
	for _, f := range countedFeatures {
		largest := 0
		for _, c := range s.counts[f] {
			if c > largest {
				largest = c
			}
		}
		if largest > 0 {
			observed = true
		}
		if s.Max(f) < largest {
			return fmt.Errorf("max %s count %d below largest count %d", f, s.Max(f), largest)
		}
	}
	switch {
	case s.totals.Records == 0 && observed:
		return errors.New("zero records but non-empty counts")
	case s.totals.Records > 0 && !observed:
		return fmt.Errorf("%d records but empty counts", s.totals.Records)
	}
	return nil
}

// Save writes the model to path through a temp file and rename so readers
// never observe a partial document.
func Save(path string, s *Store) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrModelWrite)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrModelWrite, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrModelWrite, err)
	}
	tmp, err := os.CreateTemp(dir, ".baseline-*.json")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelWrite, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrModelWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrModelWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrModelWrite, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %v", ErrModelWrite, err)
	}
	return nil
}

func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s; train the model first", ErrModelNotFound, path)
		}
		return nil, err
	}
	return Parse(data)
}

// Parse validates and decodes a persisted model document.
func Parse(data []byte) (*Store, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	s := &Store{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	return s, nil
}

func nonNil(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
