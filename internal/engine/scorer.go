package engine

import (
	"fmt"
	"math"

	"scanguard/internal/baseline"
	"scanguard/internal/model"
	"scanguard/internal/normalize"
)

// featureRule scores one feature: a fixed weight when the value was never
// seen in training, otherwise seenWeight scaled by the rarity ratio.
type featureRule struct {
	feature      model.Feature
	unseenWeight float64
	seenWeight   float64
	unseen       func(k model.FeatureKeys) string
	seen         func(k model.FeatureKeys, rarity float64) string
}

var featureRules = []featureRule{
	{
		feature:      model.FeaturePort,
		unseenWeight: 0.6,
		seenWeight:   0.4,
		unseen:       func(k model.FeatureKeys) string { return fmt.Sprintf("Port %s not seen during training", k.Port) },
		seen: func(k model.FeatureKeys, r float64) string {
			return fmt.Sprintf("Port %s rarity score %.2f", k.Port, r)
		},
	},
	{
		feature:      model.FeatureService,
		unseenWeight: 0.5,
		seenWeight:   0.3,
		unseen:       func(k model.FeatureKeys) string { return fmt.Sprintf("Service '%s' unseen during training", k.Service) },
		seen: func(k model.FeatureKeys, r float64) string {
			return fmt.Sprintf("Service '%s' rarity score %.2f", k.Service, r)
		},
	},
	{
		feature:      model.FeatureProduct,
		unseenWeight: 0.3,
		seenWeight:   0.2,
		unseen:       func(k model.FeatureKeys) string { return fmt.Sprintf("Product '%s' unseen during training", k.Product) },
		seen: func(k model.FeatureKeys, r float64) string {
			return fmt.Sprintf("Product '%s' rarity score %.2f", k.Product, r)
		},
	},
	{
		feature:      model.FeatureCombo,
		unseenWeight: 0.4,
		seenWeight:   0.2,
		unseen: func(k model.FeatureKeys) string {
			return fmt.Sprintf("Combination %s/%s never observed", k.Service, k.Port)
		},
		seen: func(k model.FeatureKeys, r float64) string {
			return fmt.Sprintf("Combination %s/%s rarity %.2f", k.Service, k.Port, r)
		},
	},
}

// Score returns the additive anomaly score of rec against store, clamped to
// [0,1], with one explanation component per feature in fixed order. The
// returned score is unrounded; component impacts are rounded to 3 decimals.
func Score(rec model.InventoryRecord, store *baseline.Store) (float64, []model.ExplanationComponent) {
	keys := normalize.Features(rec)
	total := 0.0
	components := make([]model.ExplanationComponent, 0, len(featureRules))
	for _, rule := range featureRules {
		key := keys.Get(rule.feature)
		var impact float64
		var reason string
		if count, ok := store.Count(rule.feature, key); ok {
			rarity := 1 - float64(count)/float64(store.Max(rule.feature))
			if rarity < 0 {
				rarity = 0
			}
			impact = rule.seenWeight * rarity
			reason = rule.seen(keys, rarity)
		} else {
			impact = rule.unseenWeight
			reason = rule.unseen(keys)
		}
		total += impact
		components = append(components, model.ExplanationComponent{
			Feature: rule.feature,
			Impact:  round3(impact),
			Reason:  reason,
		})
	}
	return math.Min(total, 1.0), components
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
