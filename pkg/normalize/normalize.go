// Package normalize computes per-period heat normalization over the
// items entering stage one.
package normalize

import (
	"errors"

	"github.com/echolab/echoman/pkg/models"
)

// ErrEmptyPeriod is returned when there are no items to normalize.
var ErrEmptyPeriod = errors.New("no items in period")

// neutralHeat is assigned where min-max carries no signal: platforms
// without any heat values, null-heat items, and degenerate max == min
// groups.
const neutralHeat = 0.5

// Heat runs the three normalization passes over one period's items and
// returns heat_normalized per item id. The result sums to 1.0 across the
// period (modulo float error).
//
// Pass 1 min-maxes heat within each platform. Pass 2 scales by the
// platform weight over the total configured weight. Pass 3 divides by the
// period total so the period sums to one.
func Heat(items []*models.SourceItem, weights map[models.Platform]float64) (map[int64]float64, error) {
	if len(items) == 0 {
		return nil, ErrEmptyPeriod
	}

	// Pass 1: per-platform min-max.
	type bounds struct {
		min, max float64
		seen     bool
	}
	perPlatform := make(map[models.Platform]*bounds)
	for _, it := range items {
		if it.HeatValue == nil {
			continue
		}
		b := perPlatform[it.Platform]
		if b == nil {
			b = &bounds{min: *it.HeatValue, max: *it.HeatValue, seen: true}
			perPlatform[it.Platform] = b
			continue
		}
		if *it.HeatValue < b.min {
			b.min = *it.HeatValue
		}
		if *it.HeatValue > b.max {
			b.max = *it.HeatValue
		}
	}

	normalized := make(map[int64]float64, len(items))
	for _, it := range items {
		b := perPlatform[it.Platform]
		switch {
		case b == nil || !b.seen:
			// Platform publishes no heat at all (sina, hupu).
			normalized[it.ID] = neutralHeat
		case it.HeatValue == nil:
			normalized[it.ID] = neutralHeat
		case b.max == b.min:
			normalized[it.ID] = neutralHeat
		default:
			normalized[it.ID] = (*it.HeatValue - b.min) / (b.max - b.min)
		}
	}

	// Pass 2: platform-weighted scaling against the total configured
	// weight.
	var totalWeight float64
	for _, w := range weights {
		totalWeight += w
	}
	if totalWeight <= 0 {
		totalWeight = 1
	}
	weighted := make(map[int64]float64, len(items))
	var periodTotal float64
	for _, it := range items {
		w, ok := weights[it.Platform]
		if !ok {
			w = 1.0
		}
		v := normalized[it.ID] * w / totalWeight
		weighted[it.ID] = v
		periodTotal += v
	}

	// Pass 3: period-global normalization. A zero total means every item
	// min-maxed to zero; fall back to a uniform share.
	result := make(map[int64]float64, len(items))
	if periodTotal <= 0 {
		uniform := 1.0 / float64(len(items))
		for _, it := range items {
			result[it.ID] = uniform
		}
		return result, nil
	}
	for _, it := range items {
		result[it.ID] = weighted[it.ID] / periodTotal
	}
	return result, nil
}
