// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"math"
	"time"
)

// DefaultContribution is the amount credited when an edge proposal does not
// carry an explicit weight.
const DefaultContribution = 1.0

// MaxContribution is the largest amount a single contribution may carry.
// Larger amounts are rejected by the sink and clamped by the fold.
const MaxContribution = 1e6

// contributionScale is the fixed-point resolution of the fold.
//
// Amounts are summed as integer nano-units so that the fold is exactly
// associative and commutative; float addition is neither.
const contributionScale = 1e9

// Contribution is one append-only reinforcement record on an edge.
type Contribution struct {
	// Source is the adapter that produced the contribution.
	Source string `json:"source"`

	// Amount is the non-negative increment.
	Amount float64 `json:"amount"`

	// At is the commit time of the emission that carried it.
	At time.Time `json:"at"`
}

// Fold computes the raw weight of a contribution list.
//
// Description:
//
//	Additive reinforcement: raw weight is the sum of all contribution
//	amounts. Each amount is quantized to 1e-9 before summing, making the
//	result independent of contribution order. Amounts are clamped to
//	MaxContribution and the sum saturates instead of wrapping, so raw
//	weight never decreases as contributions are appended.
//
// Inputs:
//
//	contributions - The edge's contribution records. May be empty.
//
// Outputs:
//
//	float64 - The raw weight. 0 for an empty list.
//
// Thread Safety: Pure function.
func Fold(contributions []Contribution) float64 {
	var total int64
	for _, c := range contributions {
		q := quantize(c.Amount)
		if total > math.MaxInt64-q {
			total = math.MaxInt64
			continue
		}
		total += q
	}
	return float64(total) / contributionScale
}

// quantize converts an amount into integer nano-units.
func quantize(amount float64) int64 {
	if math.IsNaN(amount) || amount <= 0 {
		return 0
	}
	if amount > MaxContribution {
		amount = MaxContribution
	}
	return int64(math.Round(amount * contributionScale))
}
