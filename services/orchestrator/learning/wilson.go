// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package learning tracks action outcomes and scores action
// effectiveness with a Wilson lower confidence bound.
package learning

import "math"

// wilsonZ is the z-score for a 95% confidence interval.
const wilsonZ = 1.96

// WilsonLowerBound computes the lower bound of the Wilson score
// interval for a binomial proportion at 95% confidence.
//
// # Description
//
// The lower bound penalizes small samples: one success out of one
// attempt scores far below 1.0, while 90 out of 100 scores close to
// 0.9. Zero attempts score 0.
//
// # Inputs
//
//   - successes: Number of successful outcomes. Clamped to [0, total].
//   - total: Number of attempts.
//
// # Outputs
//
//   - float64: Lower bound in [0,1]. Monotone in successes for a
//     fixed total.
func WilsonLowerBound(successes, total int64) float64 {
	if total <= 0 {
		return 0
	}
	if successes < 0 {
		successes = 0
	}
	if successes > total {
		successes = total
	}

	n := float64(total)
	p := float64(successes) / n
	z := wilsonZ
	z2 := z * z

	denom := 1 + z2/n
	center := p + z2/(2*n)
	margin := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n))

	low := (center - margin) / denom
	if low < 0 {
		return 0
	}
	if low > 1 {
		return 1
	}
	return low
}
