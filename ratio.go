// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import "math"

// beta is the bounded methylation proportion M/(M+U). The normalize
// floor guarantees M+U > 0.
func beta(meth, unmeth float64) float64 {
	return meth / (meth + unmeth)
}

// mvalue is the unbounded log ratio log2(M/U).
func mvalue(meth, unmeth float64) float64 {
	return math.Log2(meth / unmeth)
}

// BetaValues returns the probes × samples matrix of methylation
// proportions.
func (ms *MethylSet) BetaValues() [][]float64 {
	out := newMatrix(len(ms.Probes), len(ms.Samples))
	for i := range ms.Probes {
		for j := range ms.Samples {
			out[i][j] = beta(ms.Meth[i][j], ms.Unmeth[i][j])
		}
	}
	return out
}

// MValues returns the probes × samples matrix of log ratios.
func (ms *MethylSet) MValues() [][]float64 {
	out := newMatrix(len(ms.Probes), len(ms.Samples))
	for i := range ms.Probes {
		for j := range ms.Samples {
			out[i][j] = mvalue(ms.Meth[i][j], ms.Unmeth[i][j])
		}
	}
	return out
}
