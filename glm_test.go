// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"math"

	"gopkg.in/check.v1"
)

type glmSuite struct{}

var _ = check.Suite(&glmSuite{})

func glmTestSamples() []SampleInfo {
	samples := make([]SampleInfo, 10)
	for i := range samples {
		samples[i] = SampleInfo{ID: string(rune('a' + i)), Group: "A"}
		if i >= 5 {
			samples[i].Group = "B"
		}
	}
	return samples
}

func (s *glmSuite) TestGroupAssociation(c *check.C) {
	samples := glmTestSamples()
	// separates the groups (with overlap, so IRLS converges)
	separating := []float64{-1.2, -0.8, -1.0, -0.5, 0.6, 1.1, 0.9, 0.4, -0.3, 1.3}
	// orthogonal to the groups
	noise := []float64{-1.2, 1.1, -0.8, 0.9, -1.0, 1.0, -0.5, 0.6, -0.3, 0.2}

	pSep := glmGroupPvalue(samples, separating)
	pNoise := glmGroupPvalue(samples, noise)
	c.Check(math.IsNaN(pSep), check.Equals, false)
	c.Check(math.IsNaN(pNoise), check.Equals, false)
	c.Check(pSep > 0 && pSep < 1, check.Equals, true)
	c.Check(pSep < pNoise, check.Equals, true)
	c.Check(pNoise > 0.2, check.Equals, true)
}

func (s *glmSuite) TestRequiresTwoGroups(c *check.C) {
	samples := glmTestSamples()
	samples[9].Group = "C"
	p := glmGroupPvalue(samples, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	c.Check(math.IsNaN(p), check.Equals, true)
}
