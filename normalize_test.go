// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"math"

	"gopkg.in/check.v1"
)

type normalizeSuite struct{}

var _ = check.Suite(&normalizeSuite{})

func (s *normalizeSuite) TestQuantileNormalizeAligned(c *check.C) {
	// columns hold the same values in different probe order: already
	// perfectly aligned distributions must come through unchanged
	matrix := [][]float64{
		{1, 3},
		{2, 1},
		{3, 2},
	}
	want := [][]float64{
		{1, 3},
		{2, 1},
		{3, 2},
	}
	quantileNormalize(matrix, []int{0, 1, 2})
	c.Check(matrix, check.DeepEquals, want)
	// and a second application is a no-op too
	quantileNormalize(matrix, []int{0, 1, 2})
	c.Check(matrix, check.DeepEquals, want)
}

func (s *normalizeSuite) TestQuantileNormalizeIdempotent(c *check.C) {
	matrix := [][]float64{
		{10, 30, 25},
		{200, 130, 70},
		{35, 1, 990},
		{7, 2, 3},
	}
	quantileNormalize(matrix, []int{0, 1, 2, 3})
	first := make([][]float64, len(matrix))
	for i := range matrix {
		first[i] = append([]float64(nil), matrix[i]...)
	}
	quantileNormalize(matrix, []int{0, 1, 2, 3})
	c.Check(matrix, check.DeepEquals, first)
}

func (s *normalizeSuite) TestQuantileNormalizeStrata(c *check.C) {
	// rows outside the stratum are untouched
	matrix := [][]float64{
		{5, 8},
		{100, 200},
		{6, 7},
	}
	quantileNormalize(matrix, []int{0, 2})
	c.Check(matrix[1], check.DeepEquals, []float64{100, 200})
	c.Check(matrix[0], check.DeepEquals, []float64{6, 7})
	c.Check(matrix[2], check.DeepEquals, []float64{7, 6})
}

func (s *normalizeSuite) TestFloorAndRatios(c *check.C) {
	raw := &RawSet{
		Probes: []ProbeInfo{
			{ID: "p1", DesignType: "I"},
			{ID: "p2", DesignType: "I"},
			{ID: "p3", DesignType: "II"},
		},
		Samples: []SampleInfo{{ID: "a"}, {ID: "b"}},
		Red:     [][]float64{{0, 100}, {50, 0}, {0, 0}},
		Green:   [][]float64{{0, 200}, {25, 10}, {0, 7}},
	}
	ms := (&normalizer{floor: 1}).normalize(raw)
	c.Check(ms.Floor, check.Equals, 1.0)
	for i := range ms.Probes {
		for j := range ms.Samples {
			m, u := ms.Meth[i][j], ms.Unmeth[i][j]
			c.Check(m >= 1, check.Equals, true)
			c.Check(u >= 1, check.Equals, true)
			b := beta(m, u)
			c.Check(b >= 0 && b <= 1, check.Equals, true)
			mv := mvalue(m, u)
			c.Check(math.IsNaN(mv) || math.IsInf(mv, 0), check.Equals, false)
		}
	}
	// input is untouched (derived snapshot, not in-place mutation)
	c.Check(raw.Red[0][0], check.Equals, 0.0)
	c.Check(raw.Green[2][1], check.Equals, 7.0)
}

func (s *normalizeSuite) TestRatioFormulas(c *check.C) {
	c.Check(beta(3, 1), check.Equals, 0.75)
	c.Check(mvalue(8, 2), check.Equals, 2.0)
	c.Check(mvalue(2, 8), check.Equals, -2.0)
}
