// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"math"
	"math/rand"
	"sort"

	"gopkg.in/check.v1"
)

type ebayesSuite struct{}

var _ = check.Suite(&ebayesSuite{})

func (s *ebayesSuite) TestBHAllOnes(c *check.C) {
	p := []float64{1, 1, 1, 1, 1}
	for _, adj := range bhAdjust(p) {
		c.Check(adj, check.Equals, 1.0)
	}
}

func (s *ebayesSuite) TestBHMonotone(c *check.C) {
	rnd := rand.New(rand.NewSource(7))
	p := make([]float64, 100)
	for i := range p {
		p[i] = rnd.Float64()
	}
	adj := bhAdjust(p)
	type pair struct{ p, adj float64 }
	pairs := make([]pair, len(p))
	for i := range p {
		c.Check(adj[i] >= p[i], check.Equals, true)
		c.Check(adj[i] <= 1, check.Equals, true)
		pairs[i] = pair{p[i], adj[i]}
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].p < pairs[b].p })
	for i := 1; i < len(pairs); i++ {
		c.Check(pairs[i].adj >= pairs[i-1].adj, check.Equals, true)
	}
}

func (s *ebayesSuite) TestTrigamma(c *check.C) {
	// trigamma(1) = pi^2/6
	c.Check(math.Abs(trigamma(1)-math.Pi*math.Pi/6) < 1e-10, check.Equals, true)
	// recurrence: trigamma(x) - trigamma(x+1) = 1/x^2
	for _, x := range []float64{0.3, 1.5, 4, 20} {
		c.Check(math.Abs(trigamma(x)-trigamma(x+1)-1/(x*x)) < 1e-10, check.Equals, true)
	}
	for _, x := range []float64{0.1, 0.9, 2.5, 37, 1000} {
		got := trigammaInverse(trigamma(x))
		c.Check(math.Abs(got-x) < 1e-6*x, check.Equals, true)
	}
}

func (s *ebayesSuite) TestSqueezeVarShrinks(c *check.C) {
	rnd := rand.New(rand.NewSource(3))
	df := 4.0
	s2 := make([]float64, 500)
	for i := range s2 {
		// chi-squared_df draws scaled to variance 1
		var sum float64
		for k := 0; k < int(df); k++ {
			x := rnd.NormFloat64()
			sum += x * x
		}
		s2[i] = sum / df
	}
	df0, s02, s2post := squeezeVar(s2, df)
	c.Check(df0 > 0, check.Equals, true)
	c.Check(s02 > 0, check.Equals, true)
	lo, hi := s2[0], s2[0]
	for _, v := range s2 {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	for i, v := range s2post {
		// posterior sits between the probe's own variance and the prior
		c.Check(v >= math.Min(s2[i], s02)-1e-12, check.Equals, true)
		c.Check(v <= math.Max(s2[i], s02)+1e-12, check.Equals, true)
	}
	// shrinkage tightens the spread
	plo, phi := s2post[0], s2post[0]
	for _, v := range s2post {
		plo = math.Min(plo, v)
		phi = math.Max(phi, v)
	}
	c.Check(phi-plo < hi-lo, check.Equals, true)
}

func (s *ebayesSuite) TestSqueezeVarConstant(c *check.C) {
	s2 := []float64{2, 2, 2, 2, 2, 2}
	df0, s02, s2post := squeezeVar(s2, 3)
	c.Check(math.IsInf(df0, 1), check.Equals, true)
	// the chi-squared bias correction puts the common variance a bit
	// above the observed value
	c.Check(s02 > 2 && s02 < 4, check.Equals, true)
	for _, v := range s2post {
		c.Check(v, check.Equals, s02)
	}
}

func (s *ebayesSuite) TestModeratedPvalue(c *check.C) {
	c.Check(math.Abs(moderatedPvalue(0, 10)-1) < 1e-12, check.Equals, true)
	p := moderatedPvalue(2.228, 10) // t_{10} 97.5% point
	c.Check(math.Abs(p-0.05) < 1e-3, check.Equals, true)
	pinf := moderatedPvalue(1.96, math.Inf(1))
	c.Check(math.Abs(pinf-0.05) < 1e-3, check.Equals, true)
	c.Check(math.IsNaN(moderatedPvalue(math.NaN(), 10)), check.Equals, true)
}
