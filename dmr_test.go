// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"fmt"
	"math/rand"

	"gopkg.in/check.v1"
)

type dmrSuite struct{}

var _ = check.Suite(&dmrSuite{})

func defaultDMR() *dmrcmd {
	return &dmrcmd{lambda: 1000, scalingC: 2, pThreshold: 0.05}
}

func (s *dmrSuite) TestChromosomesNeverMerge(c *check.C) {
	// numerically adjacent positions on different chromosomes stay in
	// separate regions
	probes := []probeStat{
		{id: "cg1", chromosome: "chr1", position: 100, effect: 1, pvalue: 1e-10},
		{id: "cg2", chromosome: "chr1", position: 200, effect: 1, pvalue: 1e-10},
		{id: "cg3", chromosome: "chr2", position: 100, effect: 1, pvalue: 1e-10},
		{id: "cg4", chromosome: "chr2", position: 200, effect: 1, pvalue: 1e-10},
	}
	regions := defaultDMR().regions(probes)
	c.Assert(regions, check.HasLen, 2)
	c.Check(regions[0].Chromosome, check.Not(check.Equals), regions[1].Chromosome)
	for _, r := range regions {
		c.Check(r.Probes, check.Equals, 2)
	}
}

func (s *dmrSuite) TestSingleProbeRegion(c *check.C) {
	probes := []probeStat{
		{id: "cg1", chromosome: "chr1", position: 5000, effect: 1.5, pvalue: 1e-12},
		{id: "cg2", chromosome: "chr1", position: 50000, effect: 0.01, pvalue: 0.9},
		{id: "cg3", chromosome: "chr1", position: 90000, effect: -0.02, pvalue: 0.8},
	}
	regions := defaultDMR().regions(probes)
	c.Assert(regions, check.HasLen, 1)
	c.Check(regions[0].Probes, check.Equals, 1)
	c.Check(regions[0].Start, check.Equals, 5000)
	c.Check(regions[0].End, check.Equals, 5000)
	c.Check(regions[0].width(), check.Equals, 0)
	c.Check(regions[0].Direction, check.Equals, "+")
}

func (s *dmrSuite) TestGapSplitsRegions(c *check.C) {
	probes := []probeStat{
		{id: "cg1", chromosome: "chr1", position: 1000, effect: 1, pvalue: 1e-10},
		{id: "cg2", chromosome: "chr1", position: 1400, effect: 1, pvalue: 1e-10},
		// 10kb gap: well past lambda, so a new region starts
		{id: "cg3", chromosome: "chr1", position: 11400, effect: -1, pvalue: 1e-10},
		{id: "cg4", chromosome: "chr1", position: 11800, effect: -1, pvalue: 1e-10},
	}
	regions := defaultDMR().regions(probes)
	c.Assert(regions, check.HasLen, 2)
	widths := map[string]int{}
	for _, r := range regions {
		widths[r.Direction] = r.width()
		c.Check(r.Probes, check.Equals, 2)
	}
	c.Check(widths["+"], check.Equals, 400)
	c.Check(widths["-"], check.Equals, 400)
}

func (s *dmrSuite) TestRankingDeterministicUnderShuffle(c *check.C) {
	rnd := rand.New(rand.NewSource(19))
	var probes []probeStat
	for chrom := 1; chrom <= 3; chrom++ {
		for i := 0; i < 50; i++ {
			p := rnd.Float64()
			if i%10 < 3 {
				p = 1e-8 * rnd.Float64()
			}
			effect := rnd.NormFloat64()
			probes = append(probes, probeStat{
				id:         fmt.Sprintf("cg%d_%d", chrom, i),
				chromosome: fmt.Sprintf("chr%d", chrom),
				position:   1000 + 400*i,
				effect:     effect,
				pvalue:     p,
			})
		}
	}
	want := defaultDMR().regions(append([]probeStat(nil), probes...))
	c.Assert(len(want) > 0, check.Equals, true)
	for trial := 0; trial < 5; trial++ {
		shuffled := append([]probeStat(nil), probes...)
		rnd.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := defaultDMR().regions(shuffled)
		c.Check(got, check.DeepEquals, want)
	}
}

func (s *dmrSuite) TestStoufferAggregation(c *check.C) {
	// a run of consistently significant probes scores better than any
	// single member
	probes := []probeStat{
		{id: "cg1", chromosome: "chr1", position: 1000, effect: 1, pvalue: 1e-4},
		{id: "cg2", chromosome: "chr1", position: 1300, effect: 1, pvalue: 1e-4},
		{id: "cg3", chromosome: "chr1", position: 1600, effect: 1, pvalue: 1e-4},
		{id: "cg4", chromosome: "chr1", position: 1900, effect: 1, pvalue: 1e-4},
	}
	regions := defaultDMR().regions(probes)
	c.Assert(regions, check.HasLen, 1)
	c.Check(regions[0].Probes, check.Equals, 4)
	c.Check(regions[0].StoufferP < 1e-4, check.Equals, true)
	c.Check(regions[0].MeanEffect, check.Equals, 1.0)
}

func (s *dmrSuite) TestTieBreakWiderFirst(c *check.C) {
	ra := region{Chromosome: "chr1", Start: 100, End: 500, StoufferP: 0.001}
	rb := region{Chromosome: "chr2", Start: 100, End: 900, StoufferP: 0.001}
	regions := []region{ra, rb}
	// same aggregate p: wider region ranks first
	sortRegions(regions)
	c.Check(regions[0], check.DeepEquals, rb)
	c.Check(regions[1], check.DeepEquals, ra)
}
