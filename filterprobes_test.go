// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"os"

	"gopkg.in/check.v1"
)

type filterSuite struct{}

var _ = check.Suite(&filterSuite{})

func filterTestSet() *MethylSet {
	probes := []ProbeInfo{
		{ID: "cg01", Chromosome: "chr1", Position: 100},
		{ID: "cg02", Chromosome: "chr1", Position: 200}, // fails detection
		{ID: "cg03", Chromosome: "chr2", Position: 100}, // on a known variant
		{ID: "cg04", Chromosome: "chr2", Position: 300}, // cross-reactive
		{ID: "cg05", Chromosome: "chr3", Position: 400},
	}
	ms := &MethylSet{
		Probes:  probes,
		Samples: []SampleInfo{{ID: "a"}, {ID: "b"}},
		Meth:    newMatrix(len(probes), 2),
		Unmeth:  newMatrix(len(probes), 2),
		DetectionP: [][]float64{
			{0.001, 0.001},
			{0.001, 0.5},
			{0.001, 0.001},
			{0.001, 0.001},
			{0.001, 0.001},
		},
		Floor: 1,
	}
	for i := range probes {
		for j := 0; j < 2; j++ {
			ms.Meth[i][j] = float64(100 + i)
			ms.Unmeth[i][j] = float64(200 + j)
		}
	}
	return ms
}

func (s *filterSuite) writeRefFiles(c *check.C) (variants, crossreactive string) {
	tmpdir := c.MkDir()
	variants = tmpdir + "/variants.tsv"
	err := os.WriteFile(variants, []byte("chr2\t100\nchr9\t999\n"), 0644)
	c.Assert(err, check.IsNil)
	crossreactive = tmpdir + "/crossreactive.txt"
	err = os.WriteFile(crossreactive, []byte("cg04\ncg99\n"), 0644)
	c.Assert(err, check.IsNil)
	return
}

func probeIDs(ms *MethylSet) []string {
	var ids []string
	for _, p := range ms.Probes {
		ids = append(ids, p.ID)
	}
	return ids
}

func (s *filterSuite) TestIntersection(c *check.C) {
	variants, crossreactive := s.writeRefFiles(c)
	f := &probefilter{DetectionP: 0.01, VariantFile: variants, CrossReactiveFile: crossreactive}
	out, err := f.Apply(filterTestSet())
	c.Assert(err, check.IsNil)
	c.Check(probeIDs(out), check.DeepEquals, []string{"cg01", "cg05"})
	// probe failing any single filter is absent, and the final size is
	// the size of the three-way intersection
	c.Check(out.Probes, check.HasLen, 2)
	for i := range out.Probes {
		c.Check(out.Meth[i], check.HasLen, 2)
		c.Check(out.Unmeth[i], check.HasLen, 2)
	}
}

func (s *filterSuite) TestCommutativity(c *check.C) {
	variants, crossreactive := s.writeRefFiles(c)
	single := []probefilter{
		{DetectionP: 0.01},
		{VariantFile: variants},
		{CrossReactiveFile: crossreactive},
	}
	// applying the three filters one at a time, in every order, gives
	// the same final probe set as applying them together
	for _, order := range [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}} {
		ms := filterTestSet()
		for _, i := range order {
			var err error
			ms, err = single[i].Apply(ms)
			c.Assert(err, check.IsNil)
		}
		c.Check(probeIDs(ms), check.DeepEquals, []string{"cg01", "cg05"})
	}
}

func (s *filterSuite) TestDetectionRequiresQC(c *check.C) {
	ms := filterTestSet()
	ms.DetectionP = nil
	_, err := (&probefilter{DetectionP: 0.01}).Apply(ms)
	c.Check(err, check.ErrorMatches, `input has no detection p-values.*`)
}
