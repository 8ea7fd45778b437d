// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

// dmrcmd groups spatially contiguous differentially methylated probes
// into regions: per-probe p-values become signed z scores, a Gaussian
// kernel smooths them along genomic position within each chromosome,
// and runs of probes whose smoothed statistic clears the threshold
// become candidate regions scored by Stouffer combination of the raw
// constituent p-values.
type dmrcmd struct {
	lambda     float64
	scalingC   float64
	pThreshold float64
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

func (cmd *dmrcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file` (dmp result table)")
	outputFilename := flags.String("o", "-", "output `file`")
	flags.Float64Var(&cmd.lambda, "lambda", 1000, "kernel bandwidth in `bp`; probes farther apart than this are independent")
	flags.Float64Var(&cmd.scalingC, "C", 2, "bandwidth scaling constant (kernel sigma = lambda/C)")
	flags.Float64Var(&cmd.pThreshold, "p-threshold", 0.05, "two-sided significance level `P` applied to the smoothed statistic")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if cmd.lambda <= 0 || cmd.scalingC <= 0 {
		err = fmt.Errorf("configuration error: -lambda and -C must be > 0")
		return 2
	}
	if cmd.pThreshold <= 0 || cmd.pThreshold >= 1 {
		err = fmt.Errorf("configuration error: -p-threshold must be in (0,1), got %g", cmd.pThreshold)
		return 2
	}

	input, err := openInput(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	probes, err := parseDMPTable(bufio.NewReader(input))
	if err != nil {
		return 1
	}
	input.Close()

	regions := cmd.regions(probes)
	log.Infof("dmr: %d candidate regions from %d probes", len(regions), len(probes))

	output, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	err = writeRegionTable(bufw, regions)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type probeStat struct {
	id         string
	chromosome string
	position   int
	gene       string
	effect     float64
	pvalue     float64
	z          float64
	smoothed   float64
}

type region struct {
	Chromosome string
	Start, End int
	Probes     int
	StoufferP  float64
	MeanEffect float64
	Direction  string
	Genes      string
}

func (r region) width() int { return r.End - r.Start }

// parseDMPTable reads the dmp command's per-probe output.
func parseDMPTable(rdr io.Reader) ([]probeStat, error) {
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	var probes []probeStat
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "probe\t") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 8 {
			return nil, fmt.Errorf("dmp table line %d: expected 8 tab-separated fields, got %d", lineno, len(fields))
		}
		pos, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("dmp table line %d: bad position %q", lineno, fields[2])
		}
		effect, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("dmp table line %d: bad effect %q", lineno, fields[4])
		}
		pvalue, err := strconv.ParseFloat(fields[6], 64)
		if err != nil {
			return nil, fmt.Errorf("dmp table line %d: bad p-value %q", lineno, fields[6])
		}
		probes = append(probes, probeStat{
			id:         fields[0],
			chromosome: fields[1],
			position:   pos,
			gene:       fields[3],
			effect:     effect,
			pvalue:     pvalue,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(probes) == 0 {
		return nil, fmt.Errorf("dmp table has no probe rows")
	}
	return probes, nil
}

// signedZ converts a two-sided p-value and an effect direction into a
// signed normal quantile, capped so p-values at the floating point
// floor stay finite.
func signedZ(p, effect float64) float64 {
	if p < 1e-300 {
		p = 1e-300
	} else if p > 1 {
		p = 1
	}
	z := -stdNormal.Quantile(p / 2)
	if z > 40 {
		z = 40
	}
	if effect < 0 {
		z = -z
	}
	return z
}

// regions computes the full candidate region list, ranked. The probe
// order of the input table is irrelevant: probes are sorted by
// chromosome and position first, so the result is a deterministic
// total order.
func (cmd *dmrcmd) regions(probes []probeStat) []region {
	sort.SliceStable(probes, func(a, b int) bool {
		if probes[a].chromosome != probes[b].chromosome {
			return probes[a].chromosome < probes[b].chromosome
		}
		if probes[a].position != probes[b].position {
			return probes[a].position < probes[b].position
		}
		return probes[a].id < probes[b].id
	})
	for i := range probes {
		probes[i].z = signedZ(probes[i].pvalue, probes[i].effect)
	}

	var chroms []string
	byChrom := map[string][]probeStat{}
	for _, p := range probes {
		if len(byChrom[p.chromosome]) == 0 {
			chroms = append(chroms, p.chromosome)
		}
		byChrom[p.chromosome] = append(byChrom[p.chromosome], p)
	}

	zcut := -stdNormal.Quantile(cmd.pThreshold / 2)
	perChrom := make([][]region, len(chroms))
	throttle := throttle{Max: runtime.NumCPU()}
	for ci, chrom := range chroms {
		ci, chrom := ci, chrom
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			cp := byChrom[chrom]
			cmd.smooth(cp)
			perChrom[ci] = cmd.callRegions(cp, zcut)
		}()
	}
	throttle.Wait()

	var out []region
	for _, rs := range perChrom {
		out = append(out, rs...)
	}
	sortRegions(out)
	return out
}

// sortRegions ranks by aggregate significance ascending, ties broken
// by width descending, then chromosome and start so the order is
// total.
func sortRegions(out []region) {
	sort.SliceStable(out, func(a, b int) bool {
		pa, pb := out[a].StoufferP, out[b].StoufferP
		if pa != pb {
			return pa < pb
		}
		if out[a].width() != out[b].width() {
			return out[a].width() > out[b].width()
		}
		if out[a].Chromosome != out[b].Chromosome {
			return out[a].Chromosome < out[b].Chromosome
		}
		return out[a].Start < out[b].Start
	})
}

// smooth fills each probe's smoothed field with the Gaussian-kernel
// weighted average of the signed statistics of its neighbors within
// lambda bp on the same chromosome.
func (cmd *dmrcmd) smooth(cp []probeStat) {
	sigma := cmd.lambda / cmd.scalingC
	lo := 0
	for i := range cp {
		for float64(cp[i].position-cp[lo].position) > cmd.lambda {
			lo++
		}
		var wsum, zsum float64
		for j := lo; j < len(cp); j++ {
			d := float64(cp[j].position - cp[i].position)
			if d > cmd.lambda {
				break
			}
			w := math.Exp(-d * d / (2 * sigma * sigma))
			wsum += w
			zsum += w * cp[j].z
		}
		cp[i].smoothed = zsum / wsum
	}
}

// callRegions groups consecutive significant probes (gap below lambda
// bp) into regions and scores each by Stouffer combination of the raw
// signed statistics. An isolated significant probe yields a
// single-probe region of width zero.
func (cmd *dmrcmd) callRegions(cp []probeStat, zcut float64) []region {
	var out []region
	var current []probeStat
	flush := func() {
		if len(current) > 0 {
			out = append(out, cmd.score(current))
			current = nil
		}
	}
	for _, p := range cp {
		if math.Abs(p.smoothed) < zcut {
			flush()
			continue
		}
		if len(current) > 0 && float64(p.position-current[len(current)-1].position) >= cmd.lambda {
			flush()
		}
		current = append(current, p)
	}
	flush()
	return out
}

func (cmd *dmrcmd) score(members []probeStat) region {
	var zsum, esum float64
	genes := map[string]bool{}
	var geneList []string
	for _, p := range members {
		zsum += p.z
		esum += p.effect
		if p.gene != "" && !genes[p.gene] {
			genes[p.gene] = true
			geneList = append(geneList, p.gene)
		}
	}
	sort.Strings(geneList)
	n := float64(len(members))
	zagg := zsum / math.Sqrt(n)
	mean := esum / n
	direction := "0"
	if mean > 0 {
		direction = "+"
	} else if mean < 0 {
		direction = "-"
	}
	return region{
		Chromosome: members[0].chromosome,
		Start:      members[0].position,
		End:        members[len(members)-1].position,
		Probes:     len(members),
		StoufferP:  2 * stdNormal.Survival(math.Abs(zagg)),
		MeanEffect: mean,
		Direction:  direction,
		Genes:      strings.Join(geneList, ","),
	}
}

func writeRegionTable(w io.Writer, regions []region) error {
	_, err := fmt.Fprintln(w, "chromosome\tstart\tend\twidth\tn_probes\tstouffer_p\tmean_effect\tdirection\tgenes")
	if err != nil {
		return err
	}
	for _, r := range regions {
		_, err = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%g\t%g\t%s\t%s\n",
			r.Chromosome, r.Start, r.End, r.width(), r.Probes, r.StoufferP, r.MeanEffect, r.Direction, r.Genes)
		if err != nil {
			return err
		}
	}
	return nil
}
