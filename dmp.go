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
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// dmpcmd fits a per-probe linear model of the M-values against the
// sample-group design (plus optional nuisance covariates), moderates
// the per-probe variances with the empirical-Bayes squeeze, and writes
// one BH-adjusted result table per requested contrast.
type dmpcmd struct {
	covariates string
	contrasts  string
}

func (cmd *dmpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	outputPrefix := flags.String("o", "-", "output `prefix` (one <prefix><contrast>.tsv per contrast; - for stdout)")
	flags.StringVar(&cmd.covariates, "covariates", "", "comma-separated nuisance `covariates` to adjust for (supported: source)")
	flags.StringVar(&cmd.contrasts, "contrasts", "", "comma-separated `contrasts` like groupB-groupA (default: second group minus first)")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	input, err := openInput(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	ms, err := readMethylSet(input, isGzFilename(*inputFilename))
	if err != nil {
		return 1
	}
	input.Close()

	design, err := newDesign(ms.Samples, splitList(cmd.covariates))
	if err != nil {
		return 1
	}
	contrasts, err := design.parseContrasts(splitList(cmd.contrasts))
	if err != nil {
		return 1
	}

	fit, err := lmFit(ms, design)
	if err != nil {
		return 1
	}
	log.Infof("dmp: fitted %d probes, %d coefficients, %g residual df (prior df %g)", len(ms.Probes), len(design.colNames), fit.residDF, fit.priorDF)

	for _, con := range contrasts {
		results := fit.contrastResults(con)
		var w io.WriteCloser
		if *outputPrefix == "-" {
			fmt.Fprintf(stdout, "# contrast: %s\n", con.name)
			w = nopCloser{stdout}
		} else {
			w, err = openOutput(*outputPrefix+con.name+".tsv", stdout)
			if err != nil {
				return 1
			}
		}
		bufw := bufio.NewWriter(w)
		err = writeDMPTable(bufw, results)
		if err != nil {
			return 1
		}
		err = bufw.Flush()
		if err != nil {
			return 1
		}
		err = w.Close()
		if err != nil {
			return 1
		}
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// design is a samples × coefficients matrix with reference-level
// one-hot coding: an intercept, one column per non-reference group
// level, and one per non-reference level of each nuisance covariate.
type design struct {
	x        [][]float64
	colNames []string
	groups   []string // sorted group levels; groups[0] is the reference
	groupCol map[string]int
}

func newDesign(samples []SampleInfo, covariates []string) (*design, error) {
	groups := levels(samples, func(si SampleInfo) string { return si.Group })
	if len(groups) < 2 {
		return nil, fmt.Errorf("configuration error: need at least 2 groups, have %v", groups)
	}
	d := &design{
		groups:   groups,
		groupCol: map[string]int{},
		colNames: []string{"(Intercept)"},
	}
	d.groupCol[groups[0]] = -1 // reference level, no column
	for _, g := range groups[1:] {
		d.groupCol[g] = len(d.colNames)
		d.colNames = append(d.colNames, "group"+g)
	}
	type indicator struct {
		col   int
		match func(SampleInfo) bool
	}
	var indicators []indicator
	for _, g := range groups[1:] {
		g := g
		indicators = append(indicators, indicator{d.groupCol[g], func(si SampleInfo) bool { return si.Group == g }})
	}
	for _, cov := range covariates {
		if cov != "source" {
			return nil, fmt.Errorf("configuration error: unsupported covariate %q (supported: source)", cov)
		}
		lvls := levels(samples, func(si SampleInfo) string { return si.Source })
		for _, l := range lvls[1:] {
			l := l
			indicators = append(indicators, indicator{len(d.colNames), func(si SampleInfo) bool { return si.Source == l }})
			d.colNames = append(d.colNames, "source"+l)
		}
	}

	p := len(d.colNames)
	if len(samples) <= p {
		return nil, fmt.Errorf("configuration error: %d samples cannot identify %d coefficients with residual degrees of freedom to spare", len(samples), p)
	}
	d.x = newMatrix(len(samples), p)
	for row, si := range samples {
		d.x[row][0] = 1
		for _, ind := range indicators {
			if ind.match(si) {
				d.x[row][ind.col] = 1
			}
		}
	}
	if err := d.checkRank(); err != nil {
		return nil, err
	}
	return d, nil
}

func levels(samples []SampleInfo, key func(SampleInfo) string) []string {
	seen := map[string]bool{}
	var out []string
	for _, si := range samples {
		if k := key(si); !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// checkRank runs modified Gram-Schmidt over the design columns and
// fails with the name of the first column that is a linear combination
// of its predecessors. Catching this here keeps the normal-equation
// inverse in lmFit well defined.
func (d *design) checkRank() error {
	n, p := len(d.x), len(d.colNames)
	basis := make([][]float64, 0, p)
	for j := 0; j < p; j++ {
		v := make([]float64, n)
		for i := 0; i < n; i++ {
			v[i] = d.x[i][j]
		}
		norm0 := vecNorm(v)
		for _, b := range basis {
			dot := 0.0
			for i := range v {
				dot += v[i] * b[i]
			}
			for i := range v {
				v[i] -= dot * b[i]
			}
		}
		norm := vecNorm(v)
		if norm <= 1e-8*math.Max(norm0, 1) {
			return fmt.Errorf("configuration error: design matrix is rank deficient: column %q is a linear combination of earlier columns", d.colNames[j])
		}
		for i := range v {
			v[i] /= norm
		}
		basis = append(basis, v)
	}
	return nil
}

func vecNorm(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// contrast is a linear combination of design coefficients defining one
// comparison of interest.
type contrast struct {
	name string
	c    []float64
}

// parseContrasts resolves specs like "groupB-groupA" (group level
// names separated by a minus sign) into coefficient combinations. With
// no specs, the default is the second group level minus the first.
func (d *design) parseContrasts(specs []string) ([]contrast, error) {
	if len(specs) == 0 {
		specs = []string{d.groups[1] + "-" + d.groups[0]}
	}
	var out []contrast
	for _, spec := range specs {
		halves := strings.SplitN(spec, "-", 2)
		if len(halves) != 2 {
			return nil, fmt.Errorf("validation error: contrast %q is not of the form groupA-groupB", spec)
		}
		c := make([]float64, len(d.colNames))
		for i, grp := range halves {
			col, ok := d.groupCol[grp]
			if !ok {
				return nil, fmt.Errorf("validation error: contrast %q references undefined group %q (groups: %s)", spec, grp, strings.Join(d.groups, ", "))
			}
			if col >= 0 {
				c[col] += 1 - 2*float64(i) // +1 for the left side, -1 for the right
			}
		}
		out = append(out, contrast{name: spec, c: c})
	}
	return out, nil
}

// lmfit holds the shared per-probe OLS results that every contrast is
// computed from.
type lmfit struct {
	probes   []ProbeInfo
	coef     [][]float64 // probes × coefficients
	xtxInv   *mat.Dense
	residDF  float64
	s2       []float64
	s2post   []float64
	priorDF  float64
	priorVar float64
	totalDF  float64
}

// lmFit runs ordinary least squares of every probe's M-value vector
// against the design, sharing one normal-equation inverse across all
// probes, then squeezes the residual variances.
func lmFit(ms *MethylSet, d *design) (*lmfit, error) {
	n, p := len(d.x), len(d.colNames)
	xdata := make([]float64, n*p)
	for i, row := range d.x {
		copy(xdata[i*p:], row)
	}
	X := mat.NewDense(n, p, xdata)
	var xtx mat.Dense
	xtx.Mul(X.T(), X)
	var xtxInv mat.Dense
	if err := xtxInv.Inverse(&xtx); err != nil {
		// checkRank makes this unreachable short of severe
		// conditioning problems
		return nil, fmt.Errorf("configuration error: design matrix is numerically singular: %w", err)
	}
	var pinv mat.Dense
	pinv.Mul(&xtxInv, X.T())
	// copy out for tight per-probe loops
	pinvRows := newMatrix(p, n)
	for j := 0; j < p; j++ {
		for i := 0; i < n; i++ {
			pinvRows[j][i] = pinv.At(j, i)
		}
	}

	mvals := ms.MValues()
	fit := &lmfit{
		probes:  ms.Probes,
		coef:    newMatrix(len(ms.Probes), p),
		xtxInv:  &xtxInv,
		residDF: float64(n - p),
		s2:      make([]float64, len(ms.Probes)),
	}

	throttle := throttle{Max: runtime.NumCPU()}
	chunk := (len(ms.Probes) + throttle.Max - 1) / throttle.Max
	if chunk < 1 {
		chunk = 1
	}
	for start := 0; start < len(ms.Probes); start += chunk {
		start, end := start, start+chunk
		if end > len(ms.Probes) {
			end = len(ms.Probes)
		}
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			resid := make([]float64, n)
			for i := start; i < end; i++ {
				y := mvals[i]
				coef := fit.coef[i]
				for j := 0; j < p; j++ {
					dot := 0.0
					for k := 0; k < n; k++ {
						dot += pinvRows[j][k] * y[k]
					}
					coef[j] = dot
				}
				for k := 0; k < n; k++ {
					pred := 0.0
					for j := 0; j < p; j++ {
						pred += d.x[k][j] * coef[j]
					}
					resid[k] = y[k] - pred
				}
				rss := 0.0
				for _, r := range resid {
					rss += r * r
				}
				fit.s2[i] = rss / fit.residDF
			}
		}()
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}

	fit.priorDF, fit.priorVar, fit.s2post = squeezeVar(fit.s2, fit.residDF)
	fit.totalDF = fit.residDF + fit.priorDF
	return fit, nil
}

// dmpResult is one probe's differential methylation test for one
// contrast.
type dmpResult struct {
	Probe     ProbeInfo
	LogFC     float64
	T         float64
	PValue    float64
	AdjPValue float64
}

// contrastResults computes moderated t statistics and BH-adjusted
// p-values for one contrast, sorted most significant first.
func (fit *lmfit) contrastResults(con contrast) []dmpResult {
	p := len(con.c)
	// unscaled variance factor cᵀ(XᵀX)⁻¹c
	varFactor := 0.0
	for a := 0; a < p; a++ {
		for b := 0; b < p; b++ {
			varFactor += con.c[a] * fit.xtxInv.At(a, b) * con.c[b]
		}
	}
	results := make([]dmpResult, len(fit.probes))
	pvals := make([]float64, len(fit.probes))
	for i := range fit.probes {
		effect := 0.0
		for j := 0; j < p; j++ {
			effect += con.c[j] * fit.coef[i][j]
		}
		se := math.Sqrt(varFactor * fit.s2post[i])
		t := effect / se
		pv := moderatedPvalue(t, fit.totalDF)
		results[i] = dmpResult{Probe: fit.probes[i], LogFC: effect, T: t, PValue: pv}
		pvals[i] = pv
	}
	adj := bhAdjust(pvals)
	for i := range results {
		results[i].AdjPValue = adj[i]
	}
	sort.SliceStable(results, func(a, b int) bool {
		pa, pb := results[a].PValue, results[b].PValue
		if pa != pb {
			return pa < pb || math.IsNaN(pb) && !math.IsNaN(pa)
		}
		return results[a].Probe.ID < results[b].Probe.ID
	})
	return results
}

func writeDMPTable(w io.Writer, results []dmpResult) error {
	_, err := fmt.Fprintln(w, "probe\tchromosome\tposition\tgene\tlogFC\tt\tP.Value\tadj.P.Val")
	if err != nil {
		return err
	}
	for _, r := range results {
		_, err = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%g\t%g\t%g\t%g\n",
			r.Probe.ID, r.Probe.Chromosome, r.Probe.Position, r.Probe.Gene,
			r.LogFC, r.T, r.PValue, r.AdjPValue)
		if err != nil {
			return err
		}
	}
	return nil
}
