// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// Empirical-Bayes variance moderation, following the published limma
// eBayes formulas: per-probe residual variances are modelled as scaled
// inverse-chi-squared draws from a prior (s02, df0) estimated from the
// whole set of variances, and each probe's estimate is replaced by the
// posterior mean. With few samples per group this borrows strength
// across probes instead of trusting noisy per-probe variances.

// residual variances of exactly zero (constant probes) would break the
// log-moment fit; they are floored here and shrunk toward the prior
// like everything else.
const minResidualVar = 1e-10

// squeezeVar estimates the inverse-chi-squared prior from s2 (each
// with df residual degrees of freedom) and returns the prior along
// with the posterior variance for every probe. df0 is +Inf when the
// observed variances are consistent with a single common value.
func squeezeVar(s2 []float64, df float64) (df0, s02 float64, s2post []float64) {
	df0, s02 = fitFDist(s2, df)
	s2post = make([]float64, len(s2))
	if math.IsInf(df0, 1) {
		for i := range s2post {
			s2post[i] = s02
		}
		return df0, s02, s2post
	}
	for i, v := range s2 {
		if v < minResidualVar {
			v = minResidualVar
		}
		s2post[i] = (df0*s02 + df*v) / (df0 + df)
	}
	return df0, s02, s2post
}

// fitFDist fits a scaled F-distribution to the variances by matching
// moments of log(s2): the mean and spread of the log variances,
// corrected for the chi-squared noise each carries, identify the prior
// scale and degrees of freedom.
func fitFDist(s2 []float64, df float64) (df0, s02 float64) {
	n := len(s2)
	e := make([]float64, n)
	offset := mathext.Digamma(df/2) - math.Log(df/2)
	var emean float64
	for i, v := range s2 {
		if v < minResidualVar {
			v = minResidualVar
		}
		e[i] = math.Log(v) - offset
		emean += e[i]
	}
	emean /= float64(n)
	if n < 2 {
		return math.Inf(1), math.Exp(emean)
	}
	var evar float64
	for _, x := range e {
		d := x - emean
		evar += d * d
	}
	evar = evar/float64(n-1) - trigamma(df/2)
	if evar <= 0 {
		return math.Inf(1), math.Exp(emean)
	}
	df0 = 2 * trigammaInverse(evar)
	s02 = math.Exp(emean + mathext.Digamma(df0/2) - math.Log(df0/2))
	return df0, s02
}

// trigamma computes psi'(x) by pushing x into the asymptotic range
// with the recurrence trigamma(x) = trigamma(x+1) + 1/x².
func trigamma(x float64) float64 {
	if x <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for x < 8 {
		sum += 1 / (x * x)
		x++
	}
	inv := 1 / (x * x)
	// asymptotic expansion with Bernoulli-number coefficients
	tail := 1/x + inv/2 + inv/x*(1.0/6-inv*(1.0/30-inv*(1.0/42-inv/30)))
	return sum + tail
}

// trigammaInverse solves trigamma(x) == y. Trigamma is strictly
// decreasing on (0, inf), so bisection is safe and, being called once
// per fit, fast enough.
func trigammaInverse(y float64) float64 {
	if y > 1e7 {
		return 1 / math.Sqrt(y)
	}
	if y < 1e-6 {
		return 1 / y
	}
	lo, hi := 1e-8, 1e8
	for i := 0; i < 200 && hi-lo > lo*1e-12; i++ {
		mid := (lo + hi) / 2
		if trigamma(mid) > y {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// moderatedPvalue converts a moderated t statistic with df total
// degrees of freedom to a two-sided p-value.
func moderatedPvalue(t, df float64) float64 {
	if math.IsNaN(t) {
		return math.NaN()
	}
	if math.IsInf(df, 1) {
		return 2 * distuv.Normal{Mu: 0, Sigma: 1}.Survival(math.Abs(t))
	}
	return 2 * distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Survival(math.Abs(t))
}

// bhAdjust applies the Benjamini-Hochberg false discovery rate
// correction, including the step that enforces monotonicity of the
// adjusted values.
func bhAdjust(p []float64) []float64 {
	n := len(p)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return p[order[a]] < p[order[b]] })
	adj := make([]float64, n)
	min := 1.0
	for i := n - 1; i >= 0; i-- {
		q := p[order[i]] * float64(n) / float64(i+1)
		if q < min {
			min = q
		}
		adj[order[i]] = min
	}
	return adj
}
