// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

func normalize(a []float64) {
	mean, std := stat.MeanStdDev(a, nil)
	for i, x := range a {
		a[i] = (x - mean) / std
	}
}

// Logistic regression of group membership on one principal component:
// the likelihood ratio against an intercept-only model tells us
// whether the component separates the two groups. Requires exactly two
// groups; anything else returns NaN.
func glmGroupPvalue(samples []SampleInfo, component []float64) (p float64) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			p = math.NaN()
		}
	}()

	groups := levels(samples, func(si SampleInfo) string { return si.Group })
	if len(groups) != 2 {
		return math.NaN()
	}

	outcome := make([]statmodel.Dtype, len(samples))
	constants := make([]statmodel.Dtype, len(samples))
	scores := make([]statmodel.Dtype, len(samples))
	series := append([]float64(nil), component...)
	normalize(series)
	for i, si := range samples {
		if si.Group == groups[1] {
			outcome[i] = 1
		}
		constants[i] = 1
		scores[i] = series[i]
	}

	nullData := [][]statmodel.Dtype{outcome, constants}
	nullNames := []string{"outcome", "constants"}
	nullModel, err := glm.NewGLM(statmodel.NewDataset(nullData, nullNames), "outcome", nullNames[1:], glmConfig)
	if err != nil {
		return math.NaN()
	}
	logNull := nullModel.Fit().LogLike()

	data := [][]statmodel.Dtype{outcome, constants, scores}
	names := []string{"outcome", "constants", "component"}
	model, err := glm.NewGLM(statmodel.NewDataset(data, names), "outcome", names[1:], glmConfig)
	if err != nil {
		return math.NaN()
	}
	logFull := model.Fit().LogLike()

	dist := distuv.ChiSquared{K: 1}
	return dist.Survival(-2 * (logNull - logFull))
}
