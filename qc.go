// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

// qccmd computes detection p-values from the negative-control
// background and drops samples whose mean detection score is worse
// than the threshold. The retained set, with its DetectionP matrix
// filled in, is what every later stage consumes.
type qccmd struct {
	threshold   float64
	summaryFile string
}

// madScale converts a median absolute deviation to a consistent
// estimate of a normal sigma.
const madScale = 1.4826

func (cmd *qccmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	flags.Float64Var(&cmd.threshold, "threshold", 0.05, "drop samples whose mean detection p-value exceeds `P`")
	flags.StringVar(&cmd.summaryFile, "summary", "", "write per-sample qc summary json to `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	input, err := openInput(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	raw, err := readRawSet(input, isGzFilename(*inputFilename))
	if err != nil {
		return 1
	}
	input.Close()

	raw.DetectionP = detectionPvalues(raw)
	kept, summary, err := applyQC(raw, cmd.threshold)
	if err != nil {
		return 1
	}
	log.Infof("qc: %d of %d samples pass (threshold %g)", len(kept.Samples), len(raw.Samples), cmd.threshold)

	if cmd.summaryFile != "" {
		var sf io.WriteCloser
		sf, err = openOutput(cmd.summaryFile, stdout)
		if err != nil {
			return 1
		}
		j, _ := json.MarshalIndent(summary, "", " ")
		_, err = fmt.Fprintf(sf, "%s\n", j)
		if err != nil {
			return 1
		}
		err = sf.Close()
		if err != nil {
			return 1
		}
	}

	output, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	err = writeDataset(bufw, isGzFilename(*outputFilename), &DatasetEntry{Raw: kept})
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

// detectionPvalues scores every probe/sample pair against a normal
// background whose location and spread come from the sample's
// negative controls (median and scaled MAD, channels summed). Smaller
// means more confidently detected.
func detectionPvalues(raw *RawSet) [][]float64 {
	detP := newMatrix(len(raw.Probes), len(raw.Samples))
	for col := range raw.Samples {
		bg := make([]float64, len(raw.ControlRed))
		for i := range raw.ControlRed {
			bg[i] = raw.ControlRed[i][col] + raw.ControlGreen[i][col]
		}
		mu, _ := stats.Median(bg)
		mad, _ := stats.MedianAbsoluteDeviation(bg)
		sigma := mad * madScale
		if sigma <= 0 {
			// degenerate controls (all equal); any excess over
			// background still counts as detected
			sigma = 1
		}
		dist := distuv.Normal{Mu: mu, Sigma: sigma}
		for i := range raw.Probes {
			detP[i][col] = dist.Survival(raw.Red[i][col] + raw.Green[i][col])
		}
	}
	return detP
}

type qcSampleSummary struct {
	Sample           string
	Group            string
	MeanDetectionP   float64
	MedianDetectionP float64
	Pass             bool
}

// applyQC drops failing samples and returns a fresh RawSet containing
// only the retained columns. A sample whose mean score sits exactly at
// the threshold is retained; only scores strictly above it fail.
func applyQC(raw *RawSet, threshold float64) (*RawSet, []qcSampleSummary, error) {
	summary := make([]qcSampleSummary, len(raw.Samples))
	var keep []int
	for col, si := range raw.Samples {
		scores := make([]float64, len(raw.Probes))
		for i := range raw.Probes {
			scores[i] = raw.DetectionP[i][col]
		}
		mean := 0.0
		for _, p := range scores {
			mean += p
		}
		mean /= float64(len(scores))
		median, _ := stats.Median(scores)
		pass := mean <= threshold
		summary[col] = qcSampleSummary{
			Sample:           si.ID,
			Group:            si.Group,
			MeanDetectionP:   mean,
			MedianDetectionP: median,
			Pass:             pass,
		}
		if pass {
			keep = append(keep, col)
		} else {
			log.Warnf("qc: dropping sample %s (mean detection p %g > %g)", si.ID, mean, threshold)
		}
	}
	if len(keep) == 0 {
		return nil, summary, fmt.Errorf("configuration error: detection threshold %g fails all %d samples", threshold, len(raw.Samples))
	}
	kept := &RawSet{
		Probes:       raw.Probes,
		Samples:      make([]SampleInfo, len(keep)),
		Red:          newMatrix(len(raw.Probes), len(keep)),
		Green:        newMatrix(len(raw.Probes), len(keep)),
		ControlRed:   newMatrix(len(raw.ControlRed), len(keep)),
		ControlGreen: newMatrix(len(raw.ControlGreen), len(keep)),
		DetectionP:   newMatrix(len(raw.Probes), len(keep)),
	}
	for newcol, col := range keep {
		kept.Samples[newcol] = raw.Samples[col]
		for i := range raw.Probes {
			kept.Red[i][newcol] = raw.Red[i][col]
			kept.Green[i][newcol] = raw.Green[i][col]
			kept.DetectionP[i][newcol] = raw.DetectionP[i][col]
		}
		for i := range raw.ControlRed {
			kept.ControlRed[i][newcol] = raw.ControlRed[i][col]
			kept.ControlGreen[i][newcol] = raw.ControlGreen[i][col]
		}
	}
	return kept, summary, nil
}
