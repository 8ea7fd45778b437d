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
)

// statscmd summarizes a dataset gob (raw or normalized) as json:
// dimensions, group composition, and the quartiles of the relevant
// signal distribution. Handy as a quick sanity check between stages.
type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	ent, err := readDataset(input, isGzFilename(*inputFilename))
	if err != nil {
		return 1
	}
	input.Close()

	output, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	err = cmd.doStats(ent, bufw)
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

type signalSummary struct {
	Min    float64
	Q1     float64
	Median float64
	Q3     float64
	Max    float64
}

func summarize(values []float64) signalSummary {
	min, _ := stats.Min(values)
	q1, _ := stats.Percentile(values, 25)
	median, _ := stats.Median(values)
	q3, _ := stats.Percentile(values, 75)
	max, _ := stats.Max(values)
	return signalSummary{Min: min, Q1: q1, Median: median, Q3: q3, Max: max}
}

func (cmd *statscmd) doStats(ent *DatasetEntry, output io.Writer) error {
	var ret struct {
		Kind          string
		Probes        int
		Samples       int
		Groups        map[string]int
		DesignTypes   map[string]int
		Signal        signalSummary  `json:",omitempty"`
		Beta          *signalSummary `json:",omitempty"`
		HasDetectionP bool
	}
	ret.Groups = map[string]int{}
	ret.DesignTypes = map[string]int{}
	var probes []ProbeInfo
	var samples []SampleInfo
	switch {
	case ent.Raw != nil:
		ret.Kind = "raw"
		probes, samples = ent.Raw.Probes, ent.Raw.Samples
		var total []float64
		for i := range ent.Raw.Probes {
			for j := range ent.Raw.Samples {
				total = append(total, ent.Raw.Red[i][j]+ent.Raw.Green[i][j])
			}
		}
		ret.Signal = summarize(total)
		ret.HasDetectionP = ent.Raw.DetectionP != nil
	case ent.Methyl != nil:
		ret.Kind = "normalized"
		probes, samples = ent.Methyl.Probes, ent.Methyl.Samples
		var total, betas []float64
		for i := range ent.Methyl.Probes {
			for j := range ent.Methyl.Samples {
				m, u := ent.Methyl.Meth[i][j], ent.Methyl.Unmeth[i][j]
				total = append(total, m+u)
				betas = append(betas, beta(m, u))
			}
		}
		ret.Signal = summarize(total)
		b := summarize(betas)
		ret.Beta = &b
		ret.HasDetectionP = ent.Methyl.DetectionP != nil
	default:
		return fmt.Errorf("input contains no dataset")
	}
	ret.Probes = len(probes)
	ret.Samples = len(samples)
	for _, si := range samples {
		ret.Groups[si.Group]++
	}
	for _, p := range probes {
		ret.DesignTypes[p.DesignType]++
	}
	j, err := json.MarshalIndent(ret, "", " ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(output, "%s\n", j)
	return err
}
