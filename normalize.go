// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"runtime"
	"sort"

	log "github.com/sirupsen/logrus"
)

// normalizer converts raw two-channel intensities into comparable
// methylated/unmethylated estimates via quantile normalization,
// stratified by probe design type. Channel identity does not survive
// this step: the output MethylSet is the compact representation every
// downstream stage works from.
type normalizer struct {
	floor float64
}

func (cmd *normalizer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.Float64Var(&cmd.floor, "floor", 1, "clamp normalized intensities below `F` (must be > 0)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if cmd.floor <= 0 {
		err = fmt.Errorf("configuration error: -floor must be > 0, got %g", cmd.floor)
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

	ms := cmd.normalize(raw)
	log.Infof("normalized %d probes × %d samples (floor %g)", len(ms.Probes), len(ms.Samples), cmd.floor)

	output, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	err = writeDataset(bufw, isGzFilename(*outputFilename), &DatasetEntry{Methyl: ms})
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

// normalize builds the MethylSet: green is the methylated estimate,
// red the unmethylated, each quantile-normalized across samples within
// its design-type stratum, then floored so log ratios stay finite.
func (cmd *normalizer) normalize(raw *RawSet) *MethylSet {
	ms := &MethylSet{
		Probes:  raw.Probes,
		Samples: raw.Samples,
		Meth:    newMatrix(len(raw.Probes), len(raw.Samples)),
		Unmeth:  newMatrix(len(raw.Probes), len(raw.Samples)),
		Floor:   cmd.floor,
	}
	if raw.DetectionP != nil {
		ms.DetectionP = newMatrix(len(raw.Probes), len(raw.Samples))
		for i := range raw.DetectionP {
			copy(ms.DetectionP[i], raw.DetectionP[i])
		}
	}
	for i := range raw.Probes {
		copy(ms.Meth[i], raw.Green[i])
		copy(ms.Unmeth[i], raw.Red[i])
	}

	strata := map[string][]int{}
	for i, p := range raw.Probes {
		strata[p.DesignType] = append(strata[p.DesignType], i)
	}
	var names []string
	for name := range strata {
		names = append(names, name)
	}
	sort.Strings(names)

	throttle := throttle{Max: runtime.NumCPU()}
	for _, name := range names {
		rows := strata[name]
		log.Debugf("normalizing stratum %s: %d probes", name, len(rows))
		for _, channel := range [][][]float64{ms.Meth, ms.Unmeth} {
			channel := channel
			throttle.Acquire()
			go func() {
				defer throttle.Release()
				quantileNormalize(channel, rows)
			}()
		}
	}
	throttle.Wait()

	for i := range ms.Probes {
		for j := range ms.Samples {
			if ms.Meth[i][j] < cmd.floor {
				ms.Meth[i][j] = cmd.floor
			}
			if ms.Unmeth[i][j] < cmd.floor {
				ms.Unmeth[i][j] = cmd.floor
			}
		}
	}
	return ms
}

// quantileNormalize aligns the empirical distribution of matrix[rows]
// across columns: each column's sorted values are replaced by the mean
// of all columns' sorted values at the same rank. Columns that already
// share one distribution come through unchanged.
func quantileNormalize(matrix [][]float64, rows []int) {
	if len(rows) == 0 {
		return
	}
	ncol := len(matrix[rows[0]])
	order := make([][]int, ncol)
	ref := make([]float64, len(rows))
	for j := 0; j < ncol; j++ {
		idx := make([]int, len(rows))
		for k := range rows {
			idx[k] = k
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return matrix[rows[idx[a]]][j] < matrix[rows[idx[b]]][j]
		})
		order[j] = idx
		for rank, k := range idx {
			ref[rank] += matrix[rows[k]][j] / float64(ncol)
		}
	}
	for j := 0; j < ncol; j++ {
		for rank, k := range order[j] {
			matrix[rows[k]][j] = ref[rank]
		}
	}
}
