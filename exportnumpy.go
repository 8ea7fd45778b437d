// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// exportNumpy writes the beta or M-value matrix as a .npy file
// (probes × samples) so downstream exploration can happen in numpy or
// scikit-learn, plus optional row/column annotation csvs to keep the
// axes interpretable.
type exportNumpy struct {
	ratio string
}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output numpy `file`")
	probesFilename := flags.String("output-probes", "", "write probe annotations (rows) to csv `file`")
	samplesFilename := flags.String("output-samples", "", "write sample annotations (columns) to csv `file`")
	flags.StringVar(&cmd.ratio, "ratio", "beta", "matrix to export: beta or mvalue")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if cmd.ratio != "beta" && cmd.ratio != "mvalue" {
		err = fmt.Errorf("configuration error: -ratio must be beta or mvalue, got %q", cmd.ratio)
		return 2
	}

	input, err := openInput(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	ms, err := readMethylSet(input, isGzFilename(*inputFilename))
	if err != nil {
		return 1
	}
	input.Close()

	var matrix [][]float64
	if cmd.ratio == "beta" {
		matrix = ms.BetaValues()
	} else {
		matrix = ms.MValues()
	}
	log.Infof("export-numpy: %d probes × %d samples (%s)", len(ms.Probes), len(ms.Samples), cmd.ratio)
	err = writeNumpyMatrix(*outputFilename, stdout, matrix, len(ms.Probes), len(ms.Samples))
	if err != nil {
		return 1
	}

	if *probesFilename != "" {
		err = writeCSV(*probesFilename, stdout, [][]string{{"probe", "chromosome", "position", "design_type", "gene"}}, func(emit func([]string)) {
			for _, p := range ms.Probes {
				emit([]string{p.ID, p.Chromosome, strconv.Itoa(p.Position), p.DesignType, p.Gene})
			}
		})
		if err != nil {
			return 1
		}
	}
	if *samplesFilename != "" {
		err = writeCSV(*samplesFilename, stdout, [][]string{{"sample", "group", "source"}}, func(emit func([]string)) {
			for _, s := range ms.Samples {
				emit([]string{s.ID, s.Group, s.Source})
			}
		})
		if err != nil {
			return 1
		}
	}
	return 0
}

func writeCSV(filename string, stdout io.Writer, header [][]string, rows func(emit func([]string))) error {
	f, err := openOutput(filename, stdout)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	csvw := csv.NewWriter(bufw)
	for _, h := range header {
		if err := csvw.Write(h); err != nil {
			return err
		}
	}
	var werr error
	rows(func(rec []string) {
		if err := csvw.Write(rec); err != nil && werr == nil {
			werr = err
		}
	})
	csvw.Flush()
	if werr != nil {
		return werr
	}
	if err := csvw.Error(); err != nil {
		return err
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}
