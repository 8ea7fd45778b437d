// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// probefilter removes unreliable probes before any per-site testing:
// probes not confidently detected in every retained sample, probes
// sitting on known genetic variants, and probes known to cross-map to
// multiple genome locations. The three criteria are independent masks
// combined by intersection, so application order cannot matter.
type probefilter struct {
	DetectionP        float64
	VariantFile       string
	CrossReactiveFile string
}

func (f *probefilter) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&f.DetectionP, "detection-p", 0.01, "drop probes with detection p-value ≥ `P` in any retained sample")
	flags.StringVar(&f.VariantFile, "variants", "", "known-variant positions tsv `file` (chromosome, position)")
	flags.StringVar(&f.CrossReactiveFile, "cross-reactive", "", "cross-reactive probe id list `file`")
}

// Apply returns a new MethylSet restricted to probes passing all
// configured filters.
func (f *probefilter) Apply(ms *MethylSet) (*MethylSet, error) {
	keep := make([]bool, len(ms.Probes))
	for i := range keep {
		keep[i] = true
	}

	if f.DetectionP > 0 {
		if ms.DetectionP == nil {
			return nil, fmt.Errorf("input has no detection p-values (run qc before filter)")
		}
		mask, err := f.detectionMask(ms)
		if err != nil {
			return nil, err
		}
		intersect(keep, mask)
	}
	if f.VariantFile != "" {
		mask, err := f.variantMask(ms)
		if err != nil {
			return nil, err
		}
		intersect(keep, mask)
	}
	if f.CrossReactiveFile != "" {
		mask, err := f.crossReactiveMask(ms)
		if err != nil {
			return nil, err
		}
		intersect(keep, mask)
	}

	n := 0
	for _, ok := range keep {
		if ok {
			n++
		}
	}
	log.Infof("filter: %d of %d probes retained", n, len(ms.Probes))
	out := &MethylSet{
		Probes:     make([]ProbeInfo, 0, n),
		Samples:    ms.Samples,
		Meth:       newMatrix(n, len(ms.Samples)),
		Unmeth:     newMatrix(n, len(ms.Samples)),
		DetectionP: newMatrix(n, len(ms.Samples)),
		Floor:      ms.Floor,
	}
	row := 0
	for i, ok := range keep {
		if !ok {
			continue
		}
		out.Probes = append(out.Probes, ms.Probes[i])
		copy(out.Meth[row], ms.Meth[i])
		copy(out.Unmeth[row], ms.Unmeth[i])
		if ms.DetectionP != nil {
			copy(out.DetectionP[row], ms.DetectionP[i])
		}
		row++
	}
	return out, nil
}

func intersect(keep, mask []bool) {
	for i := range keep {
		keep[i] = keep[i] && mask[i]
	}
}

func (f *probefilter) detectionMask(ms *MethylSet) ([]bool, error) {
	mask := make([]bool, len(ms.Probes))
	for i := range ms.Probes {
		ok := true
		for j := range ms.Samples {
			if ms.DetectionP[i][j] >= f.DetectionP {
				ok = false
				break
			}
		}
		mask[i] = ok
	}
	return mask, nil
}

func (f *probefilter) variantMask(ms *MethylSet) ([]bool, error) {
	file, err := os.Open(f.VariantFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	variants := map[string]bool{}
	lineno := 0
	scanner := bufio.NewScanner(bufio.NewReader(file))
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, fmt.Errorf("%s line %d: expected chromosome and position", f.VariantFile, lineno)
		}
		if _, err := strconv.Atoi(fields[1]); err != nil {
			return nil, fmt.Errorf("%s line %d: bad position %q", f.VariantFile, lineno, fields[1])
		}
		variants[fields[0]+":"+fields[1]] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", f.VariantFile, err)
	}
	mask := make([]bool, len(ms.Probes))
	for i, p := range ms.Probes {
		mask[i] = !variants[p.Chromosome+":"+strconv.Itoa(p.Position)]
	}
	return mask, nil
}

func (f *probefilter) crossReactiveMask(ms *MethylSet) ([]bool, error) {
	file, err := os.Open(f.CrossReactiveFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	ids := map[string]bool{}
	scanner := bufio.NewScanner(bufio.NewReader(file))
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id != "" && !strings.HasPrefix(id, "#") {
			ids[id] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", f.CrossReactiveFile, err)
	}
	mask := make([]bool, len(ms.Probes))
	for i, p := range ms.Probes {
		mask[i] = !ids[p.ID]
	}
	return mask, nil
}

type filtercmd struct {
	probefilter
}

func (cmd *filtercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	cmd.probefilter.Flags(flags)
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
	ms, err := readMethylSet(input, isGzFilename(*inputFilename))
	if err != nil {
		return 1
	}
	input.Close()

	filtered, err := cmd.probefilter.Apply(ms)
	if err != nil {
		return 1
	}

	output, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	err = writeDataset(bufw, isGzFilename(*outputFilename), &DatasetEntry{Methyl: filtered})
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
