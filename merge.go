// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"bufio"
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// merger combines raw intensity sets from multiple batches scanned
// against the same manifest. Merging happens before qc so detection
// scores and normalization see all batches together; any detection
// p-values already computed on a partial batch are discarded.
type merger struct{}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() < 2 {
		fmt.Fprintln(stderr, "usage: merge [options] batch1.gob batch2.gob ...")
		return 2
	}

	var merged *RawSet
	for _, fnm := range flags.Args() {
		var f io.ReadCloser
		f, err = openInput(fnm, stdin)
		if err != nil {
			return 1
		}
		var raw *RawSet
		raw, err = readRawSet(f, isGzFilename(fnm))
		f.Close()
		if err != nil {
			err = fmt.Errorf("%s: %w", fnm, err)
			return 1
		}
		if raw.DetectionP != nil {
			log.Warnf("%s: discarding pre-merge detection p-values (rerun qc on the merged set)", fnm)
			raw.DetectionP = nil
		}
		if merged == nil {
			merged = raw
			continue
		}
		merged, err = mergeRawSets(merged, raw)
		if err != nil {
			err = fmt.Errorf("%s: %w", fnm, err)
			return 1
		}
	}
	log.Infof("merged %d batches: %d probes × %d samples", flags.NArg(), len(merged.Probes), len(merged.Samples))

	output, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	err = writeDataset(bufw, isGzFilename(*outputFilename), &DatasetEntry{Raw: merged})
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

func mergeRawSets(a, b *RawSet) (*RawSet, error) {
	if len(a.Probes) != len(b.Probes) {
		return nil, fmt.Errorf("probe count mismatch: %d vs %d (batches must share a manifest)", len(a.Probes), len(b.Probes))
	}
	for i := range a.Probes {
		if a.Probes[i].ID != b.Probes[i].ID {
			return nil, fmt.Errorf("probe mismatch at row %d: %q vs %q (batches must share a manifest)", i, a.Probes[i].ID, b.Probes[i].ID)
		}
	}
	if len(a.ControlRed) != len(b.ControlRed) {
		return nil, fmt.Errorf("negative-control count mismatch: %d vs %d", len(a.ControlRed), len(b.ControlRed))
	}
	seen := map[string]bool{}
	for _, si := range a.Samples {
		seen[si.ID] = true
	}
	for _, si := range b.Samples {
		if seen[si.ID] {
			return nil, fmt.Errorf("duplicate sample %q", si.ID)
		}
	}
	out := &RawSet{
		Probes:       a.Probes,
		Samples:      append(append([]SampleInfo(nil), a.Samples...), b.Samples...),
		Red:          appendColumns(a.Red, b.Red),
		Green:        appendColumns(a.Green, b.Green),
		ControlRed:   appendColumns(a.ControlRed, b.ControlRed),
		ControlGreen: appendColumns(a.ControlGreen, b.ControlGreen),
	}
	return out, nil
}

func appendColumns(a, b [][]float64) [][]float64 {
	if len(a) == 0 {
		return a
	}
	out := newMatrix(len(a), len(a[0])+len(b[0]))
	for i := range a {
		copy(out[i], a[i])
		copy(out[i][len(a[i]):], b[i])
	}
	return out
}
