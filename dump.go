// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"bufio"
	"flag"
	"fmt"
	"io"
)

// dumpcmd turns a gob dataset back into a tab-separated text view for
// eyeballing and debugging.
type dumpcmd struct {
	limit int
}

func (cmd *dumpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.limit, "limit", -1, "dump at most `N` probe rows (-1 for all)")
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
	err = cmd.dump(ent, bufw)
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

func (cmd *dumpcmd) dump(ent *DatasetEntry, w io.Writer) error {
	switch {
	case ent.Raw != nil:
		raw := ent.Raw
		for _, si := range raw.Samples {
			fmt.Fprintf(w, "# sample\t%s\tgroup=%s\tsource=%s\tfile=%s\tfingerprint=%x\n", si.ID, si.Group, si.Source, si.Filename, si.Fingerprint)
		}
		fmt.Fprintln(w, "probe\tchromosome\tposition\tdesign_type\tchannel\tintensities...")
		for i, p := range raw.Probes {
			if cmd.limit >= 0 && i >= cmd.limit {
				break
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\tred", p.ID, p.Chromosome, p.Position, p.DesignType)
			for _, v := range raw.Red[i] {
				fmt.Fprintf(w, "\t%g", v)
			}
			fmt.Fprintf(w, "\n%s\t%s\t%d\t%s\tgreen", p.ID, p.Chromosome, p.Position, p.DesignType)
			for _, v := range raw.Green[i] {
				fmt.Fprintf(w, "\t%g", v)
			}
			fmt.Fprintln(w)
		}
	case ent.Methyl != nil:
		ms := ent.Methyl
		for _, si := range ms.Samples {
			fmt.Fprintf(w, "# sample\t%s\tgroup=%s\tsource=%s\n", si.ID, si.Group, si.Source)
		}
		fmt.Fprintf(w, "# floor\t%g\n", ms.Floor)
		fmt.Fprintln(w, "probe\tchromosome\tposition\tdesign_type\tchannel\tvalues...")
		for i, p := range ms.Probes {
			if cmd.limit >= 0 && i >= cmd.limit {
				break
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\tmeth", p.ID, p.Chromosome, p.Position, p.DesignType)
			for _, v := range ms.Meth[i] {
				fmt.Fprintf(w, "\t%g", v)
			}
			fmt.Fprintf(w, "\n%s\t%s\t%d\t%s\tunmeth", p.ID, p.Chromosome, p.Position, p.DesignType)
			for _, v := range ms.Unmeth[i] {
				fmt.Fprintf(w, "\t%g", v)
			}
			fmt.Fprintln(w)
		}
	default:
		return fmt.Errorf("input contains no dataset")
	}
	return nil
}
