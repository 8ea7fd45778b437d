// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	"github.com/james-bowman/nlp"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// pcacmd projects the samples onto the top principal components of
// the M-value matrix — the usual look at dataset structure before
// testing. With -assoc it also reports, per component, a likelihood
// ratio p-value for association with the sample groups, which is how
// a batch effect masquerading as the biological signal shows up.
type pcacmd struct {
	components int
	assoc      bool
}

func (cmd *pcacmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "", "output numpy `file` (samples × components)")
	scoresFilename := flags.String("scores", "-", "output scores tsv `file`")
	flags.IntVar(&cmd.components, "components", 4, "number of components")
	flags.BoolVar(&cmd.assoc, "assoc", false, "report group association p-value per component")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
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

	input, err := openInput(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	ms, err := readMethylSet(input, isGzFilename(*inputFilename))
	if err != nil {
		return 1
	}
	input.Close()

	if cmd.components > len(ms.Samples) {
		err = fmt.Errorf("configuration error: %d components requested but only %d samples", cmd.components, len(ms.Samples))
		return 1
	}

	log.Info("building M-value matrix")
	mvals := ms.MValues()
	nprobes, nsamples := len(ms.Probes), len(ms.Samples)
	flat := make([]float64, nprobes*nsamples)
	for i := range mvals {
		copy(flat[i*nsamples:], mvals[i])
	}
	mtx := mat.Matrix(mat.NewDense(nprobes, nsamples, flat))

	log.Print("fitting")
	transformer := nlp.NewPCA(cmd.components)
	transformer.Fit(mtx)
	log.Print("transforming")
	mtx, err = transformer.Transform(mtx)
	if err != nil {
		return 1
	}
	mtx = mtx.T() // samples × components
	rows, cols := mtx.Dims()
	scores := newMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			scores[i][j] = mtx.At(i, j)
		}
	}

	if *outputFilename != "" {
		err = writeNumpyMatrix(*outputFilename, stdout, scores, rows, cols)
		if err != nil {
			return 1
		}
	}

	output, err := openOutput(*scoresFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	fmt.Fprint(bufw, "sample\tgroup\tsource")
	for j := 0; j < cols; j++ {
		fmt.Fprintf(bufw, "\tPC%d", j+1)
	}
	fmt.Fprintln(bufw)
	for i, si := range ms.Samples {
		fmt.Fprintf(bufw, "%s\t%s\t%s", si.ID, si.Group, si.Source)
		for j := 0; j < cols; j++ {
			fmt.Fprintf(bufw, "\t%g", scores[i][j])
		}
		fmt.Fprintln(bufw)
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}

	if cmd.assoc {
		for j := 0; j < cols; j++ {
			comp := make([]float64, rows)
			for i := range comp {
				comp[i] = scores[i][j]
			}
			p := glmGroupPvalue(ms.Samples, comp)
			log.Infof("PC%d group association p-value: %g", j+1, p)
		}
	}
	return 0
}

func writeNumpyMatrix(filename string, stdout io.Writer, m [][]float64, rows, cols int) error {
	output, err := openOutput(filename, stdout)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		out = append(out, m[i][:cols]...)
	}
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}
