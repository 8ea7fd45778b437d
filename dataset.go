// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"bufio"
	"encoding/gob"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
)

// ProbeInfo describes one CpG probe on the array. Negative-control
// probes are not ProbeInfo entries; their intensities live in the
// RawSet control matrices.
type ProbeInfo struct {
	ID         string
	Chromosome string
	Position   int
	DesignType string // probe chemistry stratum, "I" or "II"
	Gene       string
}

// SampleInfo describes one array sample: its biological group, its
// source individual (a nuisance covariate in the linear model), and
// the provenance of the intensity file it was loaded from.
type SampleInfo struct {
	ID          string
	Group       string
	Source      string
	Filename    string
	Fingerprint [blake2b.Size256]byte
}

// RawSet holds raw two-channel intensities, probes × samples, plus the
// per-sample negative-control intensities used to model background.
// DetectionP is nil until the qc command fills it in.
type RawSet struct {
	Probes       []ProbeInfo
	Samples      []SampleInfo
	Red          [][]float64
	Green        [][]float64
	ControlRed   [][]float64 // controls × samples
	ControlGreen [][]float64
	DetectionP   [][]float64 // probes × samples, nil before qc
}

// MethylSet is the normalized view: methylated/unmethylated signal
// estimates with channel identity discarded. Derived sets are always
// fresh copies; no stage mutates its input in place.
type MethylSet struct {
	Probes     []ProbeInfo
	Samples    []SampleInfo
	Meth       [][]float64
	Unmeth     [][]float64
	DetectionP [][]float64
	Floor      float64
}

// DatasetEntry is the gob container written between pipeline stages.
// Exactly one field is non-nil.
type DatasetEntry struct {
	Raw    *RawSet
	Methyl *MethylSet
}

func writeDataset(w io.Writer, gz bool, ent *DatasetEntry) error {
	if gz {
		gzw := pgzip.NewWriter(w)
		err := gob.NewEncoder(gzw).Encode(ent)
		if err != nil {
			gzw.Close()
			return err
		}
		return gzw.Close()
	}
	return gob.NewEncoder(w).Encode(ent)
}

func readDataset(rdr io.Reader, gz bool) (*DatasetEntry, error) {
	if gz {
		gzr, err := pgzip.NewReader(bufio.NewReaderSize(rdr, 4*1024*1024))
		if err != nil {
			return nil, err
		}
		defer gzr.Close()
		rdr = gzr
	}
	var ent DatasetEntry
	err := gob.NewDecoder(rdr).Decode(&ent)
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

func readRawSet(rdr io.Reader, gz bool) (*RawSet, error) {
	ent, err := readDataset(rdr, gz)
	if err != nil {
		return nil, err
	}
	if ent.Raw == nil {
		return nil, errors.New("input is not a raw intensity set")
	}
	return ent.Raw, nil
}

func readMethylSet(rdr io.Reader, gz bool) (*MethylSet, error) {
	ent, err := readDataset(rdr, gz)
	if err != nil {
		return nil, err
	}
	if ent.Methyl == nil {
		return nil, errors.New("input is not a normalized methylation set")
	}
	return ent.Methyl, nil
}

func isGzFilename(fnm string) bool {
	return strings.HasSuffix(fnm, ".gz")
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func openInput(filename string, stdin io.Reader) (io.ReadCloser, error) {
	if filename == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(filename)
}

func openOutput(filename string, stdout io.Writer) (io.WriteCloser, error) {
	if filename == "-" {
		return nopCloser{stdout}, nil
	}
	return os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
}
