// Copyright (C) The Methylume Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methylume

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// importer reads a sample sheet, a probe manifest, and one two-channel
// intensity file per sample, and writes a RawSet. All data errors
// (missing files, unknown or missing probes, malformed rows) are
// reported here, before any statistics run.
type importer struct {
	sampleSheetFile string
	manifestFile    string
	outputFile      string
}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.sampleSheetFile, "sample-sheet", "", "sample sheet csv `file` (sample,group,source,file)")
	flags.StringVar(&cmd.manifestFile, "manifest", "", "probe manifest tsv `file`")
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file`")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.sampleSheetFile == "" {
		fmt.Fprintln(stderr, "cannot import without -sample-sheet argument")
		return 2
	} else if cmd.manifestFile == "" {
		fmt.Fprintln(stderr, "cannot import without -manifest argument")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	raw, err := cmd.load()
	if err != nil {
		return 1
	}

	output, err := openOutput(cmd.outputFile, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	err = writeDataset(bufw, isGzFilename(cmd.outputFile), &DatasetEntry{Raw: raw})
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

func (cmd *importer) load() (*RawSet, error) {
	probes, controlIDs, err := loadManifest(cmd.manifestFile)
	if err != nil {
		return nil, err
	}
	log.Infof("manifest: %d probes, %d negative controls", len(probes), len(controlIDs))

	sheet, err := loadSampleSheet(cmd.sampleSheetFile)
	if err != nil {
		return nil, err
	}
	log.Infof("sample sheet: %d samples", len(sheet))

	raw := &RawSet{
		Probes:       probes,
		Samples:      sheet,
		Red:          newMatrix(len(probes), len(sheet)),
		Green:        newMatrix(len(probes), len(sheet)),
		ControlRed:   newMatrix(len(controlIDs), len(sheet)),
		ControlGreen: newMatrix(len(controlIDs), len(sheet)),
	}

	probeIdx := make(map[string]int, len(probes))
	for i, p := range probes {
		probeIdx[p.ID] = i
	}
	controlIdx := make(map[string]int, len(controlIDs))
	for i, id := range controlIDs {
		controlIdx[id] = i
	}

	throttle := throttle{Max: runtime.NumCPU()}
	for col := range raw.Samples {
		col := col
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			throttle.Report(cmd.loadSample(raw, col, probeIdx, controlIdx))
		}()
	}
	return raw, throttle.Wait()
}

// loadSample parses one sample's intensity file into column col of the
// raw matrices, fingerprinting the file bytes as they stream past.
func (cmd *importer) loadSample(raw *RawSet, col int, probeIdx, controlIdx map[string]int) error {
	si := &raw.Samples[col]
	log.Debugf("%s: reading %s", si.ID, si.Filename)
	f, err := os.Open(si.Filename)
	if err != nil {
		return fmt.Errorf("sample %q: %w", si.ID, err)
	}
	defer f.Close()
	hash, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	var rdr io.Reader = io.TeeReader(bufio.NewReaderSize(f, 1<<20), hash)
	if isGzFilename(si.Filename) {
		rdr, err = gzip.NewReader(rdr)
		if err != nil {
			return fmt.Errorf("%s: %w", si.Filename, err)
		}
	}

	seen := make([]bool, len(raw.Probes))
	lineno := 0
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if lineno == 1 && strings.HasPrefix(line, "probe\t") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return fmt.Errorf("%s line %d: expected 3 tab-separated fields, got %d", si.Filename, lineno, len(fields))
		}
		red, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("%s line %d: bad red intensity %q", si.Filename, lineno, fields[1])
		}
		green, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return fmt.Errorf("%s line %d: bad green intensity %q", si.Filename, lineno, fields[2])
		}
		if i, ok := probeIdx[fields[0]]; ok {
			if seen[i] {
				return fmt.Errorf("%s line %d: duplicate probe %q", si.Filename, lineno, fields[0])
			}
			seen[i] = true
			raw.Red[i][col] = red
			raw.Green[i][col] = green
		} else if i, ok := controlIdx[fields[0]]; ok {
			raw.ControlRed[i][col] = red
			raw.ControlGreen[i][col] = green
		} else {
			return fmt.Errorf("%s line %d: probe %q does not appear in manifest %s", si.Filename, lineno, fields[0], cmd.manifestFile)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: %w", si.Filename, err)
	}
	for i, ok := range seen {
		if !ok {
			return fmt.Errorf("%s: no intensity for manifest probe %q", si.Filename, raw.Probes[i].ID)
		}
	}
	copy(si.Fingerprint[:], hash.Sum(nil))
	return nil
}

// loadManifest reads the probe annotation reference. Rows whose design
// type is NEG are negative controls; everything else must be design
// type I or II.
func loadManifest(filename string) ([]ProbeInfo, []string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	var probes []ProbeInfo
	var controlIDs []string
	seen := map[string]bool{}
	lineno := 0
	scanner := bufio.NewScanner(bufio.NewReaderSize(f, 1<<20))
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if lineno == 1 && strings.HasPrefix(line, "probe\t") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			return nil, nil, fmt.Errorf("%s line %d: expected at least 4 tab-separated fields, got %d", filename, lineno, len(fields))
		}
		id := fields[0]
		if seen[id] {
			return nil, nil, fmt.Errorf("%s line %d: duplicate probe %q", filename, lineno, id)
		}
		seen[id] = true
		switch fields[3] {
		case "NEG":
			controlIDs = append(controlIDs, id)
			continue
		case "I", "II":
		default:
			return nil, nil, fmt.Errorf("%s line %d: unknown design type %q (want I, II, or NEG)", filename, lineno, fields[3])
		}
		pos, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, nil, fmt.Errorf("%s line %d: bad position %q", filename, lineno, fields[2])
		}
		gene := ""
		if len(fields) > 4 {
			gene = fields[4]
		}
		probes = append(probes, ProbeInfo{
			ID:         id,
			Chromosome: fields[1],
			Position:   pos,
			DesignType: fields[3],
			Gene:       gene,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", filename, err)
	}
	if len(probes) == 0 {
		return nil, nil, fmt.Errorf("%s: no probes", filename)
	}
	if len(controlIDs) == 0 {
		return nil, nil, fmt.Errorf("%s: no negative-control probes; cannot compute detection scores", filename)
	}
	return probes, controlIDs, nil
}

// loadSampleSheet reads the csv sample sheet. The header row must name
// sample, group, source, and file columns (any order, any case).
// Relative file paths are resolved against the sheet's directory.
func loadSampleSheet(filename string) ([]SampleInfo, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	csvr := csv.NewReader(bufio.NewReader(f))
	header, err := csvr.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	colidx := map[string]int{}
	for i, name := range header {
		colidx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, need := range []string{"sample", "group", "source", "file"} {
		if _, ok := colidx[need]; !ok {
			return nil, fmt.Errorf("%s: missing %q column in header", filename, need)
		}
	}
	var samples []SampleInfo
	seen := map[string]bool{}
	for {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		si := SampleInfo{
			ID:       strings.TrimSpace(rec[colidx["sample"]]),
			Group:    strings.TrimSpace(rec[colidx["group"]]),
			Source:   strings.TrimSpace(rec[colidx["source"]]),
			Filename: strings.TrimSpace(rec[colidx["file"]]),
		}
		if si.ID == "" || si.Group == "" {
			return nil, fmt.Errorf("%s: sample row %q needs non-empty sample and group", filename, rec)
		}
		if seen[si.ID] {
			return nil, fmt.Errorf("%s: duplicate sample %q", filename, si.ID)
		}
		seen[si.ID] = true
		if !filepath.IsAbs(si.Filename) {
			si.Filename = filepath.Join(filepath.Dir(filename), si.Filename)
		}
		samples = append(samples, si)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%s: no samples", filename)
	}
	return samples, nil
}

func newMatrix(rows, cols int) [][]float64 {
	flat := make([]float64, rows*cols)
	m := make([][]float64, rows)
	for i := range m {
		m[i] = flat[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return m
}
