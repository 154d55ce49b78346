package main

// Expression data on disk is a pair of tab-separated files:
//
//   matrix:  cell  GENE1  GENE2 ...      (one row per cell, float values)
//   obs:     cell  cell_type  condition  (one row per cell, string values)
//
// Both files carry a header row whose first field names the index column.
// Obs rows are matched to matrix rows by cell name, not position. A ".gz"
// suffix means gzip.

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
)

// ReadCellData loads a matrix file and, if obsPath is non-empty, its obs file.
func ReadCellData(ctx context.Context, matrixPath, obsPath string) (*CellData, error) {
	var (
		names, genes []string
		rows         [][]float64
	)
	err := readTable(ctx, matrixPath, func(header []string) error {
		if len(header) < 2 {
			return errors.E(errors.Invalid, "matrix header needs an index column and at least one gene")
		}
		genes = append([]string(nil), header[1:]...)
		return nil
	}, func(line int, rec []string) error {
		row := make([]float64, len(rec)-1)
		for j, s := range rec[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return errors.E(errors.Invalid, fmt.Sprintf("line %d, gene %s", line, genes[j]), err)
			}
			row[j] = v
		}
		names = append(names, rec[0])
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, errors.E(err, "read matrix", matrixPath)
	}
	if len(rows) == 0 {
		return nil, errors.E(errors.Invalid, "matrix has no cells", matrixPath)
	}

	obs := NewFrame(names)
	if obsPath != "" {
		if obs, err = readObs(ctx, obsPath, names); err != nil {
			return nil, errors.E(err, "read obs", obsPath)
		}
	}
	return NewCellData(NewTensorFrom(rows), obs, genes)
}

// readObs reads an obs table and orders it like names.
func readObs(ctx context.Context, path string, names []string) (*Frame, error) {
	var (
		keys   []string
		byName = make(map[string][]string, len(names))
	)
	err := readTable(ctx, path, func(header []string) error {
		keys = append([]string(nil), header[1:]...)
		return nil
	}, func(line int, rec []string) error {
		if _, dup := byName[rec[0]]; dup {
			return errors.E(errors.Invalid, fmt.Sprintf("line %d: duplicate cell %q", line, rec[0]))
		}
		byName[rec[0]] = append([]string(nil), rec[1:]...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	frame := NewFrame(names)
	for k, key := range keys {
		col := make([]string, len(names))
		for i, name := range names {
			vals, ok := byName[name]
			if !ok {
				return nil, errors.E(errors.NotExist, fmt.Sprintf("no obs row for cell %q", name))
			}
			col[i] = vals[k]
		}
		if err := frame.SetColumn(key, col); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// readTable streams a TSV file: header once, then every data row.
// The tsv reader enforces a constant field count.
func readTable(ctx context.Context, path string, header func([]string) error, row func(line int, rec []string) error) (err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer f.Close(ctx) // nolint: errcheck

	var in io.Reader = f.Reader(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return err
		}
		defer gz.Close() // nolint: errcheck
		in = gz
	}

	r := tsv.NewReader(in)
	r.LazyQuotes = true
	for line := 1; ; line++ {
		rec, err := r.Reader.Read()
		if err == io.EOF {
			if line == 1 {
				return errors.E(errors.Invalid, "empty file")
			}
			return nil
		}
		if err != nil {
			return err
		}
		if line == 1 {
			if err := header(rec); err != nil {
				return err
			}
			continue
		}
		if err := row(line, rec); err != nil {
			return err
		}
	}
}

// WriteCellData writes the matrix and, if obsPath is non-empty, the obs table.
func WriteCellData(ctx context.Context, data *CellData, matrixPath, obsPath string) error {
	err := writeTable(ctx, matrixPath, func(w *tsv.Writer) error {
		w.WriteString("cell")
		for _, g := range data.VarNames {
			w.WriteString(g)
		}
		if err := w.EndLine(); err != nil {
			return err
		}
		for i := 0; i < data.NObs(); i++ {
			w.WriteString(data.Obs.Index[i])
			for _, v := range data.X.Row(i) {
				w.WriteFloat64(v, 'g', -1)
			}
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.E(err, "write matrix", matrixPath)
	}
	if obsPath == "" {
		return nil
	}
	if err := WriteFrame(ctx, data.Obs, obsPath); err != nil {
		return errors.E(err, "write obs", obsPath)
	}
	return nil
}

// WriteFrame writes an obs-style table.
func WriteFrame(ctx context.Context, frame *Frame, path string) error {
	return writeTable(ctx, path, func(w *tsv.Writer) error {
		w.WriteString("cell")
		keys := frame.Columns()
		for _, k := range keys {
			w.WriteString(k)
		}
		if err := w.EndLine(); err != nil {
			return err
		}
		for i, name := range frame.Index {
			w.WriteString(name)
			for _, k := range keys {
				col, _ := frame.Column(k)
				w.WriteString(col[i])
			}
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeTable(ctx context.Context, path string, fill func(*tsv.Writer) error) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, f, &err)

	out := f.Writer(ctx)
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(out)
		out = gz
	}
	w := tsv.NewWriter(out)
	if err = fill(w); err != nil {
		return err
	}
	if err = w.Flush(); err != nil {
		return err
	}
	if gz != nil {
		err = gz.Close()
	}
	return err
}
