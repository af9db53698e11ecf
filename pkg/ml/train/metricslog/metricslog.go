// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metricslog keeps the evaluation metrics of a training run in a CSV file, `{name}_metrics.csv`,
// with the columns `step,fid,kid`. The file is append-only: a resumed run keeps adding rows to it.
//
// It also loads the file back as a dataframe, for inspection.
package metricslog

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Column names of the CSV file.
const (
	ColumnStep = "step"
	ColumnFID  = "fid"
	ColumnKID  = "kid"
)

// Header line of the CSV file.
var Header = strings.Join([]string{ColumnStep, ColumnFID, ColumnKID}, ",")

// FilePath returns the path of the metrics file of the run with the given name.
func FilePath(dir, name string) string {
	return filepath.Join(dir, name+"_metrics.csv")
}

// Log appends rows to the metrics file.
type Log struct {
	path string
	f    *os.File
}

// Open the metrics file for appending. If it doesn't exist (or it is empty), it is created with the header.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics log %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to stat metrics log %q", path)
	}
	if info.Size() == 0 {
		if _, err = fmt.Fprintln(f, Header); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "failed to write header to metrics log %q", path)
		}
	} else {
		klog.V(1).Infof("appending to existing metrics log %q", path)
	}
	return &Log{path: path, f: f}, nil
}

// Path of the metrics file.
func (l *Log) Path() string { return l.path }

// Append one row. It is written immediately to the file.
func (l *Log) Append(step int64, fid, kid float64) error {
	_, err := fmt.Fprintf(l.f, "%d,%s,%s\n", step, formatFloat(fid), formatFloat(kid))
	if err != nil {
		return errors.Wrapf(err, "failed to append to metrics log %q", l.path)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Close the file.
func (l *Log) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Load the metrics file as a dataframe, with the columns step (int), fid and kid (float).
func Load(path string) (dataframe.DataFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "failed to open metrics log %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.WithTypes(map[string]series.Type{
			ColumnStep: series.Int,
			ColumnFID:  series.Float,
			ColumnKID:  series.Float,
		}))
	if df.Err != nil {
		return df, errors.Wrapf(df.Err, "failed to parse metrics log %q", path)
	}
	for _, col := range []string{ColumnStep, ColumnFID, ColumnKID} {
		if !slices.Contains(df.Names(), col) {
			return df, errors.Errorf("metrics log %q is missing column %q", path, col)
		}
	}
	return df, nil
}

// Row of the metrics log.
type Row struct {
	Step     int64
	FID, KID float64
}

// Rows converts the dataframe returned by Load to a list of rows, in file order.
func Rows(df dataframe.DataFrame) []Row {
	steps := df.Col(ColumnStep).Float()
	fids := df.Col(ColumnFID).Float()
	kids := df.Col(ColumnKID).Float()
	rows := make([]Row, len(steps))
	for ii := range rows {
		rows[ii] = Row{Step: int64(steps[ii]), FID: fids[ii], KID: kids[ii]}
	}
	return rows
}

// Best returns the row with the lowest value of the given column (ColumnFID or ColumnKID).
func Best(df dataframe.DataFrame, column string) (Row, error) {
	if df.Nrow() == 0 {
		return Row{}, errors.New("metrics log has no rows")
	}
	sorted := df.Arrange(dataframe.Sort(column))
	if sorted.Err != nil {
		return Row{}, errors.Wrapf(sorted.Err, "sorting metrics by %q", column)
	}
	return Rows(sorted)[0], nil
}
