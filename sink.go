// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package kp184

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Sample is one measurement of a discharge run.
type Sample struct {
	Seq     uint64
	Elapsed time.Duration // since the start of the run
	Voltage float64
	Current float64
}

// ElapsedString formats Elapsed as seconds.microseconds.
func (s Sample) ElapsedString() string {
	us := s.Elapsed.Microseconds()
	return fmt.Sprintf("%d.%06d", us/1e6, us%1e6)
}

// SampleSink receives the samples of a run.
type SampleSink interface {
	WriteHeader() error
	WriteSample(s Sample) error
	Close() error
}

var csvHeader = []string{"No.", "time", "voltage", "unit", "current", "unit"}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (s Sample) record() []string {
	return []string{
		strconv.FormatUint(s.Seq, 10),
		s.ElapsedString(),
		formatFloat(s.Voltage), "V",
		formatFloat(s.Current), "A",
	}
}

// CSVSink writes samples as ';' separated lines to a file or a writer.
// A file is opened and closed around every write unless persist is set,
// in which case it stays open until Close.
type CSVSink struct {
	path    string
	append  bool
	persist bool

	w io.Writer
	f *os.File
}

// NewCSVSink creates a sink for path. With appendFile set and a non-empty
// file, the header is not written again.
func NewCSVSink(path string, appendFile, persist bool) (*CSVSink, error) {
	if path == "" {
		return NewWriterSink(os.Stdout), nil
	}
	if fi, err := os.Stat(path); err == nil {
		if fi.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidConfig, path)
		}
		if fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0 {
			return nil, fmt.Errorf("%w: %s is a block device", ErrInvalidConfig, path)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return &CSVSink{path: path, append: appendFile, persist: persist}, nil
}

// NewWriterSink creates a sink writing to w, which is never closed.
func NewWriterSink(w io.Writer) *CSVSink {
	return &CSVSink{w: w, append: true, persist: true}
}

func (s *CSVSink) open(truncate bool) (io.Writer, error) {
	if s.w != nil {
		return s.w, nil
	}
	if s.f != nil {
		return s.f, nil
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if truncate {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	s.f = f
	return f, nil
}

func (s *CSVSink) release() error {
	if s.persist || s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *CSVSink) write(rec []string, truncate bool) error {
	w, err := s.open(truncate)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.Write(rec); err != nil {
		s.release()
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.release()
		return err
	}
	return s.release()
}

// WriteHeader writes the column header, unless appending to a file that
// already has content.
func (s *CSVSink) WriteHeader() error {
	if s.w == nil && s.append {
		if fi, err := os.Stat(s.path); err == nil && fi.Size() > 0 {
			return nil
		}
	}
	return s.write(csvHeader, s.w == nil && !s.append)
}

func (s *CSVSink) WriteSample(smp Sample) error {
	return s.write(smp.record(), false)
}

func (s *CSVSink) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// TeeSink fans samples out to several sinks. Every sink is written even
// when an earlier one fails; the errors are joined.
type TeeSink []SampleSink

func (t TeeSink) WriteHeader() error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.WriteHeader())
	}
	return errors.Join(errs...)
}

func (t TeeSink) WriteSample(smp Sample) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.WriteSample(smp))
	}
	return errors.Join(errs...)
}

func (t TeeSink) Close() error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
