// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cznic/gmetrics/blockstore"
)

// NamedStore pairs a *blockstore.Store with the name and creation stack
// trace a snapshot row reports.
type NamedStore struct {
	Name               string
	CreationStackTrace string
	Store              *blockstore.Store
}

// Snapshot implements spec.md §4.8: under the caller's registry lock, dump
// every non-empty label in metricsStore to <logDir>/<metricsStore
// name>-allocations.list (truncating it), then write one CSV row per live
// store in registry order: (name, allocation_count, allocated_bytes,
// creation_stack_trace_or_empty).
func Snapshot(logDir string, metricsStore NamedStore, stores []NamedStore, file *File, now time.Time) error {
	if err := dumpLabels(logDir, metricsStore); err != nil {
		return err
	}

	file.StartRecord(now)
	for _, s := range stores {
		if !s.Store.Mapped() {
			continue
		}
		if err := file.AddRow(s.Name, s.Store.AllocCount(), s.Store.AllocBytes(), s.CreationStackTrace); err != nil {
			return err
		}
	}
	return file.EndRecord()
}

func dumpLabels(logDir string, s NamedStore) error {
	path := filepath.Join(logDir, fmt.Sprintf("%s-allocations.list", s.Name))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &IOError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	for run := range s.Store.Iterate(0) {
		if run.Freed || run.Label == "" {
			continue
		}
		if _, err := fmt.Fprintln(f, run.Label); err != nil {
			return &IOError{Path: path, Op: "write", Err: err}
		}
	}
	return nil
}