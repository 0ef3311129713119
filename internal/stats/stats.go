// Copyright 2023 Garson Hu. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stats accumulates per-tag timing statistics: call counts and
// cumulative durations, with optional per-call history for tags
// explicitly enabled for detailed logging. Servers log a summary on
// request via the stats RPC.
package stats

import (
	"encoding/csv"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type tagStat struct {
	calls uint64
	total time.Duration

	// Per-call durations, recorded only while the tag is enabled for
	// detailed logging.
	history []time.Duration
}

// A Registry accumulates timing samples by tag.
type Registry struct {
	clock timeutil.Clock

	mu sync.Mutex

	// GUARDED_BY(mu)
	tags map[string]*tagStat

	// Tags whose individual call durations are retained.
	//
	// GUARDED_BY(mu)
	detailed map[string]struct{}
}

// NewRegistry creates an empty registry using the supplied clock for
// Timed measurements.
func NewRegistry(clock timeutil.Clock) *Registry {
	return &Registry{
		clock:    clock,
		tags:     make(map[string]*tagStat),
		detailed: make(map[string]struct{}),
	}
}

// Default is the process-wide registry.
var Default = NewRegistry(timeutil.RealClock())

// Record adds one sample of duration d under tag.
func (r *Registry) Record(tag string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.tags[tag]
	if s == nil {
		s = &tagStat{}
		r.tags[tag] = s
	}

	s.calls++
	s.total += d

	if _, ok := r.detailed[tag]; ok {
		s.history = append(s.history, d)
	}
}

// Timed starts a measurement for tag and returns a func that finishes
// it. Use as:
//
//	defer stats.Default.Timed("Server_(open_handler)_total")()
func (r *Registry) Timed(tag string) func() {
	start := r.clock.Now()
	return func() {
		r.Record(tag, r.clock.Now().Sub(start))
	}
}

// EnableDetailed retains the per-call history of tag from now on.
func (r *Registry) EnableDetailed(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detailed[tag] = struct{}{}
}

// DisableDetailed stops retaining per-call history for tag.
func (r *Registry) DisableDetailed(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.detailed, tag)
}

// Snapshot returns (calls, total) for tag, zero if never recorded.
func (r *Registry) Snapshot(tag string) (uint64, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.tags[tag]
	if s == nil {
		return 0, 0
	}
	return s.calls, s.total
}

// PrintAll logs a summary line per tag, sorted by tag name. A negative
// epoch means "no epoch".
func (r *Registry) PrintAll(epoch int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tags))
	for tag := range r.tags {
		names = append(names, tag)
	}
	sort.Strings(names)

	entry := logrus.WithField("pid", os.Getpid())
	if epoch >= 0 {
		entry = entry.WithField("epoch", epoch)
	}
	entry.Info("timing summary")

	for _, tag := range names {
		s := r.tags[tag]

		avg := time.Duration(0)
		if s.calls > 0 {
			avg = s.total / time.Duration(s.calls)
		}

		logrus.WithFields(logrus.Fields{
			"tag":   tag,
			"calls": s.calls,
			"total": s.total,
			"avg":   avg,
		}).Info("timing")
	}
}

// Reset clears all accumulated statistics and histories. Detailed-tag
// selections survive.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = make(map[string]*tagStat)
}

// ExportTagCSV writes the per-call history of tag to path as CSV rows of
// (epoch, call index, microseconds). The tag must have been enabled for
// detailed logging.
func (r *Registry) ExportTagCSV(tag, path string, epoch int) error {
	r.mu.Lock()
	s := r.tags[tag]
	var history []time.Duration
	if s != nil {
		history = append([]time.Duration(nil), s.history...)
	}
	r.mu.Unlock()

	if len(history) == 0 {
		return errors.Errorf("no call history for tag %q", tag)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for i, d := range history {
		record := []string{
			strconv.Itoa(epoch),
			strconv.Itoa(i),
			strconv.FormatInt(d.Microseconds(), 10),
		}
		if err := w.Write(record); err != nil {
			return errors.Wrapf(err, "writing %s", path)
		}
	}

	w.Flush()
	return w.Error()
}
