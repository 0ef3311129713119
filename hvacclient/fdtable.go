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

package hvacclient

import (
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
)

// State of a tracked descriptor's remote open.
type State int

const (
	// The open RPC is in flight.
	StateOpening State = 1 + iota

	// The remote descriptor is usable. Terminal.
	StateReady

	// The remote open failed. Terminal.
	StateError
)

// Shard count for the descriptor map. Descriptors are dense small
// integers, so fd mod numShards spreads contention well.
const numShards = 64

// How long a read waits for an in-flight open before giving up.
const DefaultReadyTimeout = 5 * time.Second

// A tableEntry tracks one local descriptor. canonicalPath and rank are
// immutable after insertion; state and remoteFD are guarded by the
// entry's own mutex so the shard lock is never held across a wait.
type tableEntry struct {
	canonicalPath string
	rank          int

	mu   sync.Mutex
	cond *sync.Cond

	// GUARDED_BY(mu)
	state State

	// Valid only once state is StateReady. Zero is reserved as "unset".
	//
	// GUARDED_BY(mu)
	remoteFD int32
}

type tableShard struct {
	mu sync.RWMutex

	// GUARDED_BY(mu)
	entries map[int]*tableEntry
}

// A Table is the sharded map of tracked descriptors. Lookups take a
// shard read lock; insertion and removal take the write lock. State
// waits happen on the entry, never under the shard lock.
type Table struct {
	clock  timeutil.Clock
	shards [numShards]tableShard
}

// NewTable creates an empty table using clock for wait deadlines.
func NewTable(clock timeutil.Clock) *Table {
	t := &Table{clock: clock}
	for i := range t.shards {
		t.shards[i].entries = make(map[int]*tableEntry)
	}
	return t
}

func (t *Table) shard(fd int) *tableShard {
	return &t.shards[fd%numShards]
}

// lookup returns the entry for fd, or nil.
func (t *Table) lookup(fd int) *tableEntry {
	s := t.shard(fd)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[fd]
}

// BeginOpening inserts fd in state StateOpening. It must run before the
// open RPC is dispatched, so that a racing read observes the in-flight
// open instead of missing the entry.
func (t *Table) BeginOpening(fd int, canonicalPath string, rank int) {
	e := &tableEntry{
		canonicalPath: canonicalPath,
		rank:          rank,
		state:         StateOpening,
	}
	e.cond = sync.NewCond(&e.mu)

	s := t.shard(fd)
	s.mu.Lock()
	s.entries[fd] = e
	s.mu.Unlock()
}

// MarkReady publishes the remote descriptor and transitions fd to
// StateReady, waking all waiting readers. Precondition: the entry is in
// StateOpening.
func (t *Table) MarkReady(fd int, remoteFD int32) {
	e := t.lookup(fd)
	if e == nil {
		return
	}

	e.mu.Lock()
	e.remoteFD = remoteFD
	e.state = StateReady
	e.cond.Broadcast()
	e.mu.Unlock()
}

// MarkError transitions fd to StateError, waking all waiting readers.
func (t *Table) MarkError(fd int) {
	e := t.lookup(fd)
	if e == nil {
		return
	}

	e.mu.Lock()
	e.state = StateError
	e.cond.Broadcast()
	e.mu.Unlock()
}

// WaitReady blocks until fd leaves StateOpening or the timeout expires,
// reporting whether the descriptor is usable. Timing out does not mutate
// the entry; a later wait may still succeed if the open lands.
func (t *Table) WaitReady(fd int, timeout time.Duration) bool {
	e := t.lookup(fd)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateOpening {
		return e.state == StateReady
	}

	deadline := t.clock.Now().Add(timeout)

	// A condition variable has no timed wait; arrange for a broadcast at
	// the deadline and loop checking the clock.
	wakeup := time.AfterFunc(timeout, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer wakeup.Stop()

	for e.state == StateOpening {
		if !t.clock.Now().Before(deadline) {
			return false
		}
		e.cond.Wait()
	}

	return e.state == StateReady
}

// Tracked reports whether fd has an entry.
func (t *Table) Tracked(fd int) bool {
	return t.lookup(fd) != nil
}

// Canonical returns the canonical path fd was tracked under.
func (t *Table) Canonical(fd int) (string, bool) {
	e := t.lookup(fd)
	if e == nil {
		return "", false
	}
	return e.canonicalPath, true
}

// Rank returns the owning server rank cached at track time.
func (t *Table) Rank(fd int) (int, bool) {
	e := t.lookup(fd)
	if e == nil {
		return 0, false
	}
	return e.rank, true
}

// Remote returns the remote descriptor for fd. It refuses to reveal the
// descriptor unless the entry has been observed in StateReady, so a
// caller holding a value from Remote has witnessed the open completing.
func (t *Table) Remote(fd int) (int32, bool) {
	e := t.lookup(fd)
	if e == nil {
		return 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateReady || e.remoteFD == 0 {
		return 0, false
	}
	return e.remoteFD, true
}

// Erase removes fd from the table.
func (t *Table) Erase(fd int) {
	s := t.shard(fd)
	s.mu.Lock()
	delete(s.entries, fd)
	s.mu.Unlock()
}
