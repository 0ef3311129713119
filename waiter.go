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

package hvac

import (
	"sync"
)

// A Waiter is the per-operation completion object: a done flag, a result
// slot, and a condition variable. One caller allocates a Waiter per
// in-flight operation, passes it into the operation's completion
// callback, and blocks in Wait until the callback runs Complete.
//
// The Waiter outlives the callback because the caller cannot return
// until Wait does; the callback must not touch it after Complete.
type Waiter struct {
	mu   sync.Mutex
	cond *sync.Cond

	// GUARDED_BY(mu)
	done bool

	// GUARDED_BY(mu)
	result int64
}

// NewWaiter creates a Waiter with no result, ready for one Wait and one
// Complete.
func NewWaiter() *Waiter {
	w := &Waiter{result: -1}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Wait blocks until Complete has been called, then returns its value.
// Spurious wakeups are absorbed by looping on the done flag.
func (w *Waiter) Wait() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	for !w.done {
		w.cond.Wait()
	}

	return w.result
}

// Complete publishes the operation's result and wakes all waiters.
func (w *Waiter) Complete(result int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.result = result
	w.done = true
	w.cond.Broadcast()
}
