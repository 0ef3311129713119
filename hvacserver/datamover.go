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

package hvacserver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jacobsa/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// A Mover lazily warms local copies of files the server has served. The
// close handler enqueues paths under the queue mutex; a background
// goroutine drains the queue, copies each file into the cache tier, and
// publishes the requested-path → cached-path redirection consumed by the
// open handler.
type Mover struct {
	cacheDir string

	qu sync.Mutex
	// Signalled when the queue gains an element or the mover stops.
	cond *sync.Cond

	// GUARDED_BY(qu)
	queue []string

	// GUARDED_BY(qu)
	stopped bool

	done chan struct{}

	mu syncutil.InvariantMutex

	// Completed warms: requested path → cached copy.
	//
	// GUARDED_BY(mu)
	redirect map[string]string
}

// NewMover creates a mover warming copies into cacheDir. Call Start to
// begin draining the queue, and Stop to drain and join.
func NewMover(cacheDir string) *Mover {
	m := &Mover{
		cacheDir: cacheDir,
		redirect: make(map[string]string),
		done:     make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.qu)
	m.mu = syncutil.NewInvariantMutex(m.checkInvariants)
	return m
}

// Every published redirect target must live inside the cache tier.
func (m *Mover) checkInvariants() {
	for path, target := range m.redirect {
		if !strings.HasPrefix(target, m.cacheDir+string(filepath.Separator)) {
			panic(fmt.Sprintf("redirect for %q escapes cache dir: %q", path, target))
		}
	}
}

// Start launches the background warming goroutine.
func (m *Mover) Start() {
	go m.run()
}

// Stop lets the queued work finish, then joins the goroutine.
func (m *Mover) Stop() {
	m.qu.Lock()
	m.stopped = true
	m.cond.Signal()
	m.qu.Unlock()

	<-m.done
}

// Enqueue schedules path for warming.
//
// LOCKS_EXCLUDED(m.qu)
func (m *Mover) Enqueue(path string) {
	m.qu.Lock()
	m.queue = append(m.queue, path)
	m.cond.Signal()
	m.qu.Unlock()
}

// Cached reports whether path already has a warmed copy.
//
// LOCKS_EXCLUDED(m.mu)
func (m *Mover) Cached(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.redirect[path]
	return ok
}

// RedirectTarget returns the warmed copy to open in place of path.
//
// LOCKS_EXCLUDED(m.mu)
func (m *Mover) RedirectTarget(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.redirect[path]
	return target, ok
}

func (m *Mover) run() {
	defer close(m.done)

	for {
		m.qu.Lock()
		for len(m.queue) == 0 && !m.stopped {
			m.cond.Wait()
		}

		if len(m.queue) == 0 {
			m.qu.Unlock()
			return
		}

		path := m.queue[0]
		m.queue = m.queue[1:]
		m.qu.Unlock()

		if m.Cached(path) {
			continue
		}

		target, err := m.warm(path)
		if err != nil {
			logrus.WithError(err).WithField("path", path).Error("hvac: cache warm failed")
			continue
		}

		m.mu.Lock()
		m.redirect[path] = target
		m.mu.Unlock()

		logrus.WithFields(logrus.Fields{"path": path, "target": target}).
			Info("hvac: cached")
	}
}

// warm copies path into the cache tier, mirroring its directory
// structure, and returns the copy's path. The copy is written to a
// temporary name and renamed so the open handler never sees a partial
// file.
func (m *Mover) warm(path string) (string, error) {
	target := filepath.Join(m.cacheDir, path)

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", errors.Wrap(err, "creating cache directory")
	}

	src, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "opening source")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".tmp*")
	if err != nil {
		return "", errors.Wrap(err, "creating cache file")
	}

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "copying")
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "flushing copy")
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "publishing copy")
	}

	return target, nil
}
