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
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	hvac "github.com/Garson-hu/MT-HVAC"
	"github.com/Garson-hu/MT-HVAC/hvacconfig"
	"github.com/Garson-hu/MT-HVAC/internal/stats"
)

// The process-wide client behind the interposition surface. The session
// is expensive and the interposition layer has no initialization hook,
// so everything is brought up lazily on the first tracked open.
var (
	gMu     sync.Mutex
	gClient *Client
)

// instance returns the process-wide client, creating it on first use.
// A missing server count is fatal, matching the deployment contract:
// preloading the wrapper without configuring the federation is an
// operator error.
func instance() *Client {
	gMu.Lock()
	defer gMu.Unlock()

	if gClient != nil {
		return gClient
	}

	hvacconfig.InitLogging()

	cfg, err := hvacconfig.ClientFromEnv()
	if err != nil {
		logrus.WithError(err).Fatal("hvac: client configuration")
	}

	sess, err := hvac.NewSession(hvac.SessionConfig{})
	if err != nil {
		logrus.WithError(err).Fatal("hvac: transport initialization")
	}

	gClient = New(cfg, sess)
	return gClient
}

// current returns the process-wide client without creating one. Query
// paths use it: before the first tracked open there is nothing tracked,
// and forcing initialization from a read or close would be wasted work.
func current() *Client {
	gMu.Lock()
	defer gMu.Unlock()
	return gClient
}

// SetInstance installs a pre-built client, displacing lazy
// initialization. Tests use it to point the tracking surface at a
// client with explicit configuration.
func SetInstance(c *Client) {
	gMu.Lock()
	defer gMu.Unlock()
	gClient = c
}

// Shutdown tears down the process-wide client, if one was created.
func Shutdown() {
	gMu.Lock()
	defer gMu.Unlock()

	if gClient != nil {
		gClient.sess.Shutdown()
		gClient = nil
	}
}

// trackable decides whether an open with the given flags and canonical
// path should be diverted: read-capable opens of files whose parent
// directory lies in the data directory tree (or, when no data directory
// is configured, is the current working directory itself; files in its
// subdirectories are not tracked).
func trackable(c *Client, canonicalPath string, flags int) bool {
	if (flags & unix.O_ACCMODE) == unix.O_WRONLY {
		return false
	}
	if flags&unix.O_APPEND != 0 {
		return false
	}

	parent := filepath.Dir(canonicalPath)

	if c.cfg.DataDir != "" {
		dataDir, err := filepath.EvalSymlinks(c.cfg.DataDir)
		if err != nil {
			return false
		}
		return parent == dataDir ||
			strings.HasPrefix(parent, dataDir+string(filepath.Separator))
	}

	cwd, err := os.Getwd()
	if err != nil {
		return false
	}
	return parent == cwd
}

// TrackFile decides whether to divert the freshly opened descriptor and,
// if so, dispatches the remote open and waits for its result. Returns
// whether the descriptor is now tracked; on false the interposition
// layer leaves the descriptor entirely to the OS.
func TrackFile(path string, flags int, fd int) bool {
	defer stats.Default.Timed("Client_(track_file)_total")()

	// Never divert the rendezvous file itself.
	if strings.Contains(path, hvacconfig.RendezvousPrefix) {
		return false
	}

	c := instance()

	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	if canonical, err = filepath.Abs(canonical); err != nil {
		return false
	}

	if !trackable(c, canonical, flags) {
		return false
	}

	rank := ServerRank(canonical, c.cfg.ServerCount)
	logrus.WithFields(logrus.Fields{"path": canonical, "rank": rank}).
		Debug("hvac: tracking file")

	if c.GenOpen(rank, canonical, fd) <= 0 {
		logrus.WithField("path", canonical).Error("hvac: remote open failed")
		c.table.Erase(fd)
		return false
	}

	return true
}

// FileTracked reports whether fd is currently diverted.
func FileTracked(fd int) bool {
	c := current()
	return c != nil && c.table.Tracked(fd)
}

// GetPath returns the canonical path fd was tracked under.
func GetPath(fd int) (string, bool) {
	c := current()
	if c == nil {
		return "", false
	}
	return c.table.Canonical(fd)
}

// RemoveFd emits the remote close and forgets the descriptor. Returns
// whether the descriptor was tracked.
func RemoveFd(fd int) bool {
	c := current()
	if c == nil {
		return false
	}

	rank, ok := c.table.Rank(fd)
	if !ok {
		return false
	}

	c.GenClose(rank, fd)
	return true
}

// RemoteRead services an intercepted read(2). Returns the bytes landed
// in buf, or -1 to make the interposition layer fall back to the OS.
func RemoteRead(fd int, buf []byte) int64 {
	c := current()
	if c == nil {
		return -1
	}

	rank, ok := c.table.Rank(fd)
	if !ok {
		return -1
	}

	return c.GenRead(rank, fd, buf, -1)
}

// RemotePread services an intercepted pread(2). Unlike RemoteRead it
// refuses to wait on an in-flight open: without an established remote
// mapping no RPC is issued.
func RemotePread(fd int, buf []byte, offset int64) int64 {
	c := current()
	if c == nil {
		return -1
	}

	rank, ok := c.table.Rank(fd)
	if !ok {
		return -1
	}

	if _, ok := c.table.Remote(fd); !ok {
		return -1
	}

	return c.GenRead(rank, fd, buf, offset)
}

// RemoteLseek services an intercepted lseek(2) on a tracked descriptor.
func RemoteLseek(fd int, offset int64, whence int) int64 {
	c := current()
	if c == nil {
		return -1
	}

	rank, ok := c.table.Rank(fd)
	if !ok {
		return -1
	}

	return c.GenSeek(rank, fd, offset, whence)
}

// RemoteClose services an intercepted close(2) on a tracked descriptor.
func RemoteClose(fd int) {
	c := current()
	if c == nil {
		return
	}

	if rank, ok := c.table.Rank(fd); ok {
		c.GenClose(rank, fd)
	}
}
