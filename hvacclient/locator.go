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
	"bufio"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/jacobsa/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	hvac "github.com/Garson-hu/MT-HVAC"
)

// ServerRank maps a canonical path to the rank of the server that owns
// it. The hash is a wire contract: every client must agree on it, or two
// clients would open the same file on different servers.
func ServerRank(canonicalPath string, serverCount int) int {
	h := fnv.New64a()
	h.Write([]byte(canonicalPath))
	return int(h.Sum64() % uint64(serverCount))
}

// A Locator resolves server ranks to published transport addresses by
// scanning the rendezvous file, caching every resolution for the rest of
// the run. Servers publish before clients start; a missing rank is a
// hard failure, not a retry.
type Locator struct {
	rendezvousPath string

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	cache map[int]string
}

// NewLocator creates a locator reading the given rendezvous file.
func NewLocator(rendezvousPath string) *Locator {
	l := &Locator{
		rendezvousPath: rendezvousPath,
		cache:          make(map[int]string),
	}
	l.mu = syncutil.NewInvariantMutex(l.checkInvariants)
	return l
}

// Every cached address must carry the provider prefix; anything else
// would fail AddrLookup later, after we had reported success here.
func (l *Locator) checkInvariants() {
	for rank, addr := range l.cache {
		if !strings.HasPrefix(addr, hvac.Provider) {
			panic(fmt.Sprintf("cached address for rank %d lacks provider: %q", rank, addr))
		}
	}
}

// AddressOf returns the published address for rank, scanning the
// rendezvous file on a cache miss.
//
// LOCKS_EXCLUDED(l.mu)
func (l *Locator) AddressOf(rank int) (string, error) {
	l.mu.Lock()
	addr, ok := l.cache[rank]
	l.mu.Unlock()

	if ok {
		return addr, nil
	}

	addr, err := l.scan(rank)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	l.cache[rank] = addr
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{"rank": rank, "addr": addr}).
		Debug("hvac: resolved server")

	return addr, nil
}

// scan reads the rendezvous file looking for the first line whose rank
// field matches.
func (l *Locator) scan(rank int) (string, error) {
	f, err := os.Open(l.rendezvousPath)
	if err != nil {
		return "", errors.Wrapf(hvac.ErrBootstrap, "%s: %v", l.rendezvousPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var lineRank int
		var addr string

		if n, _ := fmt.Sscanf(scanner.Text(), "%d %s", &lineRank, &addr); n != 2 {
			continue
		}

		if lineRank == rank {
			return addr, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", errors.Wrapf(hvac.ErrBootstrap, "%s: %v", l.rendezvousPath, err)
	}

	return "", errors.Wrapf(hvac.ErrNoServer, "rank %d not in %s", rank, l.rendezvousPath)
}
