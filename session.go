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
	"hash/fnv"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// An RPCID identifies a registered RPC. Both sides derive it from the
// registered name, so no id exchange is needed at connection time.
type RPCID uint32

// NameID computes the RPCID for a registered name.
func NameID(name string) RPCID {
	h := fnv.New32a()
	h.Write([]byte(name))
	return RPCID(h.Sum32())
}

// A Handler services one inbound RPC. It runs on the progress goroutine
// and is responsible for eventually calling Respond on the handle, unless
// the RPC has responses disabled.
type Handler func(*Handle)

// CompletionInfo is passed to completion callbacks for forwards and bulk
// transfers.
type CompletionInfo struct {
	// Non-nil if the operation failed in the transport. Output is nil in
	// that case.
	Err error

	// The handle the operation was issued on. Nil for bulk completions.
	Handle *Handle

	// The argument given at dispatch time.
	Arg interface{}

	// The raw response payload, to be decoded with the matching output
	// record. Nil for bulk completions.
	Output []byte
}

// A CompletionFunc is invoked on the progress goroutine exactly once per
// dispatched operation.
type CompletionFunc func(*CompletionInfo)

// How long the progress driver sleeps when the completion queue is
// empty, mirroring the 100ms progress timeout of the fabric runtime.
const progressInterval = 100 * time.Millisecond

const dialTimeout = 5 * time.Second

type rpcSpec struct {
	name       string
	handler    Handler
	noResponse bool
}

// A Session owns the transport state for one process: the listener (in
// listening mode), the dialed connections, the RPC registry, in-flight
// operations, registered bulk regions, and the background progress
// goroutine on which every completion callback runs.
//
// A process typically creates a single Session lazily on first use and
// keeps it for the lifetime of the run.
type Session struct {
	listen   bool
	listener net.Listener
	selfAddr string

	mu sync.Mutex

	// Registered RPCs, keyed by id.
	//
	// GUARDED_BY(mu)
	rpcs map[RPCID]*rpcSpec

	// Live connections, keyed by dialed host:port for outbound
	// connections and by remote address for accepted ones.
	//
	// GUARDED_BY(mu)
	conns map[string]*conn

	// In-flight forwards awaiting a response, keyed by sequence number.
	//
	// GUARDED_BY(mu)
	inflight map[uint64]*inflightOp

	// Registered bulk regions, keyed by token.
	//
	// GUARDED_BY(mu)
	bulks map[uint64]*Bulk

	// Sequence/token allocator. Zero is reserved as "unset".
	//
	// GUARDED_BY(mu)
	nextSeq uint64

	events   chan func()
	shutdown chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
}

type inflightOp struct {
	cb     CompletionFunc
	arg    interface{}
	handle *Handle
	conn   *conn
}

// SessionConfig configures NewSession.
type SessionConfig struct {
	// Whether to accept inbound connections. Servers listen; clients
	// only dial.
	Listen bool

	// Address to bind the listener to. Defaults to "0.0.0.0:0".
	BindAddr string

	// Host under which the listener is advertised in AddrSelf. Defaults
	// to the machine hostname.
	AdvertiseHost string
}

// NewSession creates the network class and context and spawns the
// progress goroutine. The caller must eventually call Shutdown.
func NewSession(cfg SessionConfig) (*Session, error) {
	s := &Session{
		listen:   cfg.Listen,
		rpcs:     make(map[RPCID]*rpcSpec),
		conns:    make(map[string]*conn),
		inflight: make(map[uint64]*inflightOp),
		bulks:    make(map[uint64]*Bulk),
		events:   make(chan func(), 128),
		shutdown: make(chan struct{}),
	}

	if cfg.Listen {
		bind := cfg.BindAddr
		if bind == "" {
			bind = "0.0.0.0:0"
		}

		l, err := net.Listen("tcp", bind)
		if err != nil {
			return nil, errors.Wrap(err, "listen")
		}
		s.listener = l

		host := cfg.AdvertiseHost
		if host == "" {
			if host, err = os.Hostname(); err != nil {
				host = "127.0.0.1"
			}
		}

		_, port, err := net.SplitHostPort(l.Addr().String())
		if err != nil {
			l.Close()
			return nil, errors.Wrap(err, "listener address")
		}
		s.selfAddr = Provider + net.JoinHostPort(host, port)

		s.wg.Add(1)
		go s.acceptLoop()
	}

	s.wg.Add(1)
	go s.progress()

	return s, nil
}

// RegisterRPC registers a named RPC. Servers pass the handler to be run
// for inbound requests; clients pass nil and use the returned id with
// CreateHandle.
func (s *Session) RegisterRPC(name string, handler Handler) RPCID {
	id := NameID(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rpcs[id] = &rpcSpec{name: name, handler: handler}
	return id
}

// DisableResponse marks an RPC as fire-and-forget: forwards complete as
// soon as the request is on the wire, and handlers must not respond.
func (s *Session) DisableResponse(id RPCID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if spec, ok := s.rpcs[id]; ok {
		spec.noResponse = true
	}
}

// Shutdown stops the progress goroutine, closes every connection, and
// joins. Pending callbacks already queued are run to completion first.
func (s *Session) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		for _, c := range s.conns {
			c.netConn.Close()
		}
		s.mu.Unlock()
	})

	s.wg.Wait()
}

// The progress driver: drain completed work, then wait for more with a
// bounded poll, until shutdown.
func (s *Session) progress() {
	defer s.wg.Done()

	timer := time.NewTimer(progressInterval)
	defer timer.Stop()

	for {
		// Trigger everything already queued.
		for {
			select {
			case f := <-s.events:
				f()
				continue
			default:
			}
			break
		}

		// Wait for further completions.
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(progressInterval)

		select {
		case f := <-s.events:
			f()

		case <-timer.C:

		case <-s.shutdown:
			// Let anything already queued run, then quit.
			for {
				select {
				case f := <-s.events:
					f()
					continue
				default:
				}
				return
			}
		}
	}
}

// post schedules f on the progress goroutine. After shutdown it is a
// no-op.
func (s *Session) post(f func()) {
	select {
	case s.events <- f:
	case <-s.shutdown:
	}
}

func (s *Session) acceptLoop() {
	defer s.wg.Done()

	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
			default:
				logrus.WithError(err).Error("hvac: accept failed")
			}
			return
		}

		s.addConn(netConn.RemoteAddr().String(), netConn)
	}
}

// getConn returns the connection for hostport, dialing if needed.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Session) getConn(hostport string) (*conn, error) {
	s.mu.Lock()
	c, ok := s.conns[hostport]
	s.mu.Unlock()

	if ok {
		return c, nil
	}

	netConn, err := net.DialTimeout("tcp", hostport, dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "dial %s: %v", hostport, err)
	}

	return s.addConn(hostport, netConn), nil
}

// addConn registers netConn under key and starts its reader. If a
// connection raced in under the same key, the new one is dropped in
// favor of the existing one.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Session) addConn(key string, netConn net.Conn) *conn {
	c := newConn(s, key, netConn)

	s.mu.Lock()
	if existing, ok := s.conns[key]; ok {
		s.mu.Unlock()
		netConn.Close()
		return existing
	}
	s.conns[key] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go c.readLoop()

	return c
}

// removeConn tears down c after a read error, failing every in-flight
// operation that was awaiting a response on it.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Session) removeConn(c *conn, cause error) {
	c.netConn.Close()

	s.mu.Lock()
	if s.conns[c.key] == c {
		delete(s.conns, c.key)
	}

	var failed []*inflightOp
	for seq, op := range s.inflight {
		if op.conn == c {
			failed = append(failed, op)
			delete(s.inflight, seq)
		}
	}
	s.mu.Unlock()

	for _, op := range failed {
		op := op
		s.post(func() {
			op.cb(&CompletionInfo{
				Err:    errors.Wrapf(ErrTransport, "connection lost: %v", cause),
				Handle: op.handle,
				Arg:    op.arg,
			})
		})
	}
}

// allocSeq hands out the next sequence number / bulk token.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Session) allocSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	return s.nextSeq
}

// lookupRPC returns the spec for id, or nil.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Session) lookupRPC(id RPCID) *rpcSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpcs[id]
}
