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
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Garson-hu/MT-HVAC/internal/wire"
)

// A conn is one TCP connection carrying request, response, and bulk-data
// frames in both directions. Frame writes are serialized by a write
// mutex; frames are read by a single reader goroutine that posts RPC
// work to the session's progress driver and services bulk-data frames
// inline.
type conn struct {
	sess *Session
	key  string

	netConn net.Conn

	// Serializes writeFrame. Ordering between a bulk-data frame and the
	// response that follows it on the same connection is what guarantees
	// the client buffer is filled before its waiter wakes.
	writeMu sync.Mutex

	br *bufio.Reader
}

func newConn(s *Session, key string, netConn net.Conn) *conn {
	return &conn{
		sess:    s,
		key:     key,
		netConn: netConn,
		br:      bufio.NewReaderSize(netConn, 1<<16),
	}
}

// writeFrame writes one frame, excluding concurrent writers.
//
// LOCKS_EXCLUDED(c.writeMu)
func (c *conn) writeFrame(h wire.Header, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return wire.WriteFrame(c.netConn, h, payload)
}

// readLoop reads frames until the connection dies, then tears it down.
func (c *conn) readLoop() {
	defer c.sess.wg.Done()

	for {
		h, payload, err := wire.ReadFrame(c.br)
		if err != nil {
			if err != io.EOF {
				select {
				case <-c.sess.shutdown:
				default:
					logrus.WithError(err).WithField("peer", c.key).
						Debug("hvac: connection read failed")
				}
			}
			c.sess.removeConn(c, err)
			return
		}

		switch h.Kind {
		case wire.KindRequest:
			c.handleRequest(h, payload)

		case wire.KindResponse:
			c.handleResponse(h, payload)

		case wire.KindBulkData:
			c.handleBulkData(h, payload)

		default:
			logrus.WithField("kind", h.Kind).Warn("hvac: dropping unknown frame kind")
		}
	}
}

// handleRequest schedules the registered handler on the progress
// goroutine.
func (c *conn) handleRequest(h wire.Header, payload []byte) {
	spec := c.sess.lookupRPC(h.RPC)
	if spec == nil || spec.handler == nil {
		logrus.WithField("rpc", h.RPC).Warn("hvac: request for unregistered RPC")
		return
	}

	handle := &Handle{
		sess:       c.sess,
		conn:       c,
		rpc:        h.RPC,
		seq:        h.Seq,
		input:      payload,
		noResponse: spec.noResponse,
	}

	c.sess.post(func() { spec.handler(handle) })
}

// handleResponse matches a response to its in-flight forward and
// schedules the completion callback.
func (c *conn) handleResponse(h wire.Header, payload []byte) {
	c.sess.mu.Lock()
	op, ok := c.sess.inflight[h.Seq]
	if ok {
		delete(c.sess.inflight, h.Seq)
	}
	c.sess.mu.Unlock()

	if !ok {
		logrus.WithField("seq", h.Seq).Warn("hvac: response with no matching operation")
		return
	}

	c.sess.post(func() {
		op.cb(&CompletionInfo{Handle: op.handle, Arg: op.arg, Output: payload})
	})
}

// handleBulkData lands pushed bytes in the registered target region.
// This is the one-sided path: the copy happens here on the reader, with
// no callback into the application.
func (c *conn) handleBulkData(h wire.Header, payload []byte) {
	off, data, err := wire.ConsumeUint64(payload)
	if err != nil {
		logrus.Warn("hvac: malformed bulk-data frame")
		return
	}

	c.sess.mu.Lock()
	b := c.sess.bulks[h.Seq]
	c.sess.mu.Unlock()

	if b == nil {
		logrus.WithField("token", h.Seq).Warn("hvac: bulk data for unregistered region")
		return
	}

	if b.mode != BulkWriteOnly {
		logrus.WithField("token", h.Seq).Warn("hvac: bulk data for non-writable region")
		return
	}

	if off > uint64(len(b.buf)) || uint64(len(data)) > uint64(len(b.buf))-off {
		logrus.WithField("token", h.Seq).Warn("hvac: bulk data exceeds registered region")
		return
	}

	copy(b.buf[off:], data)
}
