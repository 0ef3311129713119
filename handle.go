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
	"github.com/pkg/errors"

	"github.com/Garson-hu/MT-HVAC/internal/wire"
)

// A Handle represents one RPC operation. On the client it is created
// with CreateHandle and dispatched with Forward; on the server it is
// passed to the registered Handler carrying the request payload, and is
// used to Respond.
type Handle struct {
	sess *Session
	conn *conn
	rpc  RPCID

	// Assigned at Forward time on the client; taken from the request
	// frame on the server.
	seq uint64

	input      []byte
	noResponse bool
}

// CreateHandle creates a handle representing one operation of the given
// RPC against addr, establishing the connection if necessary.
func (s *Session) CreateHandle(addr *Addr, id RPCID) (*Handle, error) {
	c, err := s.getConn(addr.hostport)
	if err != nil {
		return nil, err
	}

	return &Handle{sess: s, conn: c, rpc: id}, nil
}

// Forward dispatches the operation with the given encoded input record.
// It never blocks on the network round trip: cb (with arg) runs later on
// the progress goroutine when the response arrives. For RPCs with
// responses disabled, cb must be nil and the operation completes as soon
// as the request is written.
//
// On error the operation was not dispatched and cb will never run.
func (h *Handle) Forward(cb CompletionFunc, arg interface{}, payload []byte) error {
	spec := h.sess.lookupRPC(h.rpc)
	if spec == nil {
		return errors.Wrapf(ErrTransport, "forward on unregistered RPC %d", h.rpc)
	}

	h.seq = h.sess.allocSeq()

	expectResponse := !spec.noResponse
	if expectResponse {
		if cb == nil {
			return errors.Wrap(ErrTransport, "forward without callback on responding RPC")
		}

		h.sess.mu.Lock()
		h.sess.inflight[h.seq] = &inflightOp{cb: cb, arg: arg, handle: h, conn: h.conn}
		h.sess.mu.Unlock()
	}

	err := h.conn.writeFrame(
		wire.Header{Kind: wire.KindRequest, RPC: h.rpc, Seq: h.seq},
		payload)

	if err != nil {
		if expectResponse {
			h.sess.mu.Lock()
			delete(h.sess.inflight, h.seq)
			h.sess.mu.Unlock()
		}
		return errors.Wrapf(ErrTransport, "forward: %v", err)
	}

	return nil
}

// Input returns the raw request payload on a server-side handle.
func (h *Handle) Input() []byte {
	return h.input
}

// Respond sends the encoded output record back to the forwarder.
func (h *Handle) Respond(payload []byte) error {
	if h.noResponse {
		return errors.Wrap(ErrTransport, "respond on response-disabled RPC")
	}

	err := h.conn.writeFrame(
		wire.Header{Kind: wire.KindResponse, RPC: h.rpc, Seq: h.seq},
		payload)

	if err != nil {
		return errors.Wrapf(ErrTransport, "respond: %v", err)
	}

	return nil
}

// Destroy releases the handle's resources. The connection stays cached
// in the session.
func (h *Handle) Destroy() {
	h.input = nil
}
