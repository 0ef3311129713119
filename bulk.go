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

// BulkMode describes how the remote side may access a registered region.
type BulkMode int

const (
	// The region is a source: the peer may read from it (push origin).
	BulkReadOnly BulkMode = iota

	// The region is a target: the peer may write into it (push
	// destination).
	BulkWriteOnly
)

// BulkOp selects the direction of a transfer, from the initiator's point
// of view.
type BulkOp int

const (
	// Local region to remote region.
	BulkPush BulkOp = iota

	// Remote region to local region. Not used by the read path and not
	// implemented by this transport.
	BulkPull
)

// A Bulk is a registered memory region. While registered, the buffer is
// borrowed by the transport: the owner must not release it until the
// operation exposing it has completed and BulkFree has run.
type Bulk struct {
	token uint64
	buf   []byte
	mode  BulkMode
}

// Ref returns the opaque token to embed in an RPC input record.
func (b *Bulk) Ref() wire.BulkRef {
	return wire.BulkRef{Token: b.token, Size: uint32(len(b.buf))}
}

// BulkCreate registers buf for remote access under a fresh token.
func (s *Session) BulkCreate(buf []byte, mode BulkMode) (*Bulk, error) {
	if len(buf) == 0 {
		return nil, errors.Wrap(ErrTransport, "bulk region must be non-empty")
	}

	b := &Bulk{token: s.allocSeq(), buf: buf, mode: mode}

	s.mu.Lock()
	s.bulks[b.token] = b
	s.mu.Unlock()

	return b, nil
}

// BulkFree deregisters b. The remote side must not be mid-transfer.
func (s *Session) BulkFree(b *Bulk) {
	if b == nil {
		return
	}

	s.mu.Lock()
	delete(s.bulks, b.token)
	s.mu.Unlock()
}

// BulkTransfer moves n bytes between a local registered region and a
// remote one. The origin handle names the peer: the transfer travels on
// the same connection as the RPC it belongs to, so a push is ordered
// before any response the handler sends afterwards. cb runs on the
// progress goroutine once the data is on the wire.
//
// Only BulkPush is implemented; the read path never pulls.
func (s *Session) BulkTransfer(
	cb CompletionFunc,
	arg interface{},
	op BulkOp,
	origin *Handle,
	remote wire.BulkRef,
	remoteOff int64,
	local *Bulk,
	localOff int64,
	n int) error {
	if op != BulkPush {
		return errors.Wrap(ErrTransport, "bulk pull not implemented")
	}

	if local.mode != BulkReadOnly {
		return errors.Wrap(ErrTransport, "push source must be a readable region")
	}

	if localOff < 0 || n < 0 || localOff+int64(n) > int64(len(local.buf)) {
		return errors.Wrap(ErrTransport, "push exceeds local region")
	}

	if remoteOff < 0 || uint64(remoteOff)+uint64(n) > uint64(remote.Size) {
		return errors.Wrap(ErrTransport, "push exceeds remote region")
	}

	payload := wire.AppendUint64(nil, uint64(remoteOff))
	payload = append(payload, local.buf[localOff:localOff+int64(n)]...)

	err := origin.conn.writeFrame(
		wire.Header{Kind: wire.KindBulkData, Seq: remote.Token},
		payload)

	if err != nil {
		return errors.Wrapf(ErrTransport, "bulk push: %v", err)
	}

	if cb != nil {
		s.post(func() { cb(&CompletionInfo{Arg: arg}) })
	}

	return nil
}
