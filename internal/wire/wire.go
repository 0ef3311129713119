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

// Package wire implements the framing and primitive codecs used by the
// transport session. A frame is a length-prefixed header followed by an
// opaque payload:
//
//	size    uint32  // bytes following this field
//	kind    uint8
//	rpc     uint32  // registered RPC id; zero for bulk frames
//	seq     uint64  // request sequence, or bulk token for bulk frames
//	payload []byte
//
// All integers are big-endian. Strings are encoded with a uint32 length
// prefix and no terminator. Bulk-data frames carry the destination offset
// in the first eight payload bytes, followed by the raw data.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Frame kinds.
const (
	KindRequest  = uint8(1)
	KindResponse = uint8(2)
	KindBulkData = uint8(3)
)

// HeaderSize is the size of the fixed frame header, excluding the leading
// size field.
const HeaderSize = 1 + 4 + 8

// MaxFrameSize bounds a single frame. Bulk payloads dominate, so this also
// bounds the largest read one RPC can serve: a push whose data does not
// fit in one frame (a little over 64 MiB) fails to write, and the read is
// answered with -1.
const MaxFrameSize = 1<<26 + HeaderSize + 64

// Header is the fixed portion of every frame.
type Header struct {
	Kind uint8
	RPC  uint32
	Seq  uint64
}

// BulkRef is the opaque token for a registered bulk region. It travels
// inside RPC input records and addresses the peer's buffer registry.
type BulkRef struct {
	Token uint64
	Size  uint32
}

// Zero reports whether b refers to no registered region.
func (b BulkRef) Zero() bool {
	return b.Token == 0
}

// WriteFrame writes a single frame to w.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	n := HeaderSize + len(payload)
	if n > MaxFrameSize {
		return errors.Errorf("frame of %d bytes exceeds limit", n)
	}

	var hdr [4 + HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(n))
	hdr[4] = h.Kind
	binary.BigEndian.PutUint32(hdr[5:], h.RPC)
	binary.BigEndian.PutUint64(hdr[9:], h.Seq)

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	if len(payload) == 0 {
		return nil
	}

	_, err := w.Write(payload)
	return err
}

// ReadFrame reads the next frame from r. The returned payload is freshly
// allocated and owned by the caller.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Header{}, nil, err
	}

	n := binary.BigEndian.Uint32(sizeBuf[:])
	if n < HeaderSize || n > MaxFrameSize {
		return Header{}, nil, errors.Errorf("bad frame size %d", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, nil, err
	}

	h := Header{
		Kind: buf[0],
		RPC:  binary.BigEndian.Uint32(buf[1:]),
		Seq:  binary.BigEndian.Uint64(buf[5:]),
	}

	return h, buf[HeaderSize:], nil
}

////////////////////////////////////////////////////////////////////////
// Primitive codecs
////////////////////////////////////////////////////////////////////////

// ErrShortPayload is returned by the decoding helpers when a record is
// truncated.
var ErrShortPayload = errors.New("wire: short payload")

// AppendUint32 appends v to p.
func AppendUint32(p []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(p, b[:]...)
}

// AppendUint64 appends v to p.
func AppendUint64(p []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(p, b[:]...)
}

// AppendInt32 appends v to p as its two's-complement bits.
func AppendInt32(p []byte, v int32) []byte {
	return AppendUint32(p, uint32(v))
}

// AppendInt64 appends v to p as its two's-complement bits.
func AppendInt64(p []byte, v int64) []byte {
	return AppendUint64(p, uint64(v))
}

// AppendString appends a length-prefixed string to p.
func AppendString(p []byte, s string) []byte {
	p = AppendUint32(p, uint32(len(s)))
	return append(p, s...)
}

// AppendBulkRef appends a bulk token to p.
func AppendBulkRef(p []byte, b BulkRef) []byte {
	p = AppendUint64(p, b.Token)
	return AppendUint32(p, b.Size)
}

// ConsumeUint32 decodes a uint32 from the front of p, returning the rest.
func ConsumeUint32(p []byte) (uint32, []byte, error) {
	if len(p) < 4 {
		return 0, nil, ErrShortPayload
	}
	return binary.BigEndian.Uint32(p), p[4:], nil
}

// ConsumeUint64 decodes a uint64 from the front of p, returning the rest.
func ConsumeUint64(p []byte) (uint64, []byte, error) {
	if len(p) < 8 {
		return 0, nil, ErrShortPayload
	}
	return binary.BigEndian.Uint64(p), p[8:], nil
}

// ConsumeInt32 decodes an int32 from the front of p, returning the rest.
func ConsumeInt32(p []byte) (int32, []byte, error) {
	v, rest, err := ConsumeUint32(p)
	return int32(v), rest, err
}

// ConsumeInt64 decodes an int64 from the front of p, returning the rest.
func ConsumeInt64(p []byte) (int64, []byte, error) {
	v, rest, err := ConsumeUint64(p)
	return int64(v), rest, err
}

// ConsumeString decodes a length-prefixed string from the front of p,
// returning the rest.
func ConsumeString(p []byte) (string, []byte, error) {
	n, rest, err := ConsumeUint32(p)
	if err != nil {
		return "", nil, err
	}
	if uint32(len(rest)) < n {
		return "", nil, ErrShortPayload
	}
	return string(rest[:n]), rest[n:], nil
}

// ConsumeBulkRef decodes a bulk token from the front of p, returning the
// rest.
func ConsumeBulkRef(p []byte) (BulkRef, []byte, error) {
	token, rest, err := ConsumeUint64(p)
	if err != nil {
		return BulkRef{}, nil, err
	}
	size, rest, err := ConsumeUint32(rest)
	if err != nil {
		return BulkRef{}, nil, err
	}
	return BulkRef{Token: token, Size: size}, rest, nil
}
