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

// Package hvacops defines the input and output records of the five HVAC
// RPCs, together with their payload codecs. The field order of each
// record is a wire contract shared by clients and servers; changing it
// changes the protocol.
package hvacops

import (
	"github.com/Garson-hu/MT-HVAC/internal/wire"
)

// Registered RPC names. Both sides derive the numeric RPC id from the
// name, so these strings are part of the wire contract.
const (
	OpenRPCName  = "hvac_open_rpc"
	ReadRPCName  = "hvac_base_rpc"
	CloseRPCName = "hvac_close_rpc"
	SeekRPCName  = "hvac_seek_rpc"
	StatsRPCName = "hvac_print_stats_rpc"
)

////////////////////////////////////////////////////////////////////////
// Open
////////////////////////////////////////////////////////////////////////

// OpenIn asks the server to open a file read-only. Path is the canonical
// path under which the client hashed the file to this server; the server
// may redirect it to a warmed local copy.
type OpenIn struct {
	Path string
}

// OpenOut carries the server-local file descriptor, or a negative errno
// if the open failed.
type OpenOut struct {
	RetStatus int32
}

func (in *OpenIn) MarshalPayload(p []byte) []byte {
	return wire.AppendString(p, in.Path)
}

func (in *OpenIn) UnmarshalPayload(p []byte) error {
	var err error
	in.Path, _, err = wire.ConsumeString(p)
	return err
}

func (out *OpenOut) MarshalPayload(p []byte) []byte {
	return wire.AppendInt32(p, out.RetStatus)
}

func (out *OpenOut) UnmarshalPayload(p []byte) error {
	var err error
	out.RetStatus, _, err = wire.ConsumeInt32(p)
	return err
}

////////////////////////////////////////////////////////////////////////
// Read
////////////////////////////////////////////////////////////////////////

// ReadIn asks the server to read InputVal bytes from the remote
// descriptor AccessFD and push them into the client region named by
// BulkHandle. Offset of -1 selects a sequential read using the server's
// file position; any other value selects pread at that offset.
type ReadIn struct {
	InputVal   int32
	BulkHandle wire.BulkRef
	AccessFD   int32
	Offset     int64
}

// ReadOut carries the number of bytes actually read and pushed. The data
// itself travels through the bulk channel, not the response.
type ReadOut struct {
	Ret int32
}

func (in *ReadIn) MarshalPayload(p []byte) []byte {
	p = wire.AppendInt32(p, in.InputVal)
	p = wire.AppendBulkRef(p, in.BulkHandle)
	p = wire.AppendInt32(p, in.AccessFD)
	return wire.AppendInt64(p, in.Offset)
}

func (in *ReadIn) UnmarshalPayload(p []byte) error {
	var err error
	if in.InputVal, p, err = wire.ConsumeInt32(p); err != nil {
		return err
	}
	if in.BulkHandle, p, err = wire.ConsumeBulkRef(p); err != nil {
		return err
	}
	if in.AccessFD, p, err = wire.ConsumeInt32(p); err != nil {
		return err
	}
	in.Offset, _, err = wire.ConsumeInt64(p)
	return err
}

func (out *ReadOut) MarshalPayload(p []byte) []byte {
	return wire.AppendInt32(p, out.Ret)
}

func (out *ReadOut) UnmarshalPayload(p []byte) error {
	var err error
	out.Ret, _, err = wire.ConsumeInt32(p)
	return err
}

////////////////////////////////////////////////////////////////////////
// Seek
////////////////////////////////////////////////////////////////////////

// SeekIn repositions the server-side file offset of FD per lseek(2).
type SeekIn struct {
	FD     int32
	Offset int32
	Whence int32
}

// SeekOut carries the resulting offset, or -1 on failure.
type SeekOut struct {
	Ret int32
}

func (in *SeekIn) MarshalPayload(p []byte) []byte {
	p = wire.AppendInt32(p, in.FD)
	p = wire.AppendInt32(p, in.Offset)
	return wire.AppendInt32(p, in.Whence)
}

func (in *SeekIn) UnmarshalPayload(p []byte) error {
	var err error
	if in.FD, p, err = wire.ConsumeInt32(p); err != nil {
		return err
	}
	if in.Offset, p, err = wire.ConsumeInt32(p); err != nil {
		return err
	}
	in.Whence, _, err = wire.ConsumeInt32(p)
	return err
}

func (out *SeekOut) MarshalPayload(p []byte) []byte {
	return wire.AppendInt32(p, out.Ret)
}

func (out *SeekOut) UnmarshalPayload(p []byte) error {
	var err error
	out.Ret, _, err = wire.ConsumeInt32(p)
	return err
}

////////////////////////////////////////////////////////////////////////
// Close
////////////////////////////////////////////////////////////////////////

// CloseIn closes the server-side descriptor FD. The RPC is registered
// with responses disabled; there is no CloseOut.
type CloseIn struct {
	FD int32
}

func (in *CloseIn) MarshalPayload(p []byte) []byte {
	return wire.AppendInt32(p, in.FD)
}

func (in *CloseIn) UnmarshalPayload(p []byte) error {
	var err error
	in.FD, _, err = wire.ConsumeInt32(p)
	return err
}

////////////////////////////////////////////////////////////////////////
// Stats
////////////////////////////////////////////////////////////////////////

// StatsIn asks the server to log its timing statistics. Dummy exists
// because every RPC carries an input record.
type StatsIn struct {
	Dummy int32
}

// StatsOut reports whether the server honored the request.
type StatsOut struct {
	Status int32
}

func (in *StatsIn) MarshalPayload(p []byte) []byte {
	return wire.AppendInt32(p, in.Dummy)
}

func (in *StatsIn) UnmarshalPayload(p []byte) error {
	var err error
	in.Dummy, _, err = wire.ConsumeInt32(p)
	return err
}

func (out *StatsOut) MarshalPayload(p []byte) []byte {
	return wire.AppendInt32(p, out.Status)
}

func (out *StatsOut) UnmarshalPayload(p []byte) error {
	var err error
	out.Status, _, err = wire.ConsumeInt32(p)
	return err
}
