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
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"

	hvac "github.com/Garson-hu/MT-HVAC"
	"github.com/Garson-hu/MT-HVAC/hvacconfig"
	"github.com/Garson-hu/MT-HVAC/hvacops"
	"github.com/Garson-hu/MT-HVAC/internal/stats"
)

// A Client is the redirection core: it owns the descriptor table, the
// server locator, and the transport session, and implements the
// generated operations the interposition layer calls into.
//
// A failed operation returns -1, which the interposition layer treats as
// "fall back to the real OS call".
type Client struct {
	cfg     hvacconfig.Config
	sess    *hvac.Session
	table   *Table
	locator *Locator

	openID  hvac.RPCID
	readID  hvac.RPCID
	closeID hvac.RPCID
	seekID  hvac.RPCID
	statsID hvac.RPCID
}

// New wires a client against an initialized (non-listening) session,
// registering the five RPCs.
func New(cfg hvacconfig.Config, sess *hvac.Session) *Client {
	c := &Client{
		cfg:     cfg,
		sess:    sess,
		table:   NewTable(timeutil.RealClock()),
		locator: NewLocator(cfg.RendezvousPath()),
	}

	c.openID = sess.RegisterRPC(hvacops.OpenRPCName, nil)
	c.readID = sess.RegisterRPC(hvacops.ReadRPCName, nil)
	c.seekID = sess.RegisterRPC(hvacops.SeekRPCName, nil)
	c.statsID = sess.RegisterRPC(hvacops.StatsRPCName, nil)

	c.closeID = sess.RegisterRPC(hvacops.CloseRPCName, nil)
	sess.DisableResponse(c.closeID)

	return c
}

// Table exposes the descriptor table to the tracking layer.
func (c *Client) Table() *Table {
	return c.table
}

// resolve turns a rank into a connected address.
func (c *Client) resolve(rank int) (*hvac.Addr, error) {
	raw, err := c.locator.AddressOf(rank)
	if err != nil {
		return nil, err
	}
	return c.sess.AddrLookup(raw)
}

// GenOpen dispatches the open RPC for localFD and blocks until the
// server answers. The entry is inserted in StateOpening before dispatch;
// the callback transitions it to StateReady or StateError, so a read
// racing with the open waits on the entry rather than missing it.
//
// Returns the server's ret_status: the remote descriptor if positive.
func (c *Client) GenOpen(rank int, canonicalPath string, localFD int) int64 {
	defer stats.Default.Timed("Client_(gen_open)_total")()

	c.table.BeginOpening(localFD, canonicalPath, rank)

	addr, err := c.resolve(rank)
	if err != nil {
		logrus.WithError(err).WithField("rank", rank).Error("hvac: open address lookup failed")
		c.table.MarkError(localFD)
		return -1
	}
	defer c.sess.AddrFree(addr)

	handle, err := c.sess.CreateHandle(addr, c.openID)
	if err != nil {
		logrus.WithError(err).Error("hvac: open handle creation failed")
		c.table.MarkError(localFD)
		return -1
	}

	w := hvac.NewWaiter()
	in := hvacops.OpenIn{Path: canonicalPath}

	err = handle.Forward(func(ci *hvac.CompletionInfo) {
		var status int64 = -1

		switch {
		case ci.Err != nil:
			logrus.WithError(ci.Err).Error("hvac: open RPC failed in flight")
			c.table.MarkError(localFD)

		default:
			var out hvacops.OpenOut
			if err := out.UnmarshalPayload(ci.Output); err != nil {
				logrus.WithError(err).Error("hvac: bad open response")
				c.table.MarkError(localFD)
				break
			}

			status = int64(out.RetStatus)
			if out.RetStatus > 0 {
				c.table.MarkReady(localFD, out.RetStatus)
			} else {
				c.table.MarkError(localFD)
			}
		}

		ci.Handle.Destroy()
		w.Complete(status)
	}, nil, in.MarshalPayload(nil))

	if err != nil {
		logrus.WithError(err).Error("hvac: open dispatch failed")
		c.table.MarkError(localFD)
		handle.Destroy()
		return -1
	}

	return w.Wait()
}

// GenRead reads into buf through the remote descriptor backing localFD.
// Offset -1 requests a sequential read using the server-side file
// position; any other value is a positional read. The caller's buffer is
// registered as the bulk target and is owned by the transport until the
// waiter signals.
//
// Returns the number of bytes landed in buf, or -1.
func (c *Client) GenRead(rank int, localFD int, buf []byte, offset int64) int64 {
	defer stats.Default.Timed("Client_(gen_read)_total")()

	if !c.table.WaitReady(localFD, DefaultReadyTimeout) {
		logrus.WithField("fd", localFD).Error("hvac: descriptor not ready for read")
		return -1
	}

	remoteFD, ok := c.table.Remote(localFD)
	if !ok {
		logrus.WithField("fd", localFD).Error("hvac: no remote descriptor mapping")
		return -1
	}

	addr, err := c.resolve(rank)
	if err != nil {
		logrus.WithError(err).WithField("rank", rank).Error("hvac: read address lookup failed")
		return -1
	}
	defer c.sess.AddrFree(addr)

	handle, err := c.sess.CreateHandle(addr, c.readID)
	if err != nil {
		logrus.WithError(err).Error("hvac: read handle creation failed")
		return -1
	}

	// Register the caller's buffer for remote write access. It must stay
	// live until the completion signals the waiter.
	bulk, err := c.sess.BulkCreate(buf, hvac.BulkWriteOnly)
	if err != nil {
		logrus.WithError(err).Error("hvac: read bulk registration failed")
		handle.Destroy()
		return -1
	}

	w := hvac.NewWaiter()
	in := hvacops.ReadIn{
		InputVal:   int32(len(buf)),
		BulkHandle: bulk.Ref(),
		AccessFD:   remoteFD,
		Offset:     offset,
	}

	err = handle.Forward(func(ci *hvac.CompletionInfo) {
		var bytesRead int64 = -1

		if ci.Err != nil {
			logrus.WithError(ci.Err).Error("hvac: read RPC failed in flight")
		} else {
			var out hvacops.ReadOut
			if err := out.UnmarshalPayload(ci.Output); err != nil {
				logrus.WithError(err).Error("hvac: bad read response")
			} else {
				bytesRead = int64(out.Ret)
			}
		}

		c.sess.BulkFree(bulk)
		ci.Handle.Destroy()
		w.Complete(bytesRead)
	}, nil, in.MarshalPayload(nil))

	if err != nil {
		logrus.WithError(err).Error("hvac: read dispatch failed")
		c.sess.BulkFree(bulk)
		handle.Destroy()
		return -1
	}

	return w.Wait()
}

// GenSeek repositions the server-side file offset for localFD.
func (c *Client) GenSeek(rank int, localFD int, offset int64, whence int) int64 {
	remoteFD, ok := c.table.Remote(localFD)
	if !ok {
		return -1
	}

	addr, err := c.resolve(rank)
	if err != nil {
		logrus.WithError(err).WithField("rank", rank).Error("hvac: seek address lookup failed")
		return -1
	}
	defer c.sess.AddrFree(addr)

	handle, err := c.sess.CreateHandle(addr, c.seekID)
	if err != nil {
		logrus.WithError(err).Error("hvac: seek handle creation failed")
		return -1
	}

	w := hvac.NewWaiter()
	in := hvacops.SeekIn{
		FD:     remoteFD,
		Offset: int32(offset),
		Whence: int32(whence),
	}

	err = handle.Forward(func(ci *hvac.CompletionInfo) {
		var ret int64 = -1

		if ci.Err != nil {
			logrus.WithError(ci.Err).Error("hvac: seek RPC failed in flight")
		} else {
			var out hvacops.SeekOut
			if err := out.UnmarshalPayload(ci.Output); err != nil {
				logrus.WithError(err).Error("hvac: bad seek response")
			} else {
				ret = int64(out.Ret)
			}
		}

		ci.Handle.Destroy()
		w.Complete(ret)
	}, nil, in.MarshalPayload(nil))

	if err != nil {
		logrus.WithError(err).Error("hvac: seek dispatch failed")
		handle.Destroy()
		return -1
	}

	return w.Wait()
}

// GenClose emits the fire-and-forget close RPC if a remote descriptor is
// known, then erases the entry. Close never waits: a lost close costs
// the server one descriptor, and the application's own close already ran
// against the OS.
func (c *Client) GenClose(rank int, localFD int) {
	defer stats.Default.Timed("Client_(gen_close)_total")()

	if remoteFD, ok := c.table.Remote(localFD); ok {
		if err := c.sendClose(rank, remoteFD); err != nil {
			logrus.WithError(err).WithField("fd", localFD).Error("hvac: close dispatch failed")
		}
	} else {
		logrus.WithField("fd", localFD).Warn("hvac: no remote descriptor at close")
	}

	c.table.Erase(localFD)
}

func (c *Client) sendClose(rank int, remoteFD int32) error {
	addr, err := c.resolve(rank)
	if err != nil {
		return err
	}
	defer c.sess.AddrFree(addr)

	handle, err := c.sess.CreateHandle(addr, c.closeID)
	if err != nil {
		return err
	}
	defer handle.Destroy()

	in := hvacops.CloseIn{FD: remoteFD}
	return handle.Forward(nil, nil, in.MarshalPayload(nil))
}

// RequestServerStats asks the server at rank to log its timing summary,
// waiting briefly for the acknowledgement.
func (c *Client) RequestServerStats(rank int) int64 {
	addr, err := c.resolve(rank)
	if err != nil {
		return -1
	}
	defer c.sess.AddrFree(addr)

	handle, err := c.sess.CreateHandle(addr, c.statsID)
	if err != nil {
		return -1
	}

	w := hvac.NewWaiter()
	in := hvacops.StatsIn{}

	err = handle.Forward(func(ci *hvac.CompletionInfo) {
		var status int64 = -1

		if ci.Err == nil {
			var out hvacops.StatsOut
			if err := out.UnmarshalPayload(ci.Output); err == nil {
				status = int64(out.Status)
			}
		}

		ci.Handle.Destroy()
		w.Complete(status)
	}, nil, in.MarshalPayload(nil))

	if err != nil {
		handle.Destroy()
		return -1
	}

	return w.Wait()
}
