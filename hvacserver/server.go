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

// Package hvacserver implements one rank of the HVAC federation: the
// RPC handlers servicing remote open/read/seek/close, and the data
// mover that warms local copies of files it has served.
package hvacserver

import (
	"fmt"
	"os"

	"github.com/jacobsa/syncutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	hvac "github.com/Garson-hu/MT-HVAC"
	"github.com/Garson-hu/MT-HVAC/hvacconfig"
	"github.com/Garson-hu/MT-HVAC/hvacops"
	"github.com/Garson-hu/MT-HVAC/internal/stats"
)

// A Server registers the five RPC handlers on a listening session and
// tracks the descriptors it has opened on behalf of clients.
type Server struct {
	cfg   hvacconfig.Config
	sess  *hvac.Session
	rank  int
	mover *Mover
	log   *logrus.Entry

	mu syncutil.InvariantMutex

	// Open files, keyed by their descriptor. The *os.File reference
	// keeps the descriptor from being reclaimed by a finalizer while a
	// client still holds it over the wire.
	//
	// GUARDED_BY(mu)
	files map[int32]*os.File

	// Originally requested path per descriptor, used for the data-mover
	// enqueue on close and for log lines.
	//
	// GUARDED_BY(mu)
	fdPaths map[int32]string
}

// New wires a server against a listening session, registering handlers
// for the five RPCs. The mover must already be started.
func New(cfg hvacconfig.Config, sess *hvac.Session, mover *Mover) *Server {
	s := &Server{
		cfg:     cfg,
		sess:    sess,
		rank:    cfg.ProcID,
		mover:   mover,
		log:     logrus.WithField("rank", cfg.ProcID),
		files:   make(map[int32]*os.File),
		fdPaths: make(map[int32]string),
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)

	sess.RegisterRPC(hvacops.OpenRPCName, s.handleOpen)
	sess.RegisterRPC(hvacops.ReadRPCName, s.handleRead)
	sess.RegisterRPC(hvacops.SeekRPCName, s.handleSeek)
	sess.RegisterRPC(hvacops.StatsRPCName, s.handleStats)

	closeID := sess.RegisterRPC(hvacops.CloseRPCName, s.handleClose)
	sess.DisableResponse(closeID)

	return s
}

// Every descriptor with a recorded path must have a live file and vice
// versa.
func (s *Server) checkInvariants() {
	for fd := range s.files {
		if _, ok := s.fdPaths[fd]; !ok {
			panic(fmt.Sprintf("descriptor %d has no recorded path", fd))
		}
	}
	for fd := range s.fdPaths {
		if _, ok := s.files[fd]; !ok {
			panic(fmt.Sprintf("descriptor %d has no open file", fd))
		}
	}
}

// pathOf returns the requested path recorded for fd.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Server) pathOf(fd int32) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fdPaths[fd]
}

// negErrno converts a failed open into the negative errno the client
// expects in ret_status.
func negErrno(err error) int32 {
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(unix.Errno); ok {
			return -int32(errno)
		}
	}
	return -1
}

////////////////////////////////////////////////////////////////////////
// Handlers
////////////////////////////////////////////////////////////////////////

// handleOpen opens the requested file read-only, preferring a warmed
// local copy if the data mover has one, and responds with the
// descriptor. The fd→path record always stores the path the client asked
// for, not the redirect target.
func (s *Server) handleOpen(h *hvac.Handle) {
	defer stats.Default.Timed("Server_(open_handler)_total")()

	var in hvacops.OpenIn
	if err := in.UnmarshalPayload(h.Input()); err != nil {
		s.log.WithError(err).Error("malformed open input")
		h.Destroy()
		return
	}

	openPath := in.Path
	if target, ok := s.mover.RedirectTarget(in.Path); ok {
		s.log.WithFields(logrus.Fields{"path": in.Path, "target": target}).
			Debug("serving warmed copy")
		openPath = target
	}

	var out hvacops.OpenOut

	f, err := os.OpenFile(openPath, os.O_RDONLY, 0)
	if err != nil {
		s.log.WithError(err).WithField("path", openPath).Error("open failed")
		out.RetStatus = negErrno(err)
	} else {
		fd := int32(f.Fd())

		s.mu.Lock()
		s.files[fd] = f
		s.fdPaths[fd] = in.Path
		s.mu.Unlock()

		out.RetStatus = fd
		s.log.WithFields(logrus.Fields{"path": in.Path, "fd": fd}).Debug("opened")
	}

	if err := h.Respond(out.MarshalPayload(nil)); err != nil {
		s.log.WithError(err).Error("open respond failed")
	}
	h.Destroy()
}

// handleRead reads into a server-owned buffer and pushes it through the
// bulk channel into the client's registered region; the response then
// carries the byte count. Offset -1 uses the descriptor's file position,
// anything else is a pread.
func (s *Server) handleRead(h *hvac.Handle) {
	defer stats.Default.Timed("Server_(read_handler)_total")()

	var in hvacops.ReadIn
	if err := in.UnmarshalPayload(h.Input()); err != nil {
		s.log.WithError(err).Error("malformed read input")
		h.Destroy()
		return
	}

	respond := func(n int) {
		out := hvacops.ReadOut{Ret: int32(n)}
		if err := h.Respond(out.MarshalPayload(nil)); err != nil {
			s.log.WithError(err).Error("read respond failed")
		}
		h.Destroy()
	}

	if in.InputVal <= 0 {
		respond(0)
		return
	}

	// The transfer source, registered before the read the way the bulk
	// runtime wants its buffers pinned up front.
	buf := make([]byte, in.InputVal)
	bulk, err := s.sess.BulkCreate(buf, hvac.BulkReadOnly)
	if err != nil {
		s.log.WithError(err).Error("read bulk registration failed")
		respond(-1)
		return
	}

	var n int
	if in.Offset == -1 {
		n, err = unix.Read(int(in.AccessFD), buf)
		s.log.WithFields(logrus.Fields{
			"fd": in.AccessFD, "n": n, "path": s.pathOf(in.AccessFD),
		}).Debug("read")
	} else {
		n, err = unix.Pread(int(in.AccessFD), buf, in.Offset)
		s.log.WithFields(logrus.Fields{
			"fd": in.AccessFD, "n": n, "offset": in.Offset, "path": s.pathOf(in.AccessFD),
		}).Debug("pread")
	}

	if err != nil || n < 0 {
		s.log.WithError(err).WithField("fd", in.AccessFD).Error("read failed")
		s.sess.BulkFree(bulk)
		respond(-1)
		return
	}

	if n == 0 {
		s.sess.BulkFree(bulk)
		respond(0)
		return
	}

	// Push what was actually read; the reply carries the count once the
	// data is on its way.
	err = s.sess.BulkTransfer(func(ci *hvac.CompletionInfo) {
		respond(n)
		s.sess.BulkFree(bulk)
	}, nil, hvac.BulkPush, h, in.BulkHandle, 0, bulk, 0, n)

	if err != nil {
		s.log.WithError(err).Error("bulk push failed")
		s.sess.BulkFree(bulk)
		respond(-1)
	}
}

// handleClose closes the descriptor, queues the path for warming if it
// is not already cached, and forgets the record. The RPC carries no
// response.
func (s *Server) handleClose(h *hvac.Handle) {
	defer stats.Default.Timed("Server_(close_handler)_total")()

	var in hvacops.CloseIn
	if err := in.UnmarshalPayload(h.Input()); err != nil {
		s.log.WithError(err).Error("malformed close input")
		h.Destroy()
		return
	}

	s.mu.Lock()
	f := s.files[in.FD]
	path := s.fdPaths[in.FD]
	delete(s.files, in.FD)
	delete(s.fdPaths, in.FD)
	s.mu.Unlock()

	if f == nil {
		s.log.WithField("fd", in.FD).Warn("close for unknown descriptor")
		h.Destroy()
		return
	}

	if err := f.Close(); err != nil {
		s.log.WithError(err).WithField("fd", in.FD).Error("close failed")
	}

	if !s.mover.Cached(path) {
		s.log.WithField("path", path).Debug("queueing for cache warm")
		s.mover.Enqueue(path)
	}

	h.Destroy()
}

// handleSeek is an lseek passthrough on the server-side descriptor.
func (s *Server) handleSeek(h *hvac.Handle) {
	var in hvacops.SeekIn
	if err := in.UnmarshalPayload(h.Input()); err != nil {
		s.log.WithError(err).Error("malformed seek input")
		h.Destroy()
		return
	}

	var out hvacops.SeekOut

	pos, err := unix.Seek(int(in.FD), int64(in.Offset), int(in.Whence))
	if err != nil {
		s.log.WithError(err).WithField("fd", in.FD).Error("seek failed")
		out.Ret = -1
	} else {
		out.Ret = int32(pos)
	}

	if err := h.Respond(out.MarshalPayload(nil)); err != nil {
		s.log.WithError(err).Error("seek respond failed")
	}
	h.Destroy()
}

// handleStats logs the timing summary on request.
func (s *Server) handleStats(h *hvac.Handle) {
	var in hvacops.StatsIn
	if err := in.UnmarshalPayload(h.Input()); err != nil {
		s.log.WithError(err).Error("malformed stats input")
		h.Destroy()
		return
	}

	stats.Default.PrintAll(-1)

	out := hvacops.StatsOut{Status: 0}
	if err := h.Respond(out.MarshalPayload(nil)); err != nil {
		s.log.WithError(err).Error("stats respond failed")
	}
	h.Destroy()
}
