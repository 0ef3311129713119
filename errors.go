// Copyright 2023 Garson Hu. All Rights Reserved.
// Author: garson.hu@gmail.com (Garson Hu)

package hvac

import (
	"github.com/pkg/errors"
)

var (
	// Failure kinds surfaced by the client core. These may be treated
	// specially by callers deciding whether to fall back to the OS path.
	ErrConfig     = errors.New("hvac: required configuration missing")
	ErrBootstrap  = errors.New("hvac: rendezvous file unreadable")
	ErrNoServer   = errors.New("hvac: no server published for rank")
	ErrTransport  = errors.New("hvac: transport failure")
	ErrRemote     = errors.New("hvac: server returned failure")
	ErrTimeout    = errors.New("hvac: timed out waiting for descriptor")
	ErrNotTracked = errors.New("hvac: descriptor not tracked")
)
