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
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Provider is the network class specifier carried on every published
// address. It is kept verbatim from the fabric deployment so rendezvous
// files remain interchangeable between renditions of the protocol.
const Provider = "ofi+tcp;ofi_rxm://"

// An Addr is a resolved transport address, produced by Session.AddrLookup
// and released with Session.AddrFree.
type Addr struct {
	raw      string
	hostport string
}

// String returns the address as it appears in the rendezvous file.
func (a *Addr) String() string {
	return a.raw
}

// AddrLookup parses a published address string into an Addr usable with
// CreateHandle. The string must carry the Provider prefix followed by a
// dialable host:port.
func (s *Session) AddrLookup(raw string) (*Addr, error) {
	if !strings.HasPrefix(raw, Provider) {
		return nil, errors.Errorf("address %q lacks provider prefix %q", raw, Provider)
	}

	hostport := raw[len(Provider):]
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return nil, errors.Wrapf(err, "address %q", raw)
	}

	return &Addr{raw: raw, hostport: hostport}, nil
}

// AddrFree releases a looked-up address. Connections are owned by the
// session, not the address, so this only severs the caller's reference.
func (s *Session) AddrFree(a *Addr) {
}

// AddrSelf returns the address under which peers can reach this session.
// Only meaningful for listening sessions.
func (s *Session) AddrSelf() string {
	return s.selfAddr
}
