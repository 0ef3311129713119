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

// Package hvac implements the transport layer shared by HVAC clients and
// servers: a session owning the network context and a background progress
// driver, RPC registration and forwarding, one-sided bulk transfers into
// pre-registered buffers, and the per-operation sync waiter.
//
// The primary elements of interest are:
//
//   - Session, which owns the connections and the progress goroutine on
//     which all RPC and bulk completions are delivered.
//
//   - Handle, representing a single RPC operation, created against a
//     resolved server address and forwarded with a completion callback.
//
//   - Bulk, a registered memory region addressable by the remote side
//     through an opaque token.
//
//   - Waiter, which blocks exactly one caller until its operation's
//     callback signals a result.
//
// Clients build the redirection core on top of this package (see
// hvacclient); servers register handlers for the five RPCs (see
// hvacserver). The record layouts live in hvacops.
package hvac
