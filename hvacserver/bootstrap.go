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

package hvacserver

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// PIDFilePath is where the server records its pid on startup.
// Informational; nothing reads it back.
const PIDFilePath = "/tmp/hvac_server.pid"

// WritePIDFile overwrites path with the current pid.
func WritePIDFile(path string) error {
	data := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return errors.Wrapf(err, "writing pid file %s", path)
	}
	return nil
}

// PublishAddress appends this rank's line to the rendezvous file.
// Servers publish before any client starts; clients scan the file for
// their rank of interest and never write it.
func PublishAddress(rendezvousPath string, rank int, addr string) error {
	f, err := os.OpenFile(rendezvousPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening rendezvous file %s", rendezvousPath)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d %s\n", rank, addr); err != nil {
		return errors.Wrapf(err, "publishing to %s", rendezvousPath)
	}

	return nil
}
