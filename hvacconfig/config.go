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

// Package hvacconfig resolves the process configuration from the
// environment, optionally overlaid with a TOML file on servers.
package hvacconfig

import (
	"fmt"
	"os"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	hvac "github.com/Garson-hu/MT-HVAC"
)

// Environment variables consumed by clients and servers.
const (
	EnvServerCount = "HVAC_SERVER_COUNT"
	EnvDataDir     = "HVAC_DATA_DIR"
	EnvCacheDir    = "HVAC_CACHE_DIR"
	EnvLogLevel    = "HVAC_LOG_LEVEL"
	EnvJobID       = "SLURM_JOBID"
	EnvProcID      = "SLURM_PROCID"
)

// RendezvousPrefix is the invariant substring of every rendezvous file
// name. Paths containing it are never tracked, to prevent recursion.
const RendezvousPrefix = ".ports.cfg."

// Config is the resolved process configuration.
type Config struct {
	// Number of server ranks in the federation.
	ServerCount int

	// Absolute directory whose files are tracked. Empty means "use the
	// current working directory".
	DataDir string

	// Job identifier naming the rendezvous file.
	JobID string

	// This server's rank. Meaningful on the listening side only.
	ProcID int

	// Directory the data mover warms copies into.
	CacheDir string
}

// RendezvousPath returns the rendezvous file path for the configured
// job, relative to the launch directory.
func (c *Config) RendezvousPath() string {
	return "./" + RendezvousPrefix + c.JobID
}

// ClientFromEnv resolves the client configuration. A missing or
// non-positive server count is a configuration error; the caller treats
// it as fatal.
func ClientFromEnv() (Config, error) {
	c := Config{
		DataDir: os.Getenv(EnvDataDir),
		JobID:   os.Getenv(EnvJobID),
	}

	countStr := os.Getenv(EnvServerCount)
	if countStr == "" {
		return Config{}, errors.Wrapf(hvac.ErrConfig, "%s is not set", EnvServerCount)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return Config{}, errors.Wrapf(hvac.ErrConfig, "%s=%q is not a positive integer", EnvServerCount, countStr)
	}
	c.ServerCount = count

	return c, nil
}

// ServerFromEnv resolves the server-side configuration. The server count
// arrives on the command line, not the environment.
func ServerFromEnv() (Config, error) {
	c := Config{
		JobID: os.Getenv(EnvJobID),
	}

	rankStr := os.Getenv(EnvProcID)
	if rankStr == "" {
		return Config{}, errors.Wrapf(hvac.ErrConfig, "%s is not set; cannot determine rank", EnvProcID)
	}

	rank, err := strconv.Atoi(rankStr)
	if err != nil || rank < 0 {
		return Config{}, errors.Wrapf(hvac.ErrConfig, "%s=%q is not a rank", EnvProcID, rankStr)
	}
	c.ProcID = rank

	c.CacheDir = os.Getenv(EnvCacheDir)
	if c.CacheDir == "" {
		c.CacheDir = fmt.Sprintf("/tmp/hvac_cache.%s", c.JobID)
	}

	return c, nil
}

// FileConfig is the optional server-side configuration file. LoadFile
// reads it from the path it is given; a relative path resolves against
// the working directory.
type FileConfig struct {
	CacheDir      string `toml:"cache_dir"`
	LogLevel      string `toml:"log_level"`
	BindAddr      string `toml:"bind_addr"`
	AdvertiseHost string `toml:"advertise_host"`
}

// LoadFile parses a TOML configuration file. A missing file is not an
// error; servers run fine on environment alone.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fc, nil
	}
	if err != nil {
		return fc, errors.Wrapf(err, "reading %s", path)
	}

	if err := toml.Unmarshal(data, &fc); err != nil {
		return fc, errors.Wrapf(err, "parsing %s", path)
	}

	return fc, nil
}

// Apply folds the file configuration into c and the process logger.
func (fc FileConfig) Apply(c *Config) {
	if fc.CacheDir != "" {
		c.CacheDir = fc.CacheDir
	}
	if fc.LogLevel != "" {
		if level, err := logrus.ParseLevel(fc.LogLevel); err == nil {
			logrus.SetLevel(level)
		}
	}
}

// InitLogging configures the process logger from the environment. Called
// once at startup by both sides.
func InitLogging() {
	if levelStr := os.Getenv(EnvLogLevel); levelStr != "" {
		if level, err := logrus.ParseLevel(levelStr); err == nil {
			logrus.SetLevel(level)
			return
		}
	}

	logrus.SetLevel(logrus.InfoLevel)
}
