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

// hvac-server runs one rank of the HVAC server federation. It publishes
// its transport address to the per-job rendezvous file and serves until
// SIGINT or SIGTERM.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	hvac "github.com/Garson-hu/MT-HVAC"
	"github.com/Garson-hu/MT-HVAC/hvacconfig"
	"github.com/Garson-hu/MT-HVAC/hvacserver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("hvac-server exiting")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "hvac-server <server-count>",
		Short:         "HVAC read-cache server rank",
		Long:          "hvac-server — one rank of the HVAC server federation, fielding remote open/read/seek/close for preloaded client applications.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "hvacrc.toml",
		"optional TOML configuration file")

	return cmd
}

func run(countArg, configPath string) error {
	hvacconfig.InitLogging()

	count, err := strconv.Atoi(countArg)
	if err != nil || count <= 0 {
		return fmt.Errorf("server count %q is not a positive integer", countArg)
	}

	cfg, err := hvacconfig.ServerFromEnv()
	if err != nil {
		return err
	}
	cfg.ServerCount = count

	fc, err := hvacconfig.LoadFile(configPath)
	if err != nil {
		return err
	}
	fc.Apply(&cfg)

	log := logrus.WithField("rank", cfg.ProcID)
	log.Info("server process starting up")

	if err := hvacserver.WritePIDFile(hvacserver.PIDFilePath); err != nil {
		log.WithError(err).Error("could not record pid")
	}

	// The data mover runs before anything can be served, so a close can
	// enqueue immediately.
	mover := hvacserver.NewMover(cfg.CacheDir)
	mover.Start()

	sess, err := hvac.NewSession(hvac.SessionConfig{
		Listen:        true,
		BindAddr:      fc.BindAddr,
		AdvertiseHost: fc.AdvertiseHost,
	})
	if err != nil {
		return err
	}

	hvacserver.New(cfg, sess, mover)

	if err := hvacserver.PublishAddress(cfg.RendezvousPath(), cfg.ProcID, sess.AddrSelf()); err != nil {
		sess.Shutdown()
		return err
	}

	log.WithField("addr", sess.AddrSelf()).Info("serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.WithField("signal", sig).Info("server process shutting down")

	sess.Shutdown()
	mover.Stop()

	return nil
}
