// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// photon-worker is the executor process the local scheduler spawns on each
// node. Socket addresses arrive in the environment, set by the scheduler.
package main

import (
	"fmt"
	"os"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/photon/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "photon-worker",
		Level: hclog.LevelFromString(envOr("PHOTON_LOG_LEVEL", "info")),
	})

	config := worker.DefaultConfig()
	config.Logger = logger
	config.Mode = worker.ModeWorker
	config.NodeIPAddress = envOr("PHOTON_NODE_IP", "127.0.0.1")
	config.ControlPlaneSocket = os.Getenv("PHOTON_CONTROL_PLANE_SOCKET")
	config.PlasmaSocket = os.Getenv("PHOTON_PLASMA_SOCKET")
	config.RayletSocket = os.Getenv("PHOTON_RAYLET_SOCKET")

	w := worker.New(logger)
	if err := w.Connect(config); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		return 1
	}
	w.HandleSignals()

	if err := w.Run(); err != nil {
		logger.Error("worker loop failed", "error", err)
		w.Disconnect()
		return 1
	}
	w.Disconnect()
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
