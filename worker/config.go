// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"encoding/json"
	"fmt"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/photon/structs"
)

// Mode is the role a worker process plays.
type Mode int8

const (
	// ModeNone is the mode of a worker before Init and after Shutdown.
	ModeNone Mode = iota

	// ModeScript is a driver: a user program submitting tasks.
	ModeScript

	// ModeWorker is an executor pulling tasks from the scheduler.
	ModeWorker

	// ModeLocal is a driver running every task synchronously in-process
	// with no cluster contact; used for debugging.
	ModeLocal
)

func (m Mode) String() string {
	switch m {
	case ModeScript:
		return "script"
	case ModeWorker:
		return "worker"
	case ModeLocal:
		return "local"
	default:
		return "none"
	}
}

// Tuning defaults. InternalConfig overrides these for testing.
const (
	defaultGetTimeoutMs     = 1000
	defaultMemcopyThreads   = 12
	defaultErrorGraceSecs   = 5
	defaultCodecWaitTimeout = 10 // seconds before the one-shot codec warning
)

// Config configures Init. Exactly one process role is selected by Mode;
// LocalMode is a convenience that forces ModeLocal.
type Config struct {
	Logger hclog.Logger

	// Mode selects driver vs executor. Init defaults ModeNone to
	// ModeScript (or ModeLocal when LocalMode is set).
	Mode Mode

	// LocalMode runs the driver serially in-process; no scheduler or
	// store is contacted.
	LocalMode bool

	// NodeIPAddress is recorded in the registration hashes.
	NodeIPAddress string

	// ControlPlaneSocket attaches to an existing cluster's metadata
	// service. Required outside LOCAL mode.
	ControlPlaneSocket string

	// PlasmaSocket and RayletSocket locate the node-local object store
	// and scheduler.
	PlasmaSocket string
	RayletSocket string

	// DriverID fixes the driver identity; zero draws a random one.
	DriverID structs.DriverID

	// DriverName is recorded in the driver registration hash.
	DriverName string

	// ObjectIDSeed makes the driver task id, and therefore every object
	// id the driver derives, deterministic across runs.
	ObjectIDSeed *int64

	// IgnoreReinitError downgrades a second Init to an error log.
	IgnoreReinitError bool

	// CollectProfilingData enables the span profiler. Forced off with a
	// warning when ControlPlaneMaxMemory is set, since profiling data
	// cannot be evicted.
	CollectProfilingData bool

	// Bootstrap options. These configure cluster start; when attaching to
	// an existing cluster, finalize rejects every one of them except
	// ControlPlanePassword and IncludeWebUI.
	NumCPUs               *float64
	NumGPUs               *float64
	Resources             structs.Resources
	ObjectStoreMemory     int64
	ControlPlaneMaxMemory int64
	NumControlPlaneShards int
	ControlPlanePassword  string
	PlasmaDirectory       string
	HugePages             bool
	IncludeWebUI          bool
	TempDir               string

	// InternalConfig is a JSON blob overriding tuning defaults. For
	// testing only.
	InternalConfig string

	// Tuning knobs, filled from defaults and InternalConfig.
	GetTimeoutMs     int
	FetchRequestSize int
	GetRequestSize   int
	MemcopyThreads   int
}

// internalConfig is the JSON schema of Config.InternalConfig.
type internalConfig struct {
	GetTimeoutMs     int `json:"get_timeout_milliseconds"`
	FetchRequestSize int `json:"worker_fetch_request_size"`
	GetRequestSize   int `json:"worker_get_request_size"`
	MemcopyThreads   int `json:"memcopy_threads"`
}

// DefaultConfig returns a Config with the tuning defaults filled in.
func DefaultConfig() *Config {
	return &Config{
		Logger:               hclog.Default(),
		CollectProfilingData: true,
		GetTimeoutMs:         defaultGetTimeoutMs,
		MemcopyThreads:       defaultMemcopyThreads,
	}
}

// finalize validates the option matrix and applies defaults and the
// internal config overrides.
func (c *Config) finalize() error {
	if c.Logger == nil {
		c.Logger = hclog.Default()
	}
	if c.LocalMode {
		if c.Mode != ModeNone && c.Mode != ModeLocal {
			return fmt.Errorf("local mode conflicts with mode %s", c.Mode)
		}
		c.Mode = ModeLocal
	}
	if c.Mode == ModeNone {
		c.Mode = ModeScript
	}

	if c.HugePages && c.PlasmaDirectory == "" {
		return fmt.Errorf("huge pages support requires plasma_directory")
	}

	// Attaching to an existing cluster precludes the bootstrap options
	// (other than the password and web UI flag) and the internal config.
	attaching := c.ControlPlaneSocket != "" && c.Mode != ModeLocal
	if attaching {
		var conflict string
		switch {
		case c.NumCPUs != nil:
			conflict = "num_cpus"
		case c.NumGPUs != nil:
			conflict = "num_gpus"
		case c.Resources != nil:
			conflict = "resources"
		case c.ObjectStoreMemory != 0:
			conflict = "object_store_memory"
		case c.ControlPlaneMaxMemory != 0:
			conflict = "control_plane_max_memory"
		case c.NumControlPlaneShards != 0:
			conflict = "num_control_plane_shards"
		case c.PlasmaDirectory != "":
			conflict = "plasma_directory"
		case c.HugePages:
			conflict = "huge_pages"
		case c.TempDir != "":
			conflict = "temp_dir"
		case c.InternalConfig != "":
			conflict = "internal_config"
		}
		if conflict != "" {
			return fmt.Errorf("when connecting to an existing cluster, %s must not be provided", conflict)
		}
	}

	if c.ControlPlaneMaxMemory != 0 && c.CollectProfilingData {
		c.Logger.Warn("profiling data cannot be evicted from the control plane, so profiling is disabled when control_plane_max_memory is set")
		c.CollectProfilingData = false
	}

	if c.InternalConfig != "" {
		var ic internalConfig
		if err := json.Unmarshal([]byte(c.InternalConfig), &ic); err != nil {
			return fmt.Errorf("invalid internal config: %w", err)
		}
		if ic.GetTimeoutMs > 0 {
			c.GetTimeoutMs = ic.GetTimeoutMs
		}
		if ic.FetchRequestSize > 0 {
			c.FetchRequestSize = ic.FetchRequestSize
		}
		if ic.GetRequestSize > 0 {
			c.GetRequestSize = ic.GetRequestSize
		}
		if ic.MemcopyThreads > 0 {
			c.MemcopyThreads = ic.MemcopyThreads
		}
	}

	if c.GetTimeoutMs <= 0 {
		c.GetTimeoutMs = defaultGetTimeoutMs
	}
	if c.FetchRequestSize <= 0 {
		c.FetchRequestSize = defaultFetchRequestSize
	}
	if c.GetRequestSize <= 0 {
		c.GetRequestSize = defaultGetRequestSize
	}
	if c.MemcopyThreads <= 0 {
		c.MemcopyThreads = defaultMemcopyThreads
	}

	if c.Mode != ModeLocal {
		if c.ControlPlaneSocket == "" {
			return fmt.Errorf("control plane socket is required outside local mode; cluster bootstrap is not performed by the worker runtime")
		}
		if c.PlasmaSocket == "" || c.RayletSocket == "" {
			return fmt.Errorf("plasma and raylet sockets are required outside local mode")
		}
	}
	return nil
}
