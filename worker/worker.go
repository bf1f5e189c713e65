// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package worker implements the per-process task execution state machine:
// the main loop pulling tasks from the local scheduler, argument
// materialisation from the object store, output storing, actor dispatch,
// and the Put/Get/Wait/SubmitTask surface exposed to drivers.
package worker

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	version "github.com/hashicorp/go-version"

	"github.com/hashicorp/photon/controlplane"
	"github.com/hashicorp/photon/funcmanager"
	"github.com/hashicorp/photon/plasma"
	"github.com/hashicorp/photon/profiler"
	"github.com/hashicorp/photon/raylet"
	"github.com/hashicorp/photon/serializer"
	"github.com/hashicorp/photon/structs"
)

// Version is the runtime version recorded in the control plane at cluster
// start and checked by every connecting process.
const Version = "0.6.2"

// versionKey is where the cluster records the runtime version.
const versionKey = "VersionInfo"

const (
	defaultFetchRequestSize = raylet.DefaultFetchRequestSize
	defaultGetRequestSize   = plasma.DefaultGetRequestSize
)

// cachedSetup is a function-to-run requested before Init.
type cachedSetup struct {
	name string
	fn   funcmanager.SetupFunc
}

// Worker owns the process's mode, identity, collaborator connections, and
// per-task state.
type Worker struct {
	logger hclog.Logger
	config *Config

	// connected and mode flip together under stateLock; driver-facing
	// operations check connected first.
	connected bool
	mode      Mode

	workerID structs.ClientID

	// originalGPUIDs is the CUDA_VISIBLE_DEVICES set recorded once at
	// process start; per-task visibility is remapped through it.
	originalGPUIDs []int

	// execLock serialises task execution within the worker. It is held
	// across argument materialisation, the function body, and output
	// storing, and released during codec-import back-off sleeps.
	execLock sync.Mutex

	// stateLock guards the per-task tuple and serialises object
	// reconstruction requests; the scheduler may recycle the worker's
	// resources around reconstruction, so two goroutines must not
	// request it for the same task concurrently.
	stateLock     sync.Mutex
	taskDriverID  structs.DriverID
	currentTaskID structs.TaskID
	taskIndex     int
	putIndex      int

	// actorID is set once this worker is turned into an actor host.
	actorID      structs.ActorID
	actors       map[structs.ActorID]interface{}
	actorClasses map[structs.ActorID]*funcmanager.ActorClassInfo
	actorInitErr *structs.TaskError

	registriesLock sync.Mutex
	registries     map[structs.DriverID]*serializer.Registry

	plasma  *plasma.Client
	cp      *controlplane.Client
	raylet  *raylet.Client
	funcMgr *funcmanager.Manager
	prof    profiler.Recorder
	errPipe *errorPipeline

	// local holds values in LOCAL mode, where Put and Get never touch a
	// store and preserve value identity.
	localLock sync.Mutex
	local     map[structs.ObjectID]interface{}

	cachedFunctionsToRun []cachedSetup

	// lastTaskErrorRaise is the unix-nano time Get last raised a task
	// error; the error pipeline suppresses duplicates within the grace
	// period.
	lastTaskErrorRaise atomic.Int64

	// one-shot warning latches
	multithreadWarned atomic.Bool
	codecWarned       atomic.Bool
}

// New builds an unconnected worker. Most programs use Init instead.
func New(logger hclog.Logger) *Worker {
	if logger == nil {
		logger = hclog.Default()
	}
	return &Worker{
		logger:       logger.Named("worker"),
		actorID:      structs.NilID(),
		actors:       make(map[structs.ActorID]interface{}),
		actorClasses: make(map[structs.ActorID]*funcmanager.ActorClassInfo),
		registries:   make(map[structs.DriverID]*serializer.Registry),
		local:        make(map[structs.ObjectID]interface{}),

		taskDriverID:   structs.NilID(),
		currentTaskID:  structs.NilID(),
		putIndex:       1,
		originalGPUIDs: cudaVisibleDevices(),
		funcMgr:        funcmanager.NewManager(logger),
		prof:           profiler.Noop{},
	}
}

// global is the process-wide worker managed by Init and Shutdown.
var (
	globalLock sync.Mutex
	global     *Worker
)

// Init connects the process-wide worker per the config, returning it. A
// second Init fails unless IgnoreReinitError is set, in which case it logs
// and returns the existing worker.
func Init(config *Config) (*Worker, error) {
	globalLock.Lock()
	defer globalLock.Unlock()

	if global != nil && global.Connected() {
		if config != nil && config.IgnoreReinitError {
			global.logger.Error("calling Init again after it has already been called")
			return global, nil
		}
		return nil, structs.ErrAlreadyConnected
	}

	if config == nil {
		config = DefaultConfig()
	}
	w := New(config.Logger)
	if err := w.Connect(config); err != nil {
		return nil, err
	}
	global = w
	return w, nil
}

// Shutdown disconnects the process-wide worker. Idempotent.
func Shutdown() error {
	globalLock.Lock()
	defer globalLock.Unlock()
	if global == nil {
		return nil
	}
	return global.Disconnect()
}

// GlobalWorker returns the process-wide worker, or nil before Init.
func GlobalWorker() *Worker {
	globalLock.Lock()
	defer globalLock.Unlock()
	return global
}

// IsInitialized reports whether Init has completed on this process.
func IsInitialized() bool {
	globalLock.Lock()
	defer globalLock.Unlock()
	return global != nil && global.Connected()
}

// Connected reports whether the worker is attached to a cluster (or
// running in LOCAL mode).
func (w *Worker) Connected() bool {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()
	return w.connected
}

// Mode returns the worker's role.
func (w *Worker) Mode() Mode {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()
	return w.mode
}

// WorkerID returns the process identity. For drivers this doubles as the
// driver id.
func (w *Worker) WorkerID() structs.ClientID {
	return w.workerID
}

// checkConnected gates driver-facing operations.
func (w *Worker) checkConnected() error {
	if !w.Connected() {
		return structs.ErrNotConnected
	}
	return nil
}

// Connect attaches this worker to the cluster described by the config: the
// control plane, the object store, and the local scheduler.
func (w *Worker) Connect(config *Config) error {
	if err := config.finalize(); err != nil {
		return err
	}
	w.stateLock.Lock()
	if w.connected {
		w.stateLock.Unlock()
		return structs.ErrAlreadyConnected
	}
	w.config = config
	w.mode = config.Mode
	w.stateLock.Unlock()

	// Identity. A worker draws a random id; a driver may fix its own.
	if config.Mode == ModeWorker {
		w.workerID = structs.RandomID()
	} else {
		if idUnset(config.DriverID) {
			w.workerID = structs.RandomID()
		} else {
			w.workerID = config.DriverID
		}
	}

	// Outside WORKER mode the process is its own driver.
	if config.Mode != ModeWorker {
		w.setTaskDriverID(w.workerID)
	}

	if config.Mode == ModeLocal {
		w.stateLock.Lock()
		w.connected = true
		w.currentTaskID = structs.RandomID()
		w.stateLock.Unlock()
		return nil
	}

	var err error
	if w.cp, err = controlplane.Connect(config.ControlPlaneSocket, w.logger); err != nil {
		return err
	}
	if err := w.checkVersion(); err != nil {
		w.cp.Disconnect()
		return err
	}

	if w.plasma, err = plasma.Connect(config.PlasmaSocket, w.logger); err != nil {
		w.cp.Disconnect()
		return err
	}

	// Register the process before dialing the scheduler so errors have a
	// home to propagate to.
	if err := w.register(); err != nil {
		w.plasma.Disconnect()
		w.cp.Disconnect()
		return err
	}

	// Drivers fix their task identity here; a seed makes it, and every
	// derived object id, deterministic.
	driverTaskID := structs.NilID()
	if config.Mode == ModeScript {
		if config.ObjectIDSeed != nil {
			driverTaskID = structs.DeterministicID(*config.ObjectIDSeed)
		} else {
			driverTaskID = structs.RandomID()
		}
		w.stateLock.Lock()
		w.currentTaskID = driverTaskID
		w.taskIndex = 0
		w.putIndex = 1
		w.stateLock.Unlock()

		if err := w.registerDriverTask(driverTaskID); err != nil {
			w.logger.Warn("failed to record driver task", "error", err)
		}
	}

	if w.raylet, err = raylet.Connect(config.RayletSocket, w.workerID,
		config.Mode == ModeWorker, driverTaskID, w.logger); err != nil {
		w.plasma.Disconnect()
		w.cp.Disconnect()
		return err
	}

	w.funcMgr.SetSerializerImportFn(func(driverID structs.DriverID, typeID, typeName string, strategy int) {
		reg := w.serializationContext(driverID)
		if err := reg.BindImported(typeID, typeName, serializer.Strategy(strategy)); err != nil {
			w.logger.Warn("could not bind imported codec", "type", typeName, "error", err)
		}
	})
	if err := w.funcMgr.Connect(w.cp, w.workerID, config.Mode != ModeWorker); err != nil {
		w.raylet.Disconnect()
		w.plasma.Disconnect()
		w.cp.Disconnect()
		return err
	}

	if config.CollectProfilingData {
		p := profiler.New(w.cp, w.workerID, w.logger)
		p.Start()
		w.prof = p
	}

	w.stateLock.Lock()
	w.connected = true
	cached := w.cachedFunctionsToRun
	w.cachedFunctionsToRun = nil
	w.stateLock.Unlock()

	// Started once connected so it can list the errors already recorded.
	if config.Mode == ModeScript {
		w.errPipe = newErrorPipeline(w, w.cp, w.logger)
		if err := w.errPipe.start(); err != nil {
			w.logger.Warn("failed to start error listener", "error", err)
		}
	}

	// Replay setup functions and exports requested before Connect.
	for _, s := range cached {
		if err := w.RunFunctionOnAllWorkers(s.name, s.fn); err != nil {
			w.logger.Error("failed to export cached function to run", "name", s.name, "error", err)
		}
	}
	if err := w.funcMgr.ExportCached(); err != nil {
		w.logger.Error("failed to export cached registrations", "error", err)
	}
	return nil
}

// checkVersion compares this runtime's version with the cluster's. The
// first process to connect records it. A mismatched driver fails; a
// mismatched worker publishes an error and keeps running so the scheduler
// can decide its fate.
func (w *Worker) checkVersion() error {
	ours := version.Must(version.NewVersion(Version))

	set, err := w.cp.SetIfAbsent([]byte(versionKey), []byte(Version))
	if err != nil {
		return fmt.Errorf("failed to check cluster version: %w", err)
	}
	if set {
		return nil
	}

	raw, _, err := w.cp.Get([]byte(versionKey))
	if err != nil {
		return fmt.Errorf("failed to read cluster version: %w", err)
	}
	theirs, err := version.NewVersion(string(raw))
	if err != nil {
		return fmt.Errorf("cluster recorded an unparseable version %q: %w", raw, err)
	}
	if ours.Equal(theirs) {
		return nil
	}

	msg := fmt.Sprintf("version mismatch: cluster is running %s but this process is %s", theirs, ours)
	if w.mode == ModeWorker {
		if perr := w.cp.PushErrorToDriver(structs.WildcardDriverID(),
			structs.ErrTypeVersionMismatch, msg, nil); perr != nil {
			w.logger.Error("failed to publish version mismatch", "error", perr)
		}
		w.logger.Warn(msg)
		return nil
	}
	return fmt.Errorf("%s", msg)
}

// register records this process in the control plane.
func (w *Worker) register() error {
	now := fmt.Sprintf("%d", time.Now().Unix())
	if w.mode == ModeScript {
		fields := map[string][]byte{
			"node_ip_address":     []byte(w.config.NodeIPAddress),
			"driver_id":           w.workerID.Bytes(),
			"start_time":          []byte(now),
			"plasma_store_socket": []byte(w.config.PlasmaSocket),
			"raylet_socket":       []byte(w.config.RayletSocket),
			"name":                []byte(w.config.DriverName),
		}
		return w.cp.HashSet(structs.DriversKey(w.workerID), fields)
	}
	fields := map[string][]byte{
		"node_ip_address":     []byte(w.config.NodeIPAddress),
		"plasma_store_socket": []byte(w.config.PlasmaSocket),
	}
	return w.cp.HashSet(structs.WorkersKey(w.workerID), fields)
}

// registerDriverTask records the synthetic driver task so errors related to
// driver-created objects have a task to attach to.
func (w *Worker) registerDriverTask(driverTaskID structs.TaskID) error {
	fields := map[string][]byte{
		"task_id":   driverTaskID.Bytes(),
		"driver_id": w.workerID.Bytes(),
		"state":     []byte("RUNNING"),
	}
	key := append([]byte("Task:"), driverTaskID[:]...)
	return w.cp.HashSet(key, fields)
}

// Disconnect tears down the worker's connections and resets its mode.
// Idempotent.
func (w *Worker) Disconnect() error {
	w.stateLock.Lock()
	if !w.connected {
		w.stateLock.Unlock()
		return nil
	}
	w.connected = false
	mode := w.mode
	w.mode = ModeNone
	w.stateLock.Unlock()

	var mErr *multierror.Error
	if mode != ModeLocal {
		w.prof.Stop()
		if w.errPipe != nil {
			w.errPipe.stop()
		}
		w.funcMgr.Stop()
		w.funcMgr.Reset()
		if w.raylet != nil {
			mErr = multierror.Append(mErr, w.raylet.Disconnect())
		}
		if w.plasma != nil {
			mErr = multierror.Append(mErr, w.plasma.Disconnect())
		}
		if w.cp != nil {
			mErr = multierror.Append(mErr, w.cp.Disconnect())
		}
	}

	w.registriesLock.Lock()
	w.registries = make(map[structs.DriverID]*serializer.Registry)
	w.registriesLock.Unlock()

	w.localLock.Lock()
	w.local = make(map[structs.ObjectID]interface{})
	w.localLock.Unlock()

	w.stateLock.Lock()
	w.taskDriverID = structs.NilID()
	w.currentTaskID = structs.NilID()
	w.taskIndex = 0
	w.putIndex = 1
	w.cachedFunctionsToRun = nil
	w.stateLock.Unlock()

	return mErr.ErrorOrNil()
}

// HandleSignals installs the SIGTERM handler: graceful disconnect followed
// by a clean exit.
func (w *Worker) HandleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	go func() {
		<-ch
		w.logger.Info("received SIGTERM, shutting down")
		w.Disconnect()
		os.Exit(0)
	}()
}

// RecordDriverException records an uncaught driver failure in the driver's
// registration hash before the process dies.
func (w *Worker) RecordDriverException(traceback string) {
	if w.Mode() != ModeScript || w.cp == nil {
		return
	}
	err := w.cp.HashSet(structs.DriversKey(w.workerID), map[string][]byte{
		"exception": []byte(traceback),
	})
	if err != nil {
		w.logger.Error("failed to record driver exception", "error", err)
	}
}

// serializationContext returns the codec registry for a driver session,
// creating it on first use. Each driver owns a distinct registry.
func (w *Worker) serializationContext(driverID structs.DriverID) *serializer.Registry {
	w.registriesLock.Lock()
	defer w.registriesLock.Unlock()
	if reg, ok := w.registries[driverID]; ok {
		return reg
	}
	reg := serializer.NewRegistry(driverID, w.logger, func(tc *serializer.TypeCodec) {
		// Replay structural and opaque registrations cluster-wide so
		// other workers can decode the type. Custom codecs carry
		// functions and cannot travel.
		if tc.Strategy == serializer.StrategyCustom || tc.Type == nil {
			return
		}
		if w.Mode() == ModeLocal || !w.Connected() {
			return
		}
		if err := w.funcMgr.ExportSerializer(driverID, tc.TypeID, tc.Type.String(), int(tc.Strategy)); err != nil {
			w.logger.Error("failed to export codec registration", "type", tc.Type.String(), "error", err)
		}
	})
	registerActorHandleCodec(reg)
	w.registries[driverID] = reg
	return reg
}

// setTaskDriverID sets the driver the worker is processing for.
func (w *Worker) setTaskDriverID(id structs.DriverID) {
	w.stateLock.Lock()
	w.taskDriverID = id
	w.stateLock.Unlock()
}

// taskDriver reads the current task's driver id.
func (w *Worker) taskDriver() structs.DriverID {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()
	return w.taskDriverID
}

// ThreadContext carries the task identity used for blocked-fetch
// notifications by goroutines other than the one driving the worker. The
// scheduler distinguishes blocked requests by task id, so each goroutine
// needs its own.
type ThreadContext struct {
	w      *Worker
	taskID structs.TaskID
}

// NewThreadContext creates an execution context for an auxiliary goroutine.
// The first creation warns about the deadlock potential of blocking in
// auxiliary goroutines.
func (w *Worker) NewThreadContext() *ThreadContext {
	if w.multithreadWarned.CompareAndSwap(false, true) {
		w.logger.Warn("calling Get or Wait from a goroutine other than the main one " +
			"may lead to deadlock if the main goroutine blocks on it and there " +
			"are not enough resources to execute more tasks")
	}
	return &ThreadContext{w: w, taskID: structs.RandomID()}
}

// currentThreadTaskIDLocked resolves the task id used for reconstruction
// notifications: the worker's current task for the main context, the
// context's own random id otherwise. Never nil. Callers must hold
// stateLock.
func (w *Worker) currentThreadTaskIDLocked(tc *ThreadContext) structs.TaskID {
	if tc != nil {
		return tc.taskID
	}
	return w.currentTaskID
}
