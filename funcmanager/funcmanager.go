// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package funcmanager tracks the executable code a worker may be asked to
// run. Function and actor-class bodies are registered in-process (every
// node links the same program); what travels through the control plane is
// the descriptor metadata that binds a registered body to a driver session.
// A background subscription imports new exports; execution-info lookups
// cooperatively wait for descriptors that have not been imported yet.
package funcmanager

import (
	"crypto/sha1"
	"fmt"
	"strconv"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hashicorp/photon/controlplane"
	"github.com/hashicorp/photon/structs"
)

// Export key prefixes on the control plane.
const (
	remoteFunctionPrefix = "RemoteFunction:"
	actorClassPrefix     = "ActorClass:"
	functionsToRunPrefix = "FunctionsToRun:"
	serializerPrefix     = "Serializer:"
)

// exportCacheSize bounds the dedup cache of already-published exports.
const exportCacheSize = 1024

// waitWarnInterval is how often a blocked execution-info lookup logs that
// it is still waiting for an import.
const waitWarnInterval = 10 * time.Second

// TaskFunc is the executable body of a remote function. It receives the
// materialised arguments and returns one output per declared return value.
type TaskFunc func(args []interface{}) ([]interface{}, error)

// ActorConstructor builds the actor instance for a creation task.
type ActorConstructor func(args []interface{}) (interface{}, error)

// ActorMethod is one method body of an actor class.
type ActorMethod func(instance interface{}, args []interface{}) ([]interface{}, error)

// SetupFunc is a function run once on every worker via
// RunFunctionOnAllWorkers.
type SetupFunc func(workerID structs.ClientID) error

// ExecutionInfo is everything the worker loop needs to run one function.
type ExecutionInfo struct {
	Function     TaskFunc
	FunctionName string

	// MaxCalls bounds how many times this worker may execute the
	// function before it must exit; zero means unbounded.
	MaxCalls int
}

// ActorClassInfo is the imported form of an actor class.
type ActorClassInfo struct {
	Name        string
	Constructor ActorConstructor
	Methods     map[string]ActorMethod
}

// registration is a process-wide registered function body.
type registration struct {
	module   string
	name     string
	fn       TaskFunc
	maxCalls int
}

// actorRegistration is a process-wide registered actor class.
type actorRegistration struct {
	module      string
	name        string
	constructor ActorConstructor
	methods     map[string]ActorMethod
}

// The process-wide code registry. Populated at program start by the remote
// builders; keyed by the content-addressed function id so every process
// that links the same code derives the same keys.
var codeRegistry = struct {
	sync.RWMutex
	functions    map[structs.ID]*registration
	actorClasses map[structs.ID]*actorRegistration
	setupFuncs   map[string]SetupFunc
}{
	functions:    make(map[structs.ID]*registration),
	actorClasses: make(map[structs.ID]*actorRegistration),
	setupFuncs:   make(map[string]SetupFunc),
}

// RegisterFunction installs a function body in the process-wide registry
// under its content-addressed id and returns that id.
func RegisterFunction(module, name string, maxCalls int, fn TaskFunc) structs.ID {
	fd := structs.NewFunctionDescriptor(structs.ID{}, module, "", name)
	codeRegistry.Lock()
	codeRegistry.functions[fd.FunctionID] = &registration{
		module:   module,
		name:     name,
		fn:       fn,
		maxCalls: maxCalls,
	}
	codeRegistry.Unlock()
	return fd.FunctionID
}

// RegisterActorClass installs an actor class body in the process-wide
// registry and returns its class id.
func RegisterActorClass(module, name string, ctor ActorConstructor, methods map[string]ActorMethod) structs.ID {
	fd := structs.NewFunctionDescriptor(structs.ID{}, module, name, "__init__")
	codeRegistry.Lock()
	codeRegistry.actorClasses[fd.FunctionID] = &actorRegistration{
		module:      module,
		name:        name,
		constructor: ctor,
		methods:     methods,
	}
	codeRegistry.Unlock()
	return fd.FunctionID
}

// RegisterSetupFunction installs a named setup function for
// RunFunctionOnAllWorkers.
func RegisterSetupFunction(name string, fn SetupFunc) {
	codeRegistry.Lock()
	codeRegistry.setupFuncs[name] = fn
	codeRegistry.Unlock()
}

// cachedExport is an export requested before the manager was connected.
type cachedExport struct {
	key    []byte
	fields map[string][]byte
}

// Manager is the per-process function/actor catalog.
type Manager struct {
	logger   hclog.Logger
	workerID structs.ClientID

	mu   sync.Mutex
	cond *sync.Cond

	// cp is nil until Connect; LOCAL mode never sets it.
	cp *controlplane.Client

	// functions and actorClasses are keyed by driver id then function
	// id; entries appear only via imports.
	functions    map[structs.DriverID]map[structs.ID]*ExecutionInfo
	actorClasses map[structs.DriverID]map[structs.ID]*ActorClassInfo

	// counters tracks per (driver, function) execution counts for the
	// max_calls worker recycling policy.
	counters map[counterKey]int

	// ranSetupFuncs dedups functions-to-run so each executes once per
	// worker.
	ranSetupFuncs map[string]bool

	// exported dedups control plane publications.
	exported *lru.Cache[string, struct{}]

	// cachedExports buffers exports requested before Connect.
	cachedExports []cachedExport

	// serializerImport binds arriving codec registrations into the
	// owning worker's per-driver registries.
	serializerImport func(driverID structs.DriverID, typeID, typeName string, strategy int)

	// isDriver suppresses functions-to-run that were not exported with
	// run-on-other-drivers set.
	isDriver bool

	sub        *controlplane.Subscription
	stopCh     chan struct{}
	stopOnce   sync.Once
	importDone chan struct{}
}

type counterKey struct {
	driverID   structs.DriverID
	functionID structs.ID
}

// NewManager builds an unconnected manager.
func NewManager(logger hclog.Logger) *Manager {
	cache, err := lru.New[string, struct{}](exportCacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to build export cache: %v", err))
	}
	m := &Manager{
		logger:        logger.Named("func_manager"),
		functions:     make(map[structs.DriverID]map[structs.ID]*ExecutionInfo),
		actorClasses:  make(map[structs.DriverID]map[structs.ID]*ActorClassInfo),
		counters:      make(map[counterKey]int),
		ranSetupFuncs: make(map[string]bool),
		exported:      cache,
		stopCh:        make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// MarkFunctionToRunRan records that this process already executed a setup
// function, so the import subscription will not run it a second time.
func (m *Manager) MarkFunctionToRunRan(name string) {
	sum := sha1.Sum([]byte(name))
	key := structs.FunctionsToRunKey(sum[:])
	m.mu.Lock()
	m.ranSetupFuncs[string(key)] = true
	m.mu.Unlock()
}

// Connect binds the manager to the control plane, replays the existing
// export list, and starts the import subscription.
func (m *Manager) Connect(cp *controlplane.Client, workerID structs.ClientID, isDriver bool) error {
	m.mu.Lock()
	m.cp = cp
	m.workerID = workerID
	m.isDriver = isDriver
	m.mu.Unlock()

	// Subscribe before replaying so nothing published in between is
	// lost; imports are idempotent so overlap is harmless.
	sub, err := cp.Subscribe(structs.ExportsChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to exports: %w", err)
	}
	m.sub = sub

	keys, err := cp.ListRange([]byte(structs.ExportsList), 0, -1)
	if err != nil {
		return fmt.Errorf("failed to read export list: %w", err)
	}
	for _, key := range keys {
		m.importExport(key)
	}

	m.importDone = make(chan struct{})
	go m.importLoop(sub)
	return nil
}

// Stop tears down the import subscription and waits for the import loop to
// exit so no import lands after teardown.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.sub != nil {
			m.sub.Close()
			<-m.importDone
		}
	})
}

// Reset clears per-driver state so a process can connect again; used by
// Shutdown.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp = nil
	m.functions = make(map[structs.DriverID]map[structs.ID]*ExecutionInfo)
	m.actorClasses = make(map[structs.DriverID]map[structs.ID]*ActorClassInfo)
	m.counters = make(map[counterKey]int)
	m.cachedExports = nil
	m.exported.Purge()
	m.sub = nil
	m.stopCh = make(chan struct{})
	m.stopOnce = sync.Once{}
}

// importLoop ingests exports until the subscription drops.
func (m *Manager) importLoop(sub *controlplane.Subscription) {
	defer close(m.importDone)
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				// Control plane went away; exit silently.
				return
			}
			m.importExport(msg.Payload)
		case <-m.stopCh:
			return
		}
	}
}

// importExport processes one export key.
func (m *Manager) importExport(key []byte) {
	switch {
	case hasPrefix(key, remoteFunctionPrefix):
		m.importFunction(key)
	case hasPrefix(key, actorClassPrefix):
		m.importActorClass(key)
	case hasPrefix(key, functionsToRunPrefix):
		m.importFunctionToRun(key)
	case hasPrefix(key, serializerPrefix):
		m.importSerializer(key)
	default:
		m.logger.Debug("ignoring unknown export key", "key", string(key))
	}
}

func hasPrefix(b []byte, prefix string) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == prefix
}

func (m *Manager) importFunction(key []byte) {
	fields, err := m.hashGetAll(key)
	if err != nil {
		m.logger.Error("failed to read function export", "key", string(key), "error", err)
		return
	}
	driverID, functionID, err := exportIdentity(fields)
	if err != nil {
		m.logger.Error("malformed function export", "key", string(key), "error", err)
		return
	}

	codeRegistry.RLock()
	reg, ok := codeRegistry.functions[functionID]
	codeRegistry.RUnlock()
	if !ok {
		// The body is not linked into this binary. Leave the entry
		// absent; a lookup will keep waiting and warn.
		m.logger.Warn("imported function is not registered in this process",
			"function_id", functionID.Hex(), "name", string(fields["name"]))
		return
	}

	maxCalls := 0
	if v, ok := fields["max_calls"]; ok {
		maxCalls, _ = strconv.Atoi(string(v))
	}

	m.mu.Lock()
	if m.functions[driverID] == nil {
		m.functions[driverID] = make(map[structs.ID]*ExecutionInfo)
	}
	m.functions[driverID][functionID] = &ExecutionInfo{
		Function:     reg.fn,
		FunctionName: reg.name,
		MaxCalls:     maxCalls,
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *Manager) importActorClass(key []byte) {
	fields, err := m.hashGetAll(key)
	if err != nil {
		m.logger.Error("failed to read actor class export", "key", string(key), "error", err)
		return
	}
	driverID, classID, err := exportIdentity(fields)
	if err != nil {
		m.logger.Error("malformed actor class export", "key", string(key), "error", err)
		return
	}

	codeRegistry.RLock()
	reg, ok := codeRegistry.actorClasses[classID]
	codeRegistry.RUnlock()
	if !ok {
		m.logger.Warn("imported actor class is not registered in this process",
			"class_id", classID.Hex(), "name", string(fields["name"]))
		return
	}

	m.mu.Lock()
	if m.actorClasses[driverID] == nil {
		m.actorClasses[driverID] = make(map[structs.ID]*ActorClassInfo)
	}
	m.actorClasses[driverID][classID] = &ActorClassInfo{
		Name:        reg.name,
		Constructor: reg.constructor,
		Methods:     reg.methods,
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *Manager) importFunctionToRun(key []byte) {
	fields, err := m.hashGetAll(key)
	if err != nil {
		m.logger.Error("failed to read function-to-run export", "key", string(key), "error", err)
		return
	}
	name := string(fields["function"])

	m.mu.Lock()
	if m.ranSetupFuncs[string(key)] {
		m.mu.Unlock()
		return
	}
	// Drivers only run functions another driver exported when the export
	// asked for it.
	if m.isDriver && string(fields["run_on_other_drivers"]) != "1" {
		m.mu.Unlock()
		return
	}
	m.ranSetupFuncs[string(key)] = true
	workerID := m.workerID
	m.mu.Unlock()

	codeRegistry.RLock()
	fn, ok := codeRegistry.setupFuncs[name]
	codeRegistry.RUnlock()
	if !ok {
		m.logger.Warn("function-to-run is not registered in this process", "name", name)
		return
	}
	if err := fn(workerID); err != nil {
		m.logger.Error("function-to-run failed", "name", name, "error", err)
	}
}

// SetSerializerImportFn installs the callback invoked when a codec
// registration export arrives; the worker binds it into the right driver's
// registry.
func (m *Manager) SetSerializerImportFn(fn func(driverID structs.DriverID, typeID, typeName string, strategy int)) {
	m.mu.Lock()
	m.serializerImport = fn
	m.mu.Unlock()
}

func (m *Manager) importSerializer(key []byte) {
	fields, err := m.hashGetAll(key)
	if err != nil {
		m.logger.Error("failed to read serializer export", "key", string(key), "error", err)
		return
	}
	driverID, err := structs.IDFromBytes(fields["driver_id"])
	if err != nil {
		m.logger.Error("malformed serializer export", "key", string(key), "error", err)
		return
	}
	strategy, _ := strconv.Atoi(string(fields["strategy"]))

	m.mu.Lock()
	fn := m.serializerImport
	m.mu.Unlock()
	if fn != nil {
		fn(driverID, string(fields["type_id"]), string(fields["type_name"]), strategy)
	}
}

// ExportSerializer publishes a codec registration so other workers can
// deserialize the type.
func (m *Manager) ExportSerializer(driverID structs.DriverID, typeID, typeName string, strategy int) error {
	key := append([]byte(serializerPrefix), typeID...)
	fields := map[string][]byte{
		"driver_id": driverID.Bytes(),
		"type_id":   []byte(typeID),
		"type_name": []byte(typeName),
		"strategy":  []byte(strconv.Itoa(strategy)),
	}
	return m.export(key, fields)
}

func (m *Manager) hashGetAll(key []byte) (map[string][]byte, error) {
	m.mu.Lock()
	cp := m.cp
	m.mu.Unlock()
	if cp == nil {
		return nil, fmt.Errorf("manager is not connected")
	}
	return cp.HashGetAll(key)
}

func exportIdentity(fields map[string][]byte) (structs.DriverID, structs.ID, error) {
	driverID, err := structs.IDFromBytes(fields["driver_id"])
	if err != nil {
		return structs.ID{}, structs.ID{}, fmt.Errorf("bad driver_id: %w", err)
	}
	functionID, err := structs.IDFromBytes(fields["function_id"])
	if err != nil {
		return structs.ID{}, structs.ID{}, fmt.Errorf("bad function_id: %w", err)
	}
	return driverID, functionID, nil
}

// ExportFunction publishes a function registration for a driver session.
// Before Connect the export is cached and replayed by ExportCached.
func (m *Manager) ExportFunction(driverID structs.DriverID, fd structs.FunctionDescriptor, maxCalls int) error {
	key := append([]byte(remoteFunctionPrefix), fd.FunctionID[:]...)
	fields := map[string][]byte{
		"driver_id":   driverID.Bytes(),
		"function_id": fd.FunctionID.Bytes(),
		"name":        []byte(fd.FunctionName),
		"module":      []byte(fd.ModuleName),
		"max_calls":   []byte(strconv.Itoa(maxCalls)),
	}
	return m.export(key, fields)
}

// ExportActorClass publishes an actor class registration for a driver
// session.
func (m *Manager) ExportActorClass(driverID structs.DriverID, classID structs.ID, name string) error {
	key := append([]byte(actorClassPrefix), classID[:]...)
	fields := map[string][]byte{
		"driver_id":   driverID.Bytes(),
		"function_id": classID.Bytes(),
		"name":        []byte(name),
	}
	return m.export(key, fields)
}

func (m *Manager) export(key []byte, fields map[string][]byte) error {
	m.mu.Lock()
	cp := m.cp
	if cp == nil {
		m.cachedExports = append(m.cachedExports, cachedExport{key: key, fields: fields})
		m.mu.Unlock()
		return nil
	}
	if _, dup := m.exported.Get(string(key)); dup {
		m.mu.Unlock()
		return nil
	}
	m.exported.Add(string(key), struct{}{})
	m.mu.Unlock()

	if err := cp.HashSet(key, fields); err != nil {
		return err
	}
	if err := cp.ListPush([]byte(structs.ExportsList), key); err != nil {
		return err
	}
	if err := cp.Publish(structs.ExportsChannel, key); err != nil {
		return err
	}

	// Install locally without waiting for our own subscription to
	// deliver the export back.
	m.importExport(key)
	return nil
}

// ExportCached replays exports that were requested before Connect.
func (m *Manager) ExportCached() error {
	m.mu.Lock()
	cached := m.cachedExports
	m.cachedExports = nil
	m.mu.Unlock()

	for _, e := range cached {
		if err := m.export(e.key, e.fields); err != nil {
			return err
		}
	}
	return nil
}

// ExportFunctionToRun publishes a setup function under the lock discipline
// of run_function_on_all_workers: claim the lock key, then write the blob,
// then append to the export list. The three writes are not atomic together;
// a crash in between can leave other processes waiting on the blob.
// Returns true when this caller performed the export.
func (m *Manager) ExportFunctionToRun(driverID structs.DriverID, name string) (bool, error) {
	m.mu.Lock()
	cp := m.cp
	m.mu.Unlock()
	if cp == nil {
		return false, fmt.Errorf("manager is not connected")
	}

	sum := sha1.Sum([]byte(name))
	key := structs.FunctionsToRunKey(sum[:])

	won, err := cp.SetIfAbsent(structs.LockKey(key), []byte{1})
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	fields := map[string][]byte{
		"driver_id":            driverID.Bytes(),
		"function":             []byte(name),
		"run_on_other_drivers": []byte("0"),
	}
	if err := cp.HashSet(key, fields); err != nil {
		return false, err
	}
	if err := cp.ListPush([]byte(structs.ExportsList), key); err != nil {
		return false, err
	}
	if err := cp.Publish(structs.ExportsChannel, key); err != nil {
		return false, err
	}
	return true, nil
}

// GetExecutionInfo returns the execution info for a descriptor, waiting
// cooperatively for the import subscription when the entry is absent.
func (m *Manager) GetExecutionInfo(driverID structs.DriverID, fd structs.FunctionDescriptor) *ExecutionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	waited := time.Duration(0)
	for {
		if fns := m.functions[driverID]; fns != nil {
			if info, ok := fns[fd.FunctionID]; ok {
				return info
			}
		}
		// Fall back to the process registry for descriptors that were
		// registered here but whose export has not round-tripped yet.
		codeRegistry.RLock()
		reg, ok := codeRegistry.functions[fd.FunctionID]
		codeRegistry.RUnlock()
		if ok {
			if m.functions[driverID] == nil {
				m.functions[driverID] = make(map[structs.ID]*ExecutionInfo)
			}
			info := &ExecutionInfo{
				Function:     reg.fn,
				FunctionName: reg.name,
				MaxCalls:     reg.maxCalls,
			}
			m.functions[driverID][fd.FunctionID] = info
			return info
		}

		start := time.Now()
		m.waitLocked()
		waited += time.Since(start)
		if waited >= waitWarnInterval {
			m.logger.Warn("still waiting for a function import; this may be fine, or it may be a bug",
				"function", fd.String(), "driver_id", driverID.Hex())
			waited = 0
		}
	}
}

// GetActorClass returns the actor class for a creation task, waiting for
// the import when absent.
func (m *Manager) GetActorClass(driverID structs.DriverID, classID structs.ID) *ActorClassInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	waited := time.Duration(0)
	for {
		if classes := m.actorClasses[driverID]; classes != nil {
			if info, ok := classes[classID]; ok {
				return info
			}
		}
		codeRegistry.RLock()
		reg, ok := codeRegistry.actorClasses[classID]
		codeRegistry.RUnlock()
		if ok {
			if m.actorClasses[driverID] == nil {
				m.actorClasses[driverID] = make(map[structs.ID]*ActorClassInfo)
			}
			info := &ActorClassInfo{
				Name:        reg.name,
				Constructor: reg.constructor,
				Methods:     reg.methods,
			}
			m.actorClasses[driverID][classID] = info
			return info
		}

		start := time.Now()
		m.waitLocked()
		waited += time.Since(start)
		if waited >= waitWarnInterval {
			m.logger.Warn("still waiting for an actor class import",
				"class_id", classID.Hex(), "driver_id", driverID.Hex())
			waited = 0
		}
	}
}

// waitLocked blocks on the import condition with a wakeup tick so waiters
// can emit periodic warnings even if no import ever lands.
func (m *Manager) waitLocked() {
	timer := time.AfterFunc(waitWarnInterval, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()
	m.cond.Wait()
}

// IncreaseTaskCounter bumps the execution count for (driver, function) and
// returns the new value.
func (m *Manager) IncreaseTaskCounter(driverID structs.DriverID, functionID structs.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey{driverID: driverID, functionID: functionID}
	m.counters[k]++
	return m.counters[k]
}

// TaskCounter reads the execution count for (driver, function).
func (m *Manager) TaskCounter(driverID structs.DriverID, functionID structs.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[counterKey{driverID: driverID, functionID: functionID}]
}
