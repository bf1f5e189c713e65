// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/photon/funcmanager"
	"github.com/hashicorp/photon/structs"
)

// waitDefaultTimeoutMs is the effectively-infinite default Wait timeout.
const waitDefaultTimeoutMs = int64(1) << 30

// maxInlineValueBytes bounds string and byte-slice arguments shipped inline
// with a task instead of through the object store.
const maxInlineValueBytes = 64

// maxInlineSliceLen bounds inline slices of simple values.
const maxInlineSliceLen = 8

// Put stores a value in the object store, returning its assigned id. The
// id derives from the current task id and the task's put counter, so
// retries of a task re-create the same ids.
func (w *Worker) Put(value interface{}) (structs.ObjectID, error) {
	if err := w.checkConnected(); err != nil {
		return structs.ID{}, err
	}
	span := w.prof.Profile("put", nil)
	defer span.End()

	w.stateLock.Lock()
	id := structs.PutID(w.currentTaskID, w.putIndex)
	w.putIndex++
	w.stateLock.Unlock()

	if w.Mode() == ModeLocal {
		w.localLock.Lock()
		w.local[id] = value
		w.localLock.Unlock()
		return id, nil
	}

	if err := w.putObject(id, value); err != nil {
		return structs.ID{}, err
	}
	return id, nil
}

// Get materialises the values for a list of object ids, blocking until all
// are available. If any value is a task failure sentinel, Get returns it as
// an error, propagating the upstream failure to the caller.
func (w *Worker) Get(ids []structs.ObjectID) ([]interface{}, error) {
	return w.get(nil, ids)
}

// Get on a ThreadContext is the form auxiliary goroutines must use.
func (tc *ThreadContext) Get(ids []structs.ObjectID) ([]interface{}, error) {
	return tc.w.get(tc, ids)
}

func (w *Worker) get(tc *ThreadContext, ids []structs.ObjectID) ([]interface{}, error) {
	if err := w.checkConnected(); err != nil {
		return nil, err
	}
	span := w.prof.Profile("get", nil)
	defer span.End()

	if w.Mode() == ModeLocal {
		w.localLock.Lock()
		defer w.localLock.Unlock()
		out := make([]interface{}, len(ids))
		for i, id := range ids {
			v, ok := w.local[id]
			if !ok {
				return nil, fmt.Errorf("object %s does not exist in local mode", id.Hex())
			}
			if te, isErr := structs.IsTaskError(v); isErr {
				return nil, te
			}
			out[i] = v
		}
		return out, nil
	}

	values, err := w.getObject(tc, ids, false)
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		if te, isErr := structs.IsTaskError(v); isErr {
			// Record the raise time so the background printer can
			// suppress the duplicate arriving over the error channel.
			w.lastTaskErrorRaise.Store(time.Now().UnixNano())
			return nil, te
		}
	}
	return values, nil
}

// Wait blocks until numReturns of the given ids are ready or the timeout
// lapses, returning the ready and remaining ids with input order preserved
// in both. The ids must be unique.
func (w *Worker) Wait(ids []structs.ObjectID, numReturns int, timeoutMs int64) ([]structs.ObjectID, []structs.ObjectID, error) {
	return w.waitOn(nil, ids, numReturns, timeoutMs)
}

// Wait on a ThreadContext is the form auxiliary goroutines must use.
func (tc *ThreadContext) Wait(ids []structs.ObjectID, numReturns int, timeoutMs int64) ([]structs.ObjectID, []structs.ObjectID, error) {
	return tc.w.waitOn(tc, ids, numReturns, timeoutMs)
}

func (w *Worker) waitOn(tc *ThreadContext, ids []structs.ObjectID, numReturns int, timeoutMs int64) ([]structs.ObjectID, []structs.ObjectID, error) {
	if err := w.checkConnected(); err != nil {
		return nil, nil, err
	}
	span := w.prof.Profile("wait", nil)
	defer span.End()

	if w.Mode() == ModeLocal {
		if numReturns > len(ids) {
			numReturns = len(ids)
		}
		return ids[:numReturns], ids[numReturns:], nil
	}

	if len(ids) == 0 {
		return nil, nil, nil
	}

	unique := set.From(ids)
	if unique.Size() != len(ids) {
		return nil, nil, errors.New("wait requires a list of unique object ids")
	}
	if numReturns <= 0 {
		return nil, nil, fmt.Errorf("invalid number of objects to return %d", numReturns)
	}
	if numReturns > len(ids) {
		return nil, nil, errors.New("num returns cannot be greater than the number of ids")
	}
	if timeoutMs <= 0 {
		timeoutMs = waitDefaultTimeoutMs
	}

	w.stateLock.Lock()
	current := w.currentThreadTaskIDLocked(tc)
	w.stateLock.Unlock()

	return w.raylet.Wait(ids, numReturns, timeoutMs, false, current)
}

// SubmitOptions carries the optional coordinates of a task submission.
type SubmitOptions struct {
	NumReturns         int
	Resources          structs.Resources
	PlacementResources structs.Resources

	// Actor method coordinates; both set or both empty.
	ActorID       structs.ActorID
	ActorHandleID structs.ActorHandleID
	ActorCounter  int

	// Actor creation coordinates.
	ActorCreationID            structs.ActorID
	ActorCreationDummyObjectID structs.ObjectID
	MaxReconstructions         int

	ExecutionDependencies []structs.ObjectID

	// DriverID overrides the submitting driver; used when dispatching a
	// method on an actor created by a different driver.
	DriverID structs.DriverID
}

// SubmitTask hands a task to the scheduler and immediately returns the ids
// its outputs will be stored under. Large inline arguments are spilled to
// the object store first; small ones ride with the task.
func (w *Worker) SubmitTask(fd structs.FunctionDescriptor, args []interface{}, opts SubmitOptions) ([]structs.ObjectID, error) {
	if err := w.checkConnected(); err != nil {
		return nil, err
	}
	span := w.prof.Profile("submit_task", nil)
	defer span.End()

	if opts.Resources == nil {
		return nil, errors.New("the resources map is required")
	}
	if err := opts.Resources.Validate(); err != nil {
		return nil, err
	}
	if err := opts.PlacementResources.Validate(); err != nil {
		return nil, err
	}
	if idUnset(opts.ActorID) != idUnset(opts.ActorHandleID) {
		return nil, errors.New("actor id and actor handle id must be provided together")
	}

	reg := w.serializationContext(w.taskDriver())
	taskArgs := make([]structs.TaskArg, 0, len(args))
	for _, arg := range args {
		if id, ok := arg.(structs.ID); ok {
			taskArgs = append(taskArgs, structs.ArgByRef(id))
			continue
		}
		if isSimpleValue(arg) {
			encoded, err := reg.Serialize(arg)
			if err != nil {
				return nil, fmt.Errorf("failed to encode inline argument: %w", err)
			}
			taskArgs = append(taskArgs, structs.ArgByValue(encoded))
			continue
		}
		id, err := w.Put(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to store argument: %w", err)
		}
		taskArgs = append(taskArgs, structs.ArgByRef(id))
	}

	driverID := opts.DriverID
	if idUnset(driverID) {
		driverID = w.taskDriver()
	}

	w.stateLock.Lock()
	if w.currentTaskID.IsNil() {
		w.stateLock.Unlock()
		return nil, errors.New("there is no task context to submit from; the worker is idle")
	}
	taskIndex := w.taskIndex
	w.taskIndex++
	parent := w.currentTaskID
	w.stateLock.Unlock()

	task := structs.NewTask(driverID, fd, taskArgs, opts.NumReturns, parent, taskIndex)
	if !idUnset(opts.ActorID) {
		task.ActorID = opts.ActorID
		task.ActorHandleID = opts.ActorHandleID
		task.ActorCounter = opts.ActorCounter
	}
	if !idUnset(opts.ActorCreationID) {
		task.ActorCreationID = opts.ActorCreationID
	}
	if !idUnset(opts.ActorCreationDummyObjectID) {
		task.ActorCreationDummyObjectID = opts.ActorCreationDummyObjectID
	}
	task.MaxReconstructions = opts.MaxReconstructions
	task.ExecutionDependencies = opts.ExecutionDependencies
	task.Resources = opts.Resources.Copy()
	if len(opts.PlacementResources) > 0 {
		task.PlacementResources = opts.PlacementResources.Copy()
	} else {
		task.PlacementResources = opts.Resources.Copy()
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	if w.Mode() == ModeLocal {
		w.runTaskLocally(task)
		return task.Returns(), nil
	}

	if err := w.raylet.SubmitTask(task); err != nil {
		return nil, err
	}
	return task.Returns(), nil
}

// idUnset reports whether an optional identifier was left at its zero or
// nil value.
func idUnset(id structs.ID) bool {
	var zero structs.ID
	return id == zero || id.IsNil()
}

// isSimpleValue is the fixed predicate deciding whether an argument ships
// inline with a task: scalars, short strings and byte slices, and small
// slices of the same.
func isSimpleValue(v interface{}) bool {
	switch t := v.(type) {
	case nil, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	case string:
		return len(t) <= maxInlineValueBytes
	case []byte:
		return len(t) <= maxInlineValueBytes
	case []interface{}:
		if len(t) > maxInlineSliceLen {
			return false
		}
		for _, e := range t {
			if !isSimpleValue(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// RunFunctionOnAllWorkers runs a registered setup function on this process
// and exports it so every worker in the cluster (current and future) runs
// it exactly once. Before Init the request is cached and replayed on
// connect.
//
// The export is three control plane writes behind a SetIfAbsent claim; the
// writes are not atomic together, so a crash between them can leave other
// processes waiting on the blob.
func (w *Worker) RunFunctionOnAllWorkers(name string, fn funcmanager.SetupFunc) error {
	funcmanager.RegisterSetupFunction(name, fn)

	w.stateLock.Lock()
	if !w.connected {
		w.cachedFunctionsToRun = append(w.cachedFunctionsToRun, cachedSetup{name: name, fn: fn})
		w.stateLock.Unlock()
		return nil
	}
	w.stateLock.Unlock()

	// Always run locally first so the driver observes the side effects
	// even if another driver wins the export.
	if err := fn(w.workerID); err != nil {
		return fmt.Errorf("function to run failed locally: %w", err)
	}
	if w.Mode() == ModeLocal {
		return nil
	}

	w.funcMgr.MarkFunctionToRunRan(name)
	won, err := w.funcMgr.ExportFunctionToRun(w.taskDriver(), name)
	if err != nil {
		return err
	}
	if !won {
		w.logger.Debug("function to run was already exported by another driver", "name", name)
	}
	return nil
}

// ErrorInfo returns the error messages recorded for this driver, including
// all-driver broadcasts.
func (w *Worker) ErrorInfo() ([]string, error) {
	if err := w.checkConnected(); err != nil {
		return nil, err
	}
	keys, err := w.cp.ListRange([]byte(structs.ErrorKeysList), 0, -1)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, key := range keys {
		if !structs.ErrorKeyAppliesTo(key, w.taskDriver()) {
			continue
		}
		fields, err := w.cp.HashGetAll(key)
		if err != nil {
			return nil, err
		}
		out = append(out, string(fields["message"]))
	}
	return out, nil
}
