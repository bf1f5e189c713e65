// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"errors"
	"fmt"
	"runtime/debug"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/photon/structs"
)

// Run drives the worker's main loop: block for a task assignment, restrict
// GPU visibility to the granted slots, execute, and store outputs. Returns
// when the worker reaches a function's max-calls bound, an actor terminate
// runs, or the scheduler connection drops.
func (w *Worker) Run() error {
	if w.Mode() != ModeWorker {
		return fmt.Errorf("run loop requires worker mode, not %s", w.Mode())
	}

	for {
		idle := w.prof.Profile("worker_idle", nil)
		task, resourceIDs, err := w.raylet.GetTask()
		idle.End()
		if err != nil {
			if !w.Connected() {
				return nil
			}
			return fmt.Errorf("failed to get task from raylet: %w", err)
		}

		// Restrict the GPUs this task sees to its granted slots,
		// remapped through the user's original visibility set.
		setCUDAVisibleDevices(w.assignedGPUIDs(resourceIDs))

		if stop := w.waitForAndProcessTask(task); stop {
			return nil
		}
	}
}

// waitForAndProcessTask resolves the executable for a task, runs it under
// the execution lock, and applies the max-calls worker recycling policy.
// Returns true when the worker must exit.
func (w *Worker) waitForAndProcessTask(task *structs.Task) bool {
	fd := task.FunctionDescriptor
	driverID := task.DriverID

	if task.IsActorCreationTask() {
		// The class id is the descriptor id of the constructor, so the
		// creation task names the class to load directly.
		class := w.funcMgr.GetActorClass(driverID, fd.FunctionID)
		w.stateLock.Lock()
		w.actorID = task.ActorCreationID
		w.actorClasses[task.ActorCreationID] = class
		w.stateLock.Unlock()
	}

	var functionName string
	var executor func(args []interface{}) ([]interface{}, error)
	var maxCalls int
	terminated := false

	switch {
	case task.IsActorCreationTask():
		w.stateLock.Lock()
		class := w.actorClasses[task.ActorCreationID]
		w.stateLock.Unlock()
		functionName = class.Name + ".__init__"
		executor = func(args []interface{}) ([]interface{}, error) {
			instance, err := class.Constructor(args)
			if err != nil {
				return nil, err
			}
			w.stateLock.Lock()
			w.actors[task.ActorCreationID] = instance
			w.stateLock.Unlock()
			return nil, nil
		}

	case task.IsActorTask():
		w.stateLock.Lock()
		class, haveClass := w.actorClasses[task.ActorID]
		instance := w.actors[task.ActorID]
		w.stateLock.Unlock()
		if !haveClass {
			// The scheduler never routes a method to a worker that
			// did not run the creation task, so this is a protocol
			// violation rather than a race.
			w.logger.Error("received a method for an unknown actor", "actor_id", task.ActorID.Hex())
			return false
		}
		method := fd.FunctionName
		functionName = class.Name + "." + method

		if method == terminateMethod {
			executor = func([]interface{}) ([]interface{}, error) {
				w.stateLock.Lock()
				delete(w.actors, task.ActorID)
				w.stateLock.Unlock()
				terminated = true
				return nil, nil
			}
			break
		}

		body, ok := class.Methods[method]
		if !ok {
			executor = func([]interface{}) ([]interface{}, error) {
				return nil, fmt.Errorf("actor class %s has no method %s", class.Name, method)
			}
			break
		}
		executor = func(args []interface{}) ([]interface{}, error) {
			return body(instance, args)
		}

	default:
		info := w.funcMgr.GetExecutionInfo(driverID, fd)
		functionName = info.FunctionName
		executor = info.Function
		maxCalls = info.MaxCalls
	}

	w.execLock.Lock()
	span := w.prof.Profile("task", map[string]string{
		"name":    functionName,
		"task_id": task.ID().Hex(),
	})
	w.processTask(task, functionName, executor)

	// Reset the per-task tuple so the next task starts from a clean
	// boundary.
	w.stateLock.Lock()
	w.taskDriverID = structs.NilID()
	w.currentTaskID = structs.NilID()
	w.taskIndex = 0
	w.putIndex = 1
	w.stateLock.Unlock()

	span.End()
	w.execLock.Unlock()

	count := w.funcMgr.IncreaseTaskCounter(driverID, fd.FunctionID)
	if maxCalls > 0 && count == maxCalls {
		w.logger.Info("reached max calls for function, exiting",
			"function", functionName, "max_calls", maxCalls)
		w.raylet.Disconnect()
		return true
	}
	if terminated {
		w.logger.Info("actor terminated, exiting", "actor_id", task.ActorID.Hex())
		w.raylet.Disconnect()
		return true
	}
	return false
}

// processTask runs one task body and stores its outputs. Every failure path
// fills the task's return ids with failure sentinels instead of raising.
// Callers hold the execution lock.
func (w *Worker) processTask(task *structs.Task, functionName string,
	executor func(args []interface{}) ([]interface{}, error)) {

	w.stateLock.Lock()
	if !w.taskDriverID.IsNil() || !w.currentTaskID.IsNil() {
		w.logger.Error("task state was not reset before a new task",
			"task_driver_id", w.taskDriverID.Hex(), "current_task_id", w.currentTaskID.Hex())
	}
	w.taskDriverID = task.DriverID
	w.currentTaskID = task.ID()
	w.stateLock.Unlock()

	returnIDs := task.Returns()
	if task.IsActorTask() || task.IsActorCreationTask() {
		// The last return is the dummy ordering object: the next method
		// call consumes it as an execution dependency, so it must not
		// exist until this call completes. It is stored on success and
		// failure alike so a failing method cannot wedge the chain.
		dummyID := returnIDs[len(returnIDs)-1]
		returnIDs = returnIDs[:len(returnIDs)-1]
		defer func() {
			if err := w.putObject(dummyID, nil); err != nil {
				w.logger.Error("failed to store dummy object", "object_id", dummyID.Hex(), "error", err)
			}
		}()
	}

	// A failed constructor poisons the actor: every subsequent method
	// fails with the creation error before running.
	if task.IsActorTask() && task.FunctionDescriptor.FunctionName != terminateMethod {
		w.stateLock.Lock()
		initErr := w.actorInitErr
		w.stateLock.Unlock()
		if initErr != nil {
			w.handleTaskFailure(task, functionName, returnIDs, initErr.Traceback)
			return
		}
	}

	argSpan := w.prof.Profile("task:deserialize_arguments", nil)
	args, err := w.materializeArgs(task)
	argSpan.End()
	if err != nil {
		w.handleTaskFailure(task, functionName, returnIDs, err.Error())
		return
	}

	execSpan := w.prof.Profile("task:execute", nil)
	outputs, err := invoke(executor, args)
	execSpan.End()
	if err != nil {
		w.handleTaskFailure(task, functionName, returnIDs, err.Error())
		return
	}

	if len(outputs) != len(returnIDs) {
		w.handleTaskFailure(task, functionName, returnIDs,
			fmt.Sprintf("task returned %d values but declares %d", len(outputs), len(returnIDs)))
		return
	}

	storeSpan := w.prof.Profile("task:store_outputs", nil)
	defer storeSpan.End()
	for i, id := range returnIDs {
		if err := w.putObject(id, outputs[i]); err != nil {
			w.handleTaskFailure(task, functionName, returnIDs, err.Error())
			return
		}
	}
	metrics.IncrCounter([]string{"photon", "worker", "task", "complete"}, 1)
}

// invoke runs a task body, converting a panic into an error carrying the
// stack.
func invoke(executor func(args []interface{}) ([]interface{}, error), args []interface{}) (outputs []interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return executor(args)
}

// materializeArgs resolves a task's arguments: references are fetched from
// the object store under the blocked-task protocol, inline values are
// decoded in place. An argument that is itself a failure sentinel fails the
// task with the upstream error as the cause.
func (w *Worker) materializeArgs(task *structs.Task) ([]interface{}, error) {
	reg := w.serializationContext(task.DriverID)

	refIdx := make([]int, 0, len(task.Args))
	refIDs := make([]structs.ObjectID, 0, len(task.Args))
	for i, arg := range task.Args {
		if arg.IsReference() {
			refIdx = append(refIdx, i)
			refIDs = append(refIDs, arg.ObjectID)
		}
	}

	var refValues []interface{}
	if len(refIDs) > 0 {
		var err error
		refValues, err = w.getObject(nil, refIDs, true)
		if err != nil {
			return nil, err
		}
	}

	args := make([]interface{}, len(task.Args))
	for i, arg := range task.Args {
		if arg.IsReference() {
			continue
		}
		v, err := reg.Deserialize(arg.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode inline argument %d: %w", i, err)
		}
		args[i] = v
	}
	for j, i := range refIdx {
		v := refValues[j]
		if te, isErr := structs.IsTaskError(v); isErr {
			// Propagate the upstream failure without executing.
			return nil, te
		}
		args[i] = v
	}
	return args, nil
}

// handleTaskFailure stores a failure sentinel under every output id and
// publishes the error to the owning driver.
func (w *Worker) handleTaskFailure(task *structs.Task, functionName string,
	returnIDs []structs.ObjectID, traceback string) {

	failure := w.newTaskError(functionName, traceback)
	for _, id := range returnIDs {
		if err := w.putObject(id, failure); err != nil && !errors.Is(err, errPutObjectID) {
			w.logger.Error("failed to store failure sentinel", "object_id", id.Hex(), "error", err)
		}
	}

	fd := task.FunctionDescriptor
	if w.cp != nil {
		data := map[string]string{
			"function_id":   fd.FunctionID.Hex(),
			"function_name": functionName,
			"module_name":   fd.ModuleName,
			"class_name":    fd.ClassName,
		}
		if err := w.cp.PushErrorToDriver(task.DriverID, structs.ErrTypeTaskPush,
			failure.Error(), data); err != nil {
			w.logger.Error("failed to push task failure to driver", "error", err)
		}
	}

	if task.IsActorCreationTask() {
		w.stateLock.Lock()
		w.actorInitErr = failure
		w.stateLock.Unlock()
	}
	metrics.IncrCounter([]string{"photon", "worker", "task", "failed"}, 1)
	w.logger.Error("task failed", "function", functionName, "task_id", task.ID().Hex())
}
