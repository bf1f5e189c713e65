// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"github.com/hashicorp/photon/structs"
)

// runTaskLocally executes a task synchronously in LOCAL mode. Values never
// touch a store: arguments resolve from the in-process table by identity
// and outputs land back in it.
func (w *Worker) runTaskLocally(task *structs.Task) {
	fd := task.FunctionDescriptor
	reg := w.serializationContext(task.DriverID)

	returnIDs := task.Returns()
	if task.IsActorTask() || task.IsActorCreationTask() {
		// The dummy ordering object lands only once the call completes,
		// matching the cluster path.
		dummyID := returnIDs[len(returnIDs)-1]
		returnIDs = returnIDs[:len(returnIDs)-1]
		defer func() {
			w.localLock.Lock()
			w.local[dummyID] = nil
			w.localLock.Unlock()
		}()
	}

	fail := func(traceback string) {
		failure := w.newTaskError(fd.String(), traceback)
		w.localLock.Lock()
		for _, id := range returnIDs {
			w.local[id] = failure
		}
		w.localLock.Unlock()
		if task.IsActorCreationTask() {
			w.stateLock.Lock()
			w.actorInitErr = failure
			w.stateLock.Unlock()
		}
	}

	if task.IsActorTask() && fd.FunctionName != terminateMethod {
		w.stateLock.Lock()
		initErr := w.actorInitErr
		w.stateLock.Unlock()
		if initErr != nil {
			fail(initErr.Traceback)
			return
		}
	}

	// Resolve arguments. References hit the local table directly.
	args := make([]interface{}, len(task.Args))
	for i, arg := range task.Args {
		if arg.IsReference() {
			w.localLock.Lock()
			v, ok := w.local[arg.ObjectID]
			w.localLock.Unlock()
			if !ok {
				fail("argument object does not exist in local mode: " + arg.ObjectID.Hex())
				return
			}
			if te, isErr := structs.IsTaskError(v); isErr {
				fail(te.Traceback)
				return
			}
			args[i] = v
			continue
		}
		v, err := reg.Deserialize(arg.Value)
		if err != nil {
			fail("failed to decode inline argument: " + err.Error())
			return
		}
		args[i] = v
	}

	var executor func(args []interface{}) ([]interface{}, error)
	switch {
	case task.IsActorCreationTask():
		class := w.funcMgr.GetActorClass(task.DriverID, fd.FunctionID)
		executor = func(args []interface{}) ([]interface{}, error) {
			instance, err := class.Constructor(args)
			if err != nil {
				return nil, err
			}
			w.stateLock.Lock()
			w.actors[task.ActorCreationID] = instance
			w.actorClasses[task.ActorCreationID] = class
			w.stateLock.Unlock()
			return nil, nil
		}

	case task.IsActorTask():
		w.stateLock.Lock()
		class := w.actorClasses[task.ActorID]
		instance := w.actors[task.ActorID]
		w.stateLock.Unlock()
		if class == nil {
			fail("unknown actor: " + task.ActorID.Hex())
			return
		}
		if fd.FunctionName == terminateMethod {
			executor = func([]interface{}) ([]interface{}, error) {
				w.stateLock.Lock()
				delete(w.actors, task.ActorID)
				w.stateLock.Unlock()
				return nil, nil
			}
			break
		}
		body, ok := class.Methods[fd.FunctionName]
		if !ok {
			fail("actor class " + class.Name + " has no method " + fd.FunctionName)
			return
		}
		executor = func(args []interface{}) ([]interface{}, error) {
			return body(instance, args)
		}

	default:
		info := w.funcMgr.GetExecutionInfo(task.DriverID, fd)
		executor = info.Function
	}

	// Execute in the submitted task's identity so nested submissions and
	// puts derive their ids from this task.
	w.stateLock.Lock()
	prevTask := w.currentTaskID
	prevIndex := w.taskIndex
	prevPut := w.putIndex
	w.currentTaskID = task.ID()
	w.taskIndex = 0
	w.putIndex = 1
	w.stateLock.Unlock()

	outputs, err := invoke(executor, args)

	w.stateLock.Lock()
	w.currentTaskID = prevTask
	w.taskIndex = prevIndex
	w.putIndex = prevPut
	w.stateLock.Unlock()

	if err != nil {
		fail(err.Error())
		return
	}
	if len(outputs) != len(returnIDs) {
		fail("task returned the wrong number of values")
		return
	}

	w.localLock.Lock()
	for i, id := range returnIDs {
		w.local[id] = outputs[i]
	}
	w.localLock.Unlock()
}
