// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"math"
)

// Resources maps a resource name to the quantity demanded. CPU and GPU are
// conventional names; any other name is a custom resource.
type Resources map[string]float64

// Validate checks the constraints on a resource demand: quantities must be
// non-negative, and any quantity of one or more must be a whole number.
func (r Resources) Validate() error {
	for name, qty := range r {
		if qty < 0 {
			return fmt.Errorf("resource %q: quantities must be nonnegative, got %v", name, qty)
		}
		if qty >= 1 && qty != math.Trunc(qty) {
			return fmt.Errorf("resource %q: quantities of at least one must be whole numbers, got %v", name, qty)
		}
	}
	return nil
}

// Copy returns a deep copy of the resource demand.
func (r Resources) Copy() Resources {
	if r == nil {
		return nil
	}
	out := make(Resources, len(r))
	for name, qty := range r {
		out[name] = qty
	}
	return out
}

// TaskArg is one positional argument of a task: either a reference into the
// object store, or a small value shipped inline with the task as an encoded
// payload.
type TaskArg struct {
	// ObjectID references a stored argument. Nil when the argument is
	// inline.
	ObjectID ObjectID

	// Value is the encoded inline payload. Empty when the argument is a
	// reference.
	Value []byte
}

// IsReference reports whether the argument is an object store reference.
func (a TaskArg) IsReference() bool {
	return len(a.Value) == 0
}

// ArgByRef builds a reference argument.
func ArgByRef(id ObjectID) TaskArg {
	return TaskArg{ObjectID: id}
}

// ArgByValue builds an inline argument from an encoded payload.
func ArgByValue(encoded []byte) TaskArg {
	return TaskArg{ObjectID: NilID(), Value: encoded}
}

// Task is the unit of work handed to the scheduler. Tasks are immutable
// after submission; a worker consumes a task exactly once.
type Task struct {
	// DriverID identifies the driver session the task belongs to. Errors
	// raised by the task propagate to this driver.
	DriverID DriverID

	// ParentTaskID is the task (or driver task) that submitted this one.
	ParentTaskID TaskID

	// ParentCounter is the submitting task's task index at submission
	// time. Together with ParentTaskID it determines this task's id.
	ParentCounter int

	// FunctionDescriptor names the code to execute.
	FunctionDescriptor FunctionDescriptor

	// Args are the positional arguments, references and inline values
	// interleaved in call order.
	Args []TaskArg

	// NumReturns is the number of return objects the task produces,
	// including the dummy object for actor tasks.
	NumReturns int

	// ActorCreationID is set when this task creates an actor.
	ActorCreationID ActorID

	// ActorCreationDummyObjectID is the dummy object of the previous
	// method call on the target actor; consumed as an execution
	// dependency to serialise methods.
	ActorCreationDummyObjectID ObjectID

	// MaxReconstructions bounds how many times the actor may be
	// reconstructed after failure. Actor creation tasks only.
	MaxReconstructions int

	// ActorID is the target actor for a method task.
	ActorID ActorID

	// ActorHandleID identifies which handle submitted the method.
	ActorHandleID ActorHandleID

	// ActorCounter is the per-handle sequence number of the method.
	ActorCounter int

	// ExecutionDependencies are object ids that must exist before the
	// task may run, beyond its arguments.
	ExecutionDependencies []ObjectID

	// Resources is the resource demand used for execution admission.
	Resources Resources

	// PlacementResources is the demand used for placement; defaults to
	// Resources when empty.
	PlacementResources Resources
}

// NewTask constructs a task, filling the nil actor coordinates for a plain
// (non-actor) task with an empty resource demand. PlacementResources is
// left unset.
func NewTask(driverID DriverID, fd FunctionDescriptor, args []TaskArg, numReturns int,
	parent TaskID, parentCounter int) *Task {

	return &Task{
		DriverID:                   driverID,
		ParentTaskID:               parent,
		ParentCounter:              parentCounter,
		FunctionDescriptor:         fd,
		Args:                       args,
		NumReturns:                 numReturns,
		ActorCreationID:            NilID(),
		ActorCreationDummyObjectID: NilID(),
		ActorID:                    NilID(),
		ActorHandleID:              NilID(),
		Resources:                  Resources{},
	}
}

// ID returns the task's identifier, derived deterministically from the
// parent task id and the parent's task index at submission.
func (t *Task) ID() TaskID {
	return TaskIDFor(t.ParentTaskID, t.ParentCounter)
}

// Returns derives the ordered return object ids of the task.
func (t *Task) Returns() []ObjectID {
	out := make([]ObjectID, t.NumReturns)
	id := t.ID()
	for i := 0; i < t.NumReturns; i++ {
		out[i] = ReturnID(id, i+1)
	}
	return out
}

// IsActorCreationTask reports whether the task creates an actor.
func (t *Task) IsActorCreationTask() bool {
	return !t.ActorCreationID.IsNil()
}

// IsActorTask reports whether the task is a method call on an actor.
func (t *Task) IsActorTask() bool {
	return !t.ActorID.IsNil()
}

// DummyReturnID returns the dummy object id for an actor task: the last
// return slot, which carries no payload and exists only to order the next
// method call.
func (t *Task) DummyReturnID() ObjectID {
	return ReturnID(t.ID(), t.NumReturns)
}

// Validate checks the task invariants enforced at submission.
func (t *Task) Validate() error {
	if t.NumReturns < 0 {
		return fmt.Errorf("task must not have a negative return count")
	}
	if t.Resources == nil {
		return fmt.Errorf("the resources map is required")
	}
	if err := t.Resources.Validate(); err != nil {
		return err
	}
	if err := t.PlacementResources.Validate(); err != nil {
		return err
	}
	return nil
}
