// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"errors"
	"fmt"

	"github.com/hashicorp/photon/funcmanager"
	"github.com/hashicorp/photon/structs"
)

// Default actor resource rules. When no resources are declared, the actor's
// lifetime holds nothing and each method takes one CPU; when any resource
// is declared, the creation task absorbs the declared resources and methods
// take none.
const (
	defaultActorMethodCPUsSimple    = 1
	defaultActorCreationCPUsSimple  = 0
	defaultActorMethodCPUsSpecified = 0
	defaultActorCreationCPUsWhenSet = 1
)

// defaultFunctionCPUs is the CPU demand of a remote function that declares
// nothing.
const defaultFunctionCPUs = 1

// RemoteOptions configures a remote function or actor class. The zero value
// is valid for either.
type RemoteOptions struct {
	// NumReturns is the number of values the function returns. Functions
	// only; defaults to 1.
	NumReturns int

	// NumCPUs and NumGPUs reserve cores and accelerators. Use these
	// rather than Resources for CPU and GPU.
	NumCPUs *float64
	NumGPUs *float64

	// Resources reserves custom resources; it must not contain "CPU" or
	// "GPU".
	Resources structs.Resources

	// MaxCalls bounds how many times one worker executes the function
	// before the worker exits. Functions only.
	MaxCalls int

	// MaxReconstructions bounds actor reconstruction after failure.
	// Actors only.
	MaxReconstructions int

	// CheckpointInterval is the method count between actor checkpoints.
	// Actors only.
	CheckpointInterval int
}

func (o *RemoteOptions) validateCommon() error {
	if o.Resources != nil {
		if _, ok := o.Resources["CPU"]; ok {
			return errors.New("use the NumCPUs option instead of a CPU resource")
		}
		if _, ok := o.Resources["GPU"]; ok {
			return errors.New("use the NumGPUs option instead of a GPU resource")
		}
		if err := o.Resources.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RemoteFunction is a registered function that can be submitted to the
// cluster. Build one with NewRemoteFunction at program start; the same
// binary must be linked into every worker.
type RemoteFunction struct {
	module string
	name   string

	functionID structs.ID
	numReturns int
	maxCalls   int
	resources  structs.Resources
}

// NewRemoteFunction registers a function body under (module, name) and
// returns the submission handle.
func NewRemoteFunction(module, name string, fn funcmanager.TaskFunc, opts RemoteOptions) (*RemoteFunction, error) {
	if err := opts.validateCommon(); err != nil {
		return nil, err
	}
	if opts.CheckpointInterval != 0 {
		return nil, errors.New("the CheckpointInterval option is not allowed for remote functions")
	}
	if opts.MaxReconstructions != 0 {
		return nil, errors.New("the MaxReconstructions option is not allowed for remote functions")
	}

	numReturns := opts.NumReturns
	if numReturns == 0 {
		numReturns = 1
	}
	if numReturns < 0 {
		return nil, fmt.Errorf("invalid number of return values %d", numReturns)
	}

	resources := opts.Resources.Copy()
	if resources == nil {
		resources = structs.Resources{}
	}
	if opts.NumCPUs != nil {
		resources["CPU"] = *opts.NumCPUs
	} else {
		resources["CPU"] = defaultFunctionCPUs
	}
	if opts.NumGPUs != nil {
		resources["GPU"] = *opts.NumGPUs
	}
	if err := resources.Validate(); err != nil {
		return nil, err
	}

	functionID := funcmanager.RegisterFunction(module, name, opts.MaxCalls, fn)
	return &RemoteFunction{
		module:     module,
		name:       name,
		functionID: functionID,
		numReturns: numReturns,
		maxCalls:   opts.MaxCalls,
		resources:  resources,
	}, nil
}

// Descriptor returns the function's descriptor for a driver session.
func (f *RemoteFunction) Descriptor(driverID structs.DriverID) structs.FunctionDescriptor {
	return structs.NewFunctionDescriptor(driverID, f.module, "", f.name)
}

// Remote submits an invocation and returns the output object ids.
func (f *RemoteFunction) Remote(w *Worker, args ...interface{}) ([]structs.ObjectID, error) {
	if err := w.checkConnected(); err != nil {
		return nil, err
	}
	driverID := w.taskDriver()
	fd := f.Descriptor(driverID)

	if w.Mode() != ModeLocal {
		if err := w.funcMgr.ExportFunction(driverID, fd, f.maxCalls); err != nil {
			return nil, fmt.Errorf("failed to export function %s: %w", fd, err)
		}
	}

	return w.SubmitTask(fd, args, SubmitOptions{
		NumReturns:    f.numReturns,
		Resources:     f.resources,
		ActorID:       structs.NilID(),
		ActorHandleID: structs.NilID(),
	})
}

// ActorClass is a registered actor definition. Build one with NewActorClass
// at program start.
type ActorClass struct {
	module string
	name   string

	classID            structs.ID
	creationResources  structs.Resources
	methodCPUs         float64
	maxReconstructions int
	checkpointInterval int
}

// NewActorClass registers an actor class and returns the creation handle.
// Methods are keyed by name; the constructor runs as the creation task.
func NewActorClass(module, name string, ctor funcmanager.ActorConstructor,
	methods map[string]funcmanager.ActorMethod, opts RemoteOptions) (*ActorClass, error) {

	if err := opts.validateCommon(); err != nil {
		return nil, err
	}
	if opts.NumReturns != 0 {
		return nil, errors.New("the NumReturns option is not allowed for actors")
	}
	if opts.MaxCalls != 0 {
		return nil, errors.New("the MaxCalls option is not allowed for actors")
	}

	// Resource defaults flip depending on whether anything was declared.
	creation := opts.Resources.Copy()
	var methodCPUs float64
	if opts.NumCPUs == nil && opts.NumGPUs == nil && creation == nil {
		creation = structs.Resources{"CPU": defaultActorCreationCPUsSimple}
		methodCPUs = defaultActorMethodCPUsSimple
	} else {
		if creation == nil {
			creation = structs.Resources{}
		}
		if opts.NumCPUs != nil {
			creation["CPU"] = *opts.NumCPUs
		} else {
			creation["CPU"] = defaultActorCreationCPUsWhenSet
		}
		if opts.NumGPUs != nil {
			creation["GPU"] = *opts.NumGPUs
		}
		methodCPUs = defaultActorMethodCPUsSpecified
	}
	if err := creation.Validate(); err != nil {
		return nil, err
	}

	classID := funcmanager.RegisterActorClass(module, name, ctor, methods)
	return &ActorClass{
		module:             module,
		name:               name,
		classID:            classID,
		creationResources:  creation,
		methodCPUs:         methodCPUs,
		maxReconstructions: opts.MaxReconstructions,
		checkpointInterval: opts.CheckpointInterval,
	}, nil
}

// Remote creates an actor instance and returns a handle to it.
func (ac *ActorClass) Remote(w *Worker, args ...interface{}) (*ActorHandle, error) {
	if err := w.checkConnected(); err != nil {
		return nil, err
	}
	driverID := w.taskDriver()
	actorID := structs.RandomID()
	fd := structs.NewFunctionDescriptor(driverID, ac.module, ac.name, "__init__")

	if w.Mode() != ModeLocal {
		if err := w.funcMgr.ExportActorClass(driverID, ac.classID, ac.name); err != nil {
			return nil, fmt.Errorf("failed to export actor class %s: %w", ac.name, err)
		}
	}

	// The creation task's single return is the first dummy object in the
	// actor's method chain.
	returns, err := w.SubmitTask(fd, args, SubmitOptions{
		NumReturns:         1,
		Resources:          ac.creationResources,
		ActorID:            structs.NilID(),
		ActorHandleID:      structs.NilID(),
		ActorCreationID:    actorID,
		MaxReconstructions: ac.maxReconstructions,
	})
	if err != nil {
		return nil, err
	}

	return &ActorHandle{
		worker:      w,
		actorID:     actorID,
		handleID:    structs.RandomID(),
		driverID:    driverID,
		module:      ac.module,
		className:   ac.name,
		methodCPUs:  ac.methodCPUs,
		lastDummyID: returns[0],
	}, nil
}
