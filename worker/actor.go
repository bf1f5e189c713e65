// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/hashicorp/photon/serializer"
	"github.com/hashicorp/photon/structs"
)

// terminateMethod is the synthetic method that tears an actor down. The
// executing worker stores the dummy output and exits its loop.
const terminateMethod = "__photon_terminate__"

// actorHandleTypeID keys the custom codec that lets handles travel through
// the object store.
const actorHandleTypeID = "photon.ActorHandle"

// ActorHandle invokes methods on one actor. Method calls through a single
// handle execute on the actor in submission order, enforced by chaining
// each call's dummy return object into the next call's execution
// dependencies. Handles are serialisable; a deserialised handle is a fork
// with its own identity and ordering chain.
type ActorHandle struct {
	worker *Worker

	actorID   structs.ActorID
	handleID  structs.ActorHandleID
	driverID  structs.DriverID
	module    string
	className string

	methodCPUs float64

	mu           sync.Mutex
	actorCounter int
	lastDummyID  structs.ObjectID
}

// ActorID returns the actor this handle addresses.
func (h *ActorHandle) ActorID() structs.ActorID {
	return h.actorID
}

// Call submits a method invocation with numReturns user-visible outputs and
// returns their object ids. The dummy ordering object is managed
// internally.
func (h *ActorHandle) Call(method string, numReturns int, args ...interface{}) ([]structs.ObjectID, error) {
	w := h.worker
	if err := w.checkConnected(); err != nil {
		return nil, err
	}
	if numReturns < 0 {
		return nil, fmt.Errorf("invalid number of return values %d", numReturns)
	}

	fd := structs.NewFunctionDescriptor(h.driverID, h.module, h.className, method)

	h.mu.Lock()
	counter := h.actorCounter
	h.actorCounter++
	lastDummy := h.lastDummyID
	h.mu.Unlock()

	returns, err := w.SubmitTask(fd, args, SubmitOptions{
		// One extra return slot carries the dummy ordering object.
		NumReturns:                 numReturns + 1,
		Resources:                  structs.Resources{"CPU": h.methodCPUs},
		ActorID:                    h.actorID,
		ActorHandleID:              h.handleID,
		ActorCounter:               counter,
		ActorCreationDummyObjectID: lastDummy,
		ExecutionDependencies:      []structs.ObjectID{lastDummy},
		DriverID:                   h.driverID,
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.lastDummyID = returns[len(returns)-1]
	h.mu.Unlock()
	return returns[:len(returns)-1], nil
}

// Terminate asks the actor's worker to tear the actor down and exit. The
// call is ordered behind every previously submitted method.
func (h *ActorHandle) Terminate() error {
	_, err := h.Call(terminateMethod, 0)
	return err
}

// actorHandleState is the serialised form of a handle.
type actorHandleState struct {
	ActorID     structs.ActorID
	HandleID    structs.ActorHandleID
	DriverID    structs.DriverID
	Module      string
	ClassName   string
	MethodCPUs  float64
	Counter     int
	LastDummyID structs.ObjectID
}

// registerActorHandleCodec installs the custom codec for actor handles on a
// driver's registry. Deserialisation produces a forked handle: a fresh
// handle id with the sender's ordering chain as its starting point.
func registerActorHandleCodec(reg *serializer.Registry) {
	err := reg.RegisterCustom(actorHandleTypeID, &ActorHandle{},
		func(v interface{}) ([]byte, error) {
			h, ok := v.(*ActorHandle)
			if !ok {
				return nil, fmt.Errorf("expected an actor handle, got %T", v)
			}
			h.mu.Lock()
			state := actorHandleState{
				ActorID:     h.actorID,
				HandleID:    h.handleID,
				DriverID:    h.driverID,
				Module:      h.module,
				ClassName:   h.className,
				MethodCPUs:  h.methodCPUs,
				Counter:     h.actorCounter,
				LastDummyID: h.lastDummyID,
			}
			h.mu.Unlock()

			var buf bytes.Buffer
			if err := codec.NewEncoder(&buf, structs.MsgpackHandle).Encode(&state); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		func(b []byte) (interface{}, error) {
			var state actorHandleState
			if err := codec.NewDecoder(bytes.NewReader(b), structs.MsgpackHandle).Decode(&state); err != nil {
				return nil, err
			}
			return &ActorHandle{
				worker:       GlobalWorker(),
				actorID:      state.ActorID,
				handleID:     structs.RandomID(),
				driverID:     state.DriverID,
				module:       state.Module,
				className:    state.ClassName,
				methodCPUs:   state.MethodCPUs,
				actorCounter: state.Counter,
				lastDummyID:  state.LastDummyID,
			}, nil
		},
		true)
	if err != nil {
		panic(fmt.Sprintf("failed to register actor handle codec: %v", err))
	}
}
