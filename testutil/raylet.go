// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"net/rpc"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/photon/raylet"
	"github.com/hashicorp/photon/structs"
)

// depPollInterval is how often the fake scheduler re-checks readiness of a
// task's dependencies.
const depPollInterval = 2 * time.Millisecond

// RayletServer is a single-node scheduler good enough for runtime tests:
// tasks dispatch FIFO once their dependencies are present in the store, and
// actor tasks pin to the worker that ran the creation task.
type RayletServer struct {
	logger hclog.Logger
	srv    *server
	plasma *PlasmaServer

	mu         sync.Mutex
	shared     chan *structs.Task
	perWorker  map[structs.ClientID]chan *structs.Task
	actorOwner map[structs.ActorID]structs.ClientID

	// Resources is the assignment handed to every task. Tests may
	// replace it before connecting workers.
	Resources map[string][]raylet.ResourceAssignment

	shutdownCh chan struct{}
}

// NewRayletServer starts a scheduler on the given socket. It consults the
// plasma server for object availability.
func NewRayletServer(socketPath string, plasmaSrv *PlasmaServer, logger hclog.Logger) (*RayletServer, error) {
	r := &RayletServer{
		logger:     logger.Named("raylet_server"),
		plasma:     plasmaSrv,
		shared:     make(chan *structs.Task, 1024),
		perWorker:  make(map[structs.ClientID]chan *structs.Task),
		actorOwner: make(map[structs.ActorID]structs.ClientID),
		Resources: map[string][]raylet.ResourceAssignment{
			"CPU": {{ID: 0, Fraction: 1}},
		},
		shutdownCh: make(chan struct{}),
	}

	srv, err := newServer(socketPath, r.logger,
		func(s *rpc.Server) error {
			return s.RegisterName("Raylet", &rayletEndpoint{r: r})
		}, nil)
	if err != nil {
		return nil, err
	}
	r.srv = srv
	return r, nil
}

// Close shuts the server down.
func (r *RayletServer) Close() {
	close(r.shutdownCh)
	r.srv.close()
}

// Enqueue places a task directly into the dispatch pipeline. For tests.
func (r *RayletServer) Enqueue(task *structs.Task) {
	r.dispatch(task)
}

func (r *RayletServer) workerQueue(id structs.ClientID) chan *structs.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.perWorker[id]
	if !ok {
		q = make(chan *structs.Task, 256)
		r.perWorker[id] = q
	}
	return q
}

// dispatch routes a task once its dependencies are satisfiable.
func (r *RayletServer) dispatch(task *structs.Task) {
	go func() {
		if !r.awaitDeps(task) {
			return
		}
		if task.IsActorTask() {
			owner, ok := r.awaitActorOwner(task.ActorID)
			if !ok {
				return
			}
			r.workerQueue(owner) <- task
			return
		}
		select {
		case r.shared <- task:
		case <-r.shutdownCh:
		}
	}()
}

// awaitDeps blocks until every argument reference and execution dependency
// is present in the store.
func (r *RayletServer) awaitDeps(task *structs.Task) bool {
	var deps []structs.ObjectID
	for _, arg := range task.Args {
		if arg.IsReference() {
			deps = append(deps, arg.ObjectID)
		}
	}
	for _, id := range task.ExecutionDependencies {
		if !id.IsNil() {
			deps = append(deps, id)
		}
	}
	if !task.ActorCreationDummyObjectID.IsNil() {
		deps = append(deps, task.ActorCreationDummyObjectID)
	}

	for {
		ready := true
		for _, id := range deps {
			if !r.plasma.Contains(id) {
				ready = false
				break
			}
		}
		if ready {
			return true
		}
		select {
		case <-time.After(depPollInterval):
		case <-r.shutdownCh:
			return false
		}
	}
}

func (r *RayletServer) awaitActorOwner(actorID structs.ActorID) (structs.ClientID, bool) {
	for {
		r.mu.Lock()
		owner, ok := r.actorOwner[actorID]
		r.mu.Unlock()
		if ok {
			return owner, true
		}
		select {
		case <-time.After(depPollInterval):
		case <-r.shutdownCh:
			return structs.ID{}, false
		}
	}
}

// rayletEndpoint exposes the scheduler over RPC.
type rayletEndpoint struct {
	r *RayletServer
}

func (e *rayletEndpoint) Register(req *raylet.RegisterRequest, _ *raylet.Empty) error {
	// Pre-create the worker's private queue so actor routing never races
	// registration.
	e.r.workerQueue(req.WorkerID)
	return nil
}

func (e *rayletEndpoint) GetTask(req *raylet.RegisterRequest, resp *raylet.GetTaskResponse) error {
	private := e.r.workerQueue(req.WorkerID)
	var task *structs.Task
	select {
	case task = <-e.r.shared:
	case task = <-private:
	case <-e.r.shutdownCh:
		return rpc.ErrShutdown
	}

	if task.IsActorCreationTask() {
		e.r.mu.Lock()
		e.r.actorOwner[task.ActorCreationID] = req.WorkerID
		e.r.mu.Unlock()
	}

	resp.Task = task
	resp.ResourceIDs = e.r.Resources
	return nil
}

func (e *rayletEndpoint) SubmitTask(req *raylet.SubmitTaskRequest, _ *raylet.Empty) error {
	e.r.dispatch(req.Task)
	return nil
}

func (e *rayletEndpoint) FetchOrReconstruct(req *raylet.FetchRequest, _ *raylet.Empty) error {
	// Objects either exist, or their producing task is still in flight;
	// the single-node store needs no transfer and the runtime never
	// decides reconstruction itself.
	return nil
}

func (e *rayletEndpoint) NotifyUnblocked(req *raylet.NotifyUnblockedRequest, _ *raylet.Empty) error {
	return nil
}

func (e *rayletEndpoint) Wait(req *raylet.WaitRequest, resp *raylet.WaitResponse) error {
	deadline := time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	for {
		var ready []structs.ObjectID
		for _, id := range req.IDs {
			if e.r.plasma.Contains(id) {
				ready = append(ready, id)
			}
		}
		if len(ready) >= req.NumReturns || !time.Now().Before(deadline) {
			if len(ready) > req.NumReturns {
				ready = ready[:req.NumReturns]
			}
			readySet := make(map[structs.ObjectID]struct{}, len(ready))
			for _, id := range ready {
				readySet[id] = struct{}{}
			}
			for _, id := range req.IDs {
				if _, ok := readySet[id]; !ok {
					resp.Remaining = append(resp.Remaining, id)
				}
			}
			resp.Ready = ready
			return nil
		}
		select {
		case <-time.After(depPollInterval):
		case <-e.r.shutdownCh:
			return rpc.ErrShutdown
		}
	}
}

func (e *rayletEndpoint) ResourceIDs(req *raylet.RegisterRequest, resp *raylet.ResourceIDsResponse) error {
	resp.ResourceIDs = e.r.Resources
	return nil
}

func (e *rayletEndpoint) Disconnect(req *raylet.RegisterRequest, _ *raylet.Empty) error {
	return nil
}
