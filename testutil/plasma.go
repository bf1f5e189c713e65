// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"net/rpc"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/photon/plasma"
	"github.com/hashicorp/photon/structs"
)

// PlasmaServer is an in-memory object store speaking the plasma RPC
// protocol.
type PlasmaServer struct {
	srv *server

	mu      sync.Mutex
	cond    *sync.Cond
	objects map[structs.ObjectID][]byte
}

// NewPlasmaServer starts a store on the given unix socket.
func NewPlasmaServer(socketPath string, logger hclog.Logger) (*PlasmaServer, error) {
	p := &PlasmaServer{
		objects: make(map[structs.ObjectID][]byte),
	}
	p.cond = sync.NewCond(&p.mu)

	srv, err := newServer(socketPath, logger.Named("plasma_server"),
		func(r *rpc.Server) error {
			return r.RegisterName("Plasma", &plasmaEndpoint{store: p})
		}, nil)
	if err != nil {
		return nil, err
	}
	p.srv = srv
	return p, nil
}

// Close shuts the server down.
func (p *PlasmaServer) Close() {
	p.srv.close()
}

// Store places an object directly, bypassing the protocol. For tests.
func (p *PlasmaServer) Store(id structs.ObjectID, data []byte) {
	p.mu.Lock()
	p.objects[id] = data
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Delete removes an object, simulating eviction.
func (p *PlasmaServer) Delete(id structs.ObjectID) {
	p.mu.Lock()
	delete(p.objects, id)
	p.mu.Unlock()
}

// Contains reports in-process presence.
func (p *PlasmaServer) Contains(id structs.ObjectID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.objects[id]
	return ok
}

// put returns true when the object already existed.
func (p *PlasmaServer) put(id structs.ObjectID, data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.objects[id]; ok {
		return true
	}
	p.objects[id] = data
	p.cond.Broadcast()
	return false
}

// get blocks until every id is present or the timeout lapses, returning
// values parallel to ids with presence flags.
func (p *PlasmaServer) get(ids []structs.ObjectID, timeoutMs int) ([][]byte, []bool) {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	if timeoutMs > 0 {
		// Wake waiters periodically so the deadline is honored without
		// per-object timers.
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(5 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					p.mu.Lock()
					p.cond.Broadcast()
					p.mu.Unlock()
				case <-stop:
					return
				}
			}
		}()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for timeoutMs > 0 {
		missing := false
		for _, id := range ids {
			if _, ok := p.objects[id]; !ok {
				missing = true
				break
			}
		}
		if !missing || !time.Now().Before(deadline) {
			break
		}
		p.cond.Wait()
	}

	values := make([][]byte, len(ids))
	present := make([]bool, len(ids))
	for i, id := range ids {
		if v, ok := p.objects[id]; ok {
			values[i] = v
			present[i] = true
		}
	}
	return values, present
}

// plasmaEndpoint exposes the store over RPC.
type plasmaEndpoint struct {
	store *PlasmaServer
}

func (e *plasmaEndpoint) Put(req *plasma.PutRequest, resp *plasma.PutResponse) error {
	resp.AlreadyExists = e.store.put(req.ID, req.Data)
	return nil
}

func (e *plasmaEndpoint) Get(req *plasma.GetRequest, resp *plasma.GetResponse) error {
	resp.Values, resp.Present = e.store.get(req.IDs, req.TimeoutMs)
	return nil
}

func (e *plasmaEndpoint) Contains(req *plasma.ContainsRequest, resp *plasma.ContainsResponse) error {
	resp.Present = e.store.Contains(req.ID)
	return nil
}
