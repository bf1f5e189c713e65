// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"net"
	"net/rpc"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/hashicorp/photon/controlplane"
	"github.com/hashicorp/photon/structs"
)

// ControlPlaneServer is an in-memory key-value + pubsub service speaking
// the control plane RPC protocol.
type ControlPlaneServer struct {
	logger hclog.Logger
	srv    *server

	mu     sync.Mutex
	kv     map[string][]byte
	hashes map[string]map[string][]byte
	lists  map[string][][]byte
	zsets  map[string][][]byte
	subs   map[string][]*subscriber
}

type subscriber struct {
	ch     chan controlplane.Message
	stream net.Conn
}

// NewControlPlaneServer starts a control plane on the given socket.
func NewControlPlaneServer(socketPath string, logger hclog.Logger) (*ControlPlaneServer, error) {
	cp := &ControlPlaneServer{
		logger: logger.Named("control_plane_server"),
		kv:     make(map[string][]byte),
		hashes: make(map[string]map[string][]byte),
		lists:  make(map[string][][]byte),
		zsets:  make(map[string][][]byte),
		subs:   make(map[string][]*subscriber),
	}

	srv, err := newServer(socketPath, cp.logger,
		func(r *rpc.Server) error {
			return r.RegisterName("ControlPlane", &controlPlaneEndpoint{cp: cp})
		},
		cp.handleSubscribe)
	if err != nil {
		return nil, err
	}
	cp.srv = srv
	return cp, nil
}

// Close shuts the server down and drops every subscriber.
func (cp *ControlPlaneServer) Close() {
	cp.mu.Lock()
	for _, subs := range cp.subs {
		for _, s := range subs {
			s.stream.Close()
		}
	}
	cp.mu.Unlock()
	cp.srv.close()
}

// Hash reads a hash key directly. For test assertions.
func (cp *ControlPlaneServer) Hash(key []byte) map[string][]byte {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	out := make(map[string][]byte, len(cp.hashes[string(key)]))
	for k, v := range cp.hashes[string(key)] {
		out[k] = v
	}
	return out
}

// List reads a list key directly. For test assertions.
func (cp *ControlPlaneServer) List(key []byte) [][]byte {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([][]byte(nil), cp.lists[string(key)]...)
}

// ZAdd appends to a sorted set in score order. For test seeding.
func (cp *ControlPlaneServer) ZAdd(key, member []byte) {
	cp.mu.Lock()
	cp.zsets[string(key)] = append(cp.zsets[string(key)], member)
	cp.mu.Unlock()
}

// handleSubscribe services one subscription stream.
func (cp *ControlPlaneServer) handleSubscribe(stream net.Conn) {
	dec := codec.NewDecoder(stream, structs.MsgpackHandle)
	enc := codec.NewEncoder(stream, structs.MsgpackHandle)

	var req struct{ Channel string }
	if err := dec.Decode(&req); err != nil {
		stream.Close()
		return
	}

	sub := &subscriber{
		ch:     make(chan controlplane.Message, 256),
		stream: stream,
	}
	cp.mu.Lock()
	cp.subs[req.Channel] = append(cp.subs[req.Channel], sub)
	cp.mu.Unlock()

	// Ack so the client knows deliveries cannot race the subscribe.
	if err := enc.Encode(&controlplane.Empty{}); err != nil {
		cp.removeSubscriber(req.Channel, sub)
		stream.Close()
		return
	}

	for msg := range sub.ch {
		if err := enc.Encode(&msg); err != nil {
			cp.removeSubscriber(req.Channel, sub)
			stream.Close()
			return
		}
	}
}

func (cp *ControlPlaneServer) removeSubscriber(channel string, sub *subscriber) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	subs := cp.subs[channel]
	for i, s := range subs {
		if s == sub {
			cp.subs[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (cp *ControlPlaneServer) publish(channel string, payload []byte) {
	cp.mu.Lock()
	subs := append([]*subscriber(nil), cp.subs[channel]...)
	cp.mu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- controlplane.Message{Channel: channel, Payload: payload}:
		default:
			cp.logger.Warn("dropping message for slow subscriber", "channel", channel)
		}
	}
}

// controlPlaneEndpoint exposes the service over RPC.
type controlPlaneEndpoint struct {
	cp *ControlPlaneServer
}

func (e *controlPlaneEndpoint) SetIfAbsent(req *controlplane.SetIfAbsentRequest, resp *controlplane.SetIfAbsentResponse) error {
	e.cp.mu.Lock()
	defer e.cp.mu.Unlock()
	if _, ok := e.cp.kv[string(req.Key)]; ok {
		resp.Set = false
		return nil
	}
	e.cp.kv[string(req.Key)] = req.Value
	resp.Set = true
	return nil
}

func (e *controlPlaneEndpoint) Set(req *controlplane.KVRequest, _ *controlplane.Empty) error {
	e.cp.mu.Lock()
	defer e.cp.mu.Unlock()
	e.cp.kv[string(req.Key)] = req.Value
	return nil
}

func (e *controlPlaneEndpoint) Get(req *controlplane.KVRequest, resp *controlplane.KVResponse) error {
	e.cp.mu.Lock()
	defer e.cp.mu.Unlock()
	resp.Value, resp.Exists = e.cp.kv[string(req.Key)]
	return nil
}

func (e *controlPlaneEndpoint) Exists(req *controlplane.KVRequest, resp *controlplane.KVResponse) error {
	e.cp.mu.Lock()
	defer e.cp.mu.Unlock()
	if _, ok := e.cp.kv[string(req.Key)]; ok {
		resp.Exists = true
		return nil
	}
	if _, ok := e.cp.hashes[string(req.Key)]; ok {
		resp.Exists = true
	}
	return nil
}

func (e *controlPlaneEndpoint) HashSet(req *controlplane.HashSetRequest, _ *controlplane.Empty) error {
	e.cp.mu.Lock()
	defer e.cp.mu.Unlock()
	h := e.cp.hashes[string(req.Key)]
	if h == nil {
		h = make(map[string][]byte)
		e.cp.hashes[string(req.Key)] = h
	}
	for k, v := range req.Fields {
		h[k] = v
	}
	return nil
}

func (e *controlPlaneEndpoint) HashGetAll(req *controlplane.KVRequest, resp *controlplane.HashGetAllResponse) error {
	e.cp.mu.Lock()
	defer e.cp.mu.Unlock()
	resp.Fields = make(map[string][]byte, len(e.cp.hashes[string(req.Key)]))
	for k, v := range e.cp.hashes[string(req.Key)] {
		resp.Fields[k] = v
	}
	return nil
}

func (e *controlPlaneEndpoint) ListPush(req *controlplane.ListPushRequest, _ *controlplane.Empty) error {
	e.cp.mu.Lock()
	defer e.cp.mu.Unlock()
	e.cp.lists[string(req.Key)] = append(e.cp.lists[string(req.Key)], req.Value)
	return nil
}

func (e *controlPlaneEndpoint) ListRange(req *controlplane.ListRangeRequest, resp *controlplane.ListRangeResponse) error {
	e.cp.mu.Lock()
	defer e.cp.mu.Unlock()
	resp.Values = sliceRange(e.cp.lists[string(req.Key)], req.Start, req.Stop)
	return nil
}

func (e *controlPlaneEndpoint) ZRange(req *controlplane.ZRangeRequest, resp *controlplane.ZRangeResponse) error {
	e.cp.mu.Lock()
	defer e.cp.mu.Unlock()
	resp.Values = sliceRange(e.cp.zsets[string(req.Key)], req.Start, req.Stop)
	return nil
}

func (e *controlPlaneEndpoint) Publish(req *controlplane.PublishRequest, _ *controlplane.Empty) error {
	e.cp.publish(req.Channel, req.Payload)
	return nil
}

// sliceRange applies list-range index conventions: inclusive bounds,
// negatives counting from the tail.
func sliceRange(values [][]byte, start, stop int) [][]byte {
	n := len(values)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil
	}
	return append([][]byte(nil), values[start:stop+1]...)
}
