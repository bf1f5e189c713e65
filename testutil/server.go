// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testutil provides in-memory implementations of the worker's
// collaborators — the plasma store, the control plane, and a single-node
// raylet — listening on real unix sockets and speaking the production RPC
// protocol, so tests exercise the actual clients end to end.
package testutil

import (
	"io"
	"net"
	"net/rpc"
	"os"
	"path/filepath"

	hclog "github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/hashicorp/yamux"

	"github.com/hashicorp/photon/rpcutil"
	"github.com/hashicorp/photon/structs"
)

// server is the shared accept loop: yamux sessions on a unix socket,
// streams routed by their type byte to the RPC server or the subscription
// handler.
type server struct {
	logger     hclog.Logger
	listener   net.Listener
	rpcServer  *rpc.Server
	onSubscribe func(stream net.Conn)

	shutdownCh chan struct{}
}

func newServer(socketPath string, logger hclog.Logger, register func(*rpc.Server) error,
	onSubscribe func(stream net.Conn)) (*server, error) {

	rpcServer := rpc.NewServer()
	if err := register(rpcServer); err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	s := &server{
		logger:     logger,
		listener:   listener,
		rpcServer:  rpcServer,
		onSubscribe: onSubscribe,
		shutdownCh: make(chan struct{}),
	}
	go s.accept()
	return s, nil
}

func (s *server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				s.logger.Error("accept failed", "error", err)
				return
			}
		}
		go s.handleConn(conn)
	}
}

func (s *server) handleConn(conn net.Conn) {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	session, err := yamux.Server(conn, cfg)
	if err != nil {
		s.logger.Error("failed to establish session", "error", err)
		conn.Close()
		return
	}
	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		go s.handleStream(stream)
	}
}

func (s *server) handleStream(stream net.Conn) {
	var streamType [1]byte
	if _, err := io.ReadFull(stream, streamType[:]); err != nil {
		stream.Close()
		return
	}
	switch streamType[0] {
	case rpcutil.StreamRPC:
		codec := msgpackrpc.NewCodecFromHandle(true, true, stream, structs.MsgpackHandle)
		s.rpcServer.ServeCodec(codec)
	case rpcutil.StreamSubscribe:
		if s.onSubscribe != nil {
			s.onSubscribe(stream)
			return
		}
		stream.Close()
	default:
		stream.Close()
	}
}

func (s *server) close() {
	close(s.shutdownCh)
	s.listener.Close()
}

// Cluster bundles the three in-memory collaborators on sockets under one
// temporary directory.
type Cluster struct {
	Plasma       *PlasmaServer
	ControlPlane *ControlPlaneServer
	Raylet       *RayletServer

	PlasmaSocket       string
	ControlPlaneSocket string
	RayletSocket       string
}

// TB is the subset of testing.TB the cluster needs.
type TB interface {
	Cleanup(func())
	Fatalf(format string, args ...interface{})
}

// StartCluster launches a plasma store, control plane, and raylet for a
// test, tearing them down at cleanup.
func StartCluster(t TB, logger hclog.Logger) *Cluster {
	// Unix socket paths have a tight length budget, so avoid the deeply
	// nested test temp dir.
	dir, err := os.MkdirTemp("", "photon")
	if err != nil {
		t.Fatalf("failed to create socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	c := &Cluster{
		PlasmaSocket:       filepath.Join(dir, "plasma.sock"),
		ControlPlaneSocket: filepath.Join(dir, "cp.sock"),
		RayletSocket:       filepath.Join(dir, "raylet.sock"),
	}

	if c.Plasma, err = NewPlasmaServer(c.PlasmaSocket, logger); err != nil {
		t.Fatalf("failed to start plasma server: %v", err)
	}
	t.Cleanup(c.Plasma.Close)

	if c.ControlPlane, err = NewControlPlaneServer(c.ControlPlaneSocket, logger); err != nil {
		t.Fatalf("failed to start control plane: %v", err)
	}
	t.Cleanup(c.ControlPlane.Close)

	if c.Raylet, err = NewRayletServer(c.RayletSocket, c.Plasma, logger); err != nil {
		t.Fatalf("failed to start raylet: %v", err)
	}
	t.Cleanup(c.Raylet.Close)

	return c
}
