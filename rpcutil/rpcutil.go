// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package rpcutil provides the shared transport used to reach the worker's
// collaborators: msgpack RPC over yamux sessions on unix domain sockets.
// Each connection carries one multiplexed RPC stream; side channels such as
// pubsub subscriptions open additional streams tagged with a stream type
// byte.
package rpcutil

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/hashicorp/yamux"

	"github.com/hashicorp/photon/structs"
)

// Stream type bytes written as the first byte of every yamux stream so the
// server side can route it.
const (
	// StreamRPC carries multiplexed request/response RPC.
	StreamRPC byte = 0x01

	// StreamSubscribe carries a one-way pubsub subscription.
	StreamSubscribe byte = 0x02
)

// dialTimeout bounds the unix socket connect.
const dialTimeout = 10 * time.Second

// Conn is a client connection to one collaborator process.
type Conn struct {
	logger  hclog.Logger
	addr    string
	conn    net.Conn
	session *yamux.Session

	mu     sync.Mutex
	client *rpc.Client
	closed bool
}

// Dial connects to a collaborator's unix socket and establishes the yamux
// session and the primary RPC stream.
func Dial(socketPath string, logger hclog.Logger) (*Conn, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", socketPath, err)
	}

	cfg := yamux.DefaultConfig()
	cfg.LogOutput = logger.StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true})
	session, err := yamux.Client(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to establish session on %s: %w", socketPath, err)
	}

	c := &Conn{
		logger:  logger,
		addr:    socketPath,
		conn:    conn,
		session: session,
	}

	stream, err := c.OpenStream(StreamRPC)
	if err != nil {
		session.Close()
		conn.Close()
		return nil, err
	}
	codec := msgpackrpc.NewCodecFromHandle(true, true, stream, structs.MsgpackHandle)
	c.client = rpc.NewClientWithCodec(codec)
	return c, nil
}

// Call performs an RPC on the primary stream. Concurrent calls multiplex;
// a server-side blocking call does not head-of-line-block other calls.
func (c *Conn) Call(method string, args, reply interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection to %s is closed", c.addr)
	}
	client := c.client
	c.mu.Unlock()
	return client.Call(method, args, reply)
}

// OpenStream opens a fresh yamux stream tagged with the given stream type.
func (c *Conn) OpenStream(streamType byte) (net.Conn, error) {
	stream, err := c.session.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open stream to %s: %w", c.addr, err)
	}
	if _, err := stream.Write([]byte{streamType}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to tag stream to %s: %w", c.addr, err)
	}
	return stream, nil
}

// Addr returns the socket path this connection dialed.
func (c *Conn) Addr() string {
	return c.addr
}

// Close tears the session down. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.client.Close()
	c.session.Close()
	return c.conn.Close()
}
