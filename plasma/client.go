// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package plasma is the client for the shared in-memory object store. The
// store speaks msgpack RPC on a unix socket; this package holds both the
// client and the request/response types the protocol is defined by.
package plasma

import (
	"errors"
	"fmt"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/photon/rpcutil"
	"github.com/hashicorp/photon/structs"
)

// DefaultGetRequestSize is the largest batch a single Get RPC carries; the
// worker chunks larger requests so one caller cannot monopolise the store.
const DefaultGetRequestSize = 10000

// ErrObjectExists is returned by Put when the store already holds an object
// under the given id.
var ErrObjectExists = errors.New("object already exists in the object store")

// PutRequest stores one object.
type PutRequest struct {
	ID   structs.ObjectID
	Data []byte

	// MemcopyThreads is how many threads the store may use to copy the
	// payload into shared memory.
	MemcopyThreads int
}

// PutResponse reports whether the object was already present.
type PutResponse struct {
	AlreadyExists bool
}

// GetRequest fetches a batch of objects. A zero timeout returns immediately
// with whatever is local.
type GetRequest struct {
	IDs       []structs.ObjectID
	TimeoutMs int
}

// GetResponse carries values parallel to the request ids. Present[i] is
// false when the store did not hold IDs[i] within the timeout; Values[i] is
// nil in that case.
type GetResponse struct {
	Values  [][]byte
	Present []bool
}

// ContainsRequest checks one id.
type ContainsRequest struct {
	ID structs.ObjectID
}

// ContainsResponse reports local presence.
type ContainsResponse struct {
	Present bool
}

// Client is a connection to the local plasma store.
type Client struct {
	logger hclog.Logger
	conn   *rpcutil.Conn
}

// Connect dials the store's unix socket.
func Connect(socketPath string, logger hclog.Logger) (*Client, error) {
	logger = logger.Named("plasma")
	conn, err := rpcutil.Dial(socketPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to plasma store: %w", err)
	}
	return &Client{logger: logger, conn: conn}, nil
}

// Put stores data under id. Returns ErrObjectExists when the id is already
// present; the payloads are not compared.
func (c *Client) Put(id structs.ObjectID, data []byte, memcopyThreads int) error {
	req := PutRequest{ID: id, Data: data, MemcopyThreads: memcopyThreads}
	var resp PutResponse
	if err := c.conn.Call("Plasma.Put", &req, &resp); err != nil {
		return err
	}
	if resp.AlreadyExists {
		return ErrObjectExists
	}
	return nil
}

// Get fetches a batch of objects, returning a value slice parallel to ids
// with nil entries for objects not present within the timeout.
func (c *Client) Get(ids []structs.ObjectID, timeoutMs int) ([][]byte, error) {
	req := GetRequest{IDs: ids, TimeoutMs: timeoutMs}
	var resp GetResponse
	if err := c.conn.Call("Plasma.Get", &req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Values) != len(ids) || len(resp.Present) != len(ids) {
		return nil, fmt.Errorf("store returned %d values for %d ids", len(resp.Values), len(ids))
	}
	out := make([][]byte, len(ids))
	for i := range ids {
		if resp.Present[i] {
			out[i] = resp.Values[i]
		}
	}
	return out, nil
}

// Contains reports whether the store holds the object locally.
func (c *Client) Contains(id structs.ObjectID) (bool, error) {
	req := ContainsRequest{ID: id}
	var resp ContainsResponse
	if err := c.conn.Call("Plasma.Contains", &req, &resp); err != nil {
		return false, err
	}
	return resp.Present, nil
}

// Disconnect closes the connection to the store.
func (c *Client) Disconnect() error {
	return c.conn.Close()
}
