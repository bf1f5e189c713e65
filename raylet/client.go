// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package raylet is the client for the per-node local scheduler. A worker
// registers on connect, blocks on GetTask for assignments, submits new
// tasks, and reports blocked/unblocked transitions so the scheduler can
// recycle the worker's resources while it waits on objects.
package raylet

import (
	"fmt"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/photon/rpcutil"
	"github.com/hashicorp/photon/structs"
)

// DefaultFetchRequestSize is the largest batch a single FetchOrReconstruct
// RPC carries; larger requests are chunked by the worker.
const DefaultFetchRequestSize = 10000

// RegisterRequest introduces the connecting process to the scheduler.
type RegisterRequest struct {
	WorkerID structs.ClientID

	// IsWorker is false for driver connections.
	IsWorker bool

	// DriverTaskID is the driver's synthetic task id; nil for workers.
	DriverTaskID structs.TaskID
}

// GetTaskResponse carries one task assignment plus the resource ids the
// scheduler pinned for it.
type GetTaskResponse struct {
	Task        *structs.Task
	ResourceIDs map[string][]ResourceAssignment
}

// ResourceAssignment is one assigned resource slot: its index on the node
// and the fraction of the slot granted.
type ResourceAssignment struct {
	ID       int
	Fraction float64
}

// SubmitTaskRequest hands a task to the scheduler.
type SubmitTaskRequest struct {
	Task *structs.Task
}

// FetchRequest asks the scheduler to make objects local, reconstructing
// them if their producing tasks are gone.
type FetchRequest struct {
	IDs []structs.ObjectID

	// FetchOnly is true for the availability-priming pass; the caller is
	// not blocked and the scheduler must not reassign its resources.
	FetchOnly bool

	// TaskID names the blocked task when FetchOnly is false.
	TaskID structs.TaskID
}

// NotifyUnblockedRequest reports that the task's earlier blocking fetches
// no longer apply.
type NotifyUnblockedRequest struct {
	TaskID structs.TaskID
}

// WaitRequest is the server-side wait primitive.
type WaitRequest struct {
	IDs        []structs.ObjectID
	NumReturns int
	TimeoutMs  int64

	// WaitLocal restricts readiness to node-local availability.
	WaitLocal bool

	TaskID structs.TaskID
}

// WaitResponse partitions the request ids preserving input order within
// both sublists.
type WaitResponse struct {
	Ready     []structs.ObjectID
	Remaining []structs.ObjectID
}

// ResourceIDsResponse carries the worker's current resource assignment.
type ResourceIDsResponse struct {
	ResourceIDs map[string][]ResourceAssignment
}

// Empty is the reply for fire-and-forget operations.
type Empty struct{}

// Client is a connection to the local scheduler.
type Client struct {
	logger   hclog.Logger
	conn     *rpcutil.Conn
	workerID structs.ClientID
}

// Connect dials the scheduler's socket and registers this process.
func Connect(socketPath string, workerID structs.ClientID, isWorker bool,
	driverTaskID structs.TaskID, logger hclog.Logger) (*Client, error) {

	logger = logger.Named("raylet")
	conn, err := rpcutil.Dial(socketPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to raylet: %w", err)
	}

	c := &Client{logger: logger, conn: conn, workerID: workerID}
	req := RegisterRequest{
		WorkerID:     workerID,
		IsWorker:     isWorker,
		DriverTaskID: driverTaskID,
	}
	var resp Empty
	if err := conn.Call("Raylet.Register", &req, &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register with raylet: %w", err)
	}
	return c, nil
}

// GetTask blocks until the scheduler assigns this worker a task.
func (c *Client) GetTask() (*structs.Task, map[string][]ResourceAssignment, error) {
	req := RegisterRequest{WorkerID: c.workerID}
	var resp GetTaskResponse
	if err := c.conn.Call("Raylet.GetTask", &req, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Task, resp.ResourceIDs, nil
}

// SubmitTask hands a task to the scheduler.
func (c *Client) SubmitTask(task *structs.Task) error {
	var resp Empty
	return c.conn.Call("Raylet.SubmitTask", &SubmitTaskRequest{Task: task}, &resp)
}

// FetchOrReconstruct asks the scheduler to make the given objects local.
// When fetchOnly is false, taskID names the task now blocked on them.
func (c *Client) FetchOrReconstruct(ids []structs.ObjectID, fetchOnly bool, taskID structs.TaskID) error {
	req := FetchRequest{IDs: ids, FetchOnly: fetchOnly, TaskID: taskID}
	var resp Empty
	return c.conn.Call("Raylet.FetchOrReconstruct", &req, &resp)
}

// NotifyUnblocked tells the scheduler the task's blocking fetches are done.
func (c *Client) NotifyUnblocked(taskID structs.TaskID) error {
	var resp Empty
	return c.conn.Call("Raylet.NotifyUnblocked", &NotifyUnblockedRequest{TaskID: taskID}, &resp)
}

// Wait blocks until numReturns of the ids are ready or the timeout lapses,
// returning (ready, remaining) with input order preserved in both.
func (c *Client) Wait(ids []structs.ObjectID, numReturns int, timeoutMs int64,
	waitLocal bool, taskID structs.TaskID) ([]structs.ObjectID, []structs.ObjectID, error) {

	req := WaitRequest{
		IDs:        ids,
		NumReturns: numReturns,
		TimeoutMs:  timeoutMs,
		WaitLocal:  waitLocal,
		TaskID:     taskID,
	}
	var resp WaitResponse
	if err := c.conn.Call("Raylet.Wait", &req, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Ready, resp.Remaining, nil
}

// ResourceIDs returns the resources the scheduler has assigned to the
// currently executing task.
func (c *Client) ResourceIDs() (map[string][]ResourceAssignment, error) {
	req := RegisterRequest{WorkerID: c.workerID}
	var resp ResourceIDsResponse
	if err := c.conn.Call("Raylet.ResourceIDs", &req, &resp); err != nil {
		return nil, err
	}
	return resp.ResourceIDs, nil
}

// Disconnect deregisters and closes the connection.
func (c *Client) Disconnect() error {
	var resp Empty
	// Best effort; the connection close is what the scheduler notices.
	_ = c.conn.Call("Raylet.Disconnect", &RegisterRequest{WorkerID: c.workerID}, &resp)
	return c.conn.Close()
}
