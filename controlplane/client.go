// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package controlplane is the client for the cluster's metadata service: a
// key-value store with lists, hashes, sorted sets, and pubsub. The worker
// runtime uses it for registration, error propagation, export publication,
// and cluster discovery.
package controlplane

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/hashicorp/photon/rpcutil"
	"github.com/hashicorp/photon/structs"
)

// SetIfAbsentRequest atomically claims a key.
type SetIfAbsentRequest struct {
	Key   []byte
	Value []byte
}

// SetIfAbsentResponse reports whether the claim won.
type SetIfAbsentResponse struct {
	Set bool
}

// KVRequest reads or writes a plain key.
type KVRequest struct {
	Key   []byte
	Value []byte
}

// KVResponse carries a read value.
type KVResponse struct {
	Value  []byte
	Exists bool
}

// HashSetRequest merges fields into a hash key.
type HashSetRequest struct {
	Key    []byte
	Fields map[string][]byte
}

// HashGetAllResponse carries every field of a hash key.
type HashGetAllResponse struct {
	Fields map[string][]byte
}

// ListPushRequest appends a value to a list key.
type ListPushRequest struct {
	Key   []byte
	Value []byte
}

// ListRangeRequest reads [Start, Stop] from a list; negative indexes count
// from the tail as in the usual list-range convention.
type ListRangeRequest struct {
	Key   []byte
	Start int
	Stop  int
}

// ListRangeResponse carries the selected range in list order.
type ListRangeResponse struct {
	Values [][]byte
}

// ZRangeRequest reads [Start, Stop] of a sorted set by rank.
type ZRangeRequest struct {
	Key   []byte
	Start int
	Stop  int
}

// ZRangeResponse carries the selected members in score order.
type ZRangeResponse struct {
	Values [][]byte
}

// PublishRequest broadcasts a payload on a channel.
type PublishRequest struct {
	Channel string
	Payload []byte
}

// Empty is the reply for fire-and-forget operations.
type Empty struct{}

// subscribeRequest is the first frame written on a subscription stream.
type subscribeRequest struct {
	Channel string
}

// Message is one pubsub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// ErrorData is the payload published on the error channel when an error is
// pushed to a driver.
type ErrorData struct {
	DriverID structs.DriverID
	Type     string
	Message  string
	Data     map[string]string
}

// Subscription is a running pubsub subscription. Messages arrive on C until
// the connection drops, at which point C is closed without error — the
// runtime's background subscribers exit silently on disconnect.
type Subscription struct {
	C <-chan Message

	stream net.Conn
	doneCh chan struct{}
	once   sync.Once
}

// Close tears down the subscription stream.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.doneCh)
		s.stream.Close()
	})
}

// Client is a connection to the control plane.
type Client struct {
	logger hclog.Logger
	conn   *rpcutil.Conn
}

// Connect dials the control plane's socket.
func Connect(socketPath string, logger hclog.Logger) (*Client, error) {
	logger = logger.Named("control_plane")
	conn, err := rpcutil.Dial(socketPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control plane: %w", err)
	}
	return &Client{logger: logger, conn: conn}, nil
}

// SetIfAbsent atomically sets key to value if the key has no value yet,
// reporting whether this caller won the claim.
func (c *Client) SetIfAbsent(key, value []byte) (bool, error) {
	req := SetIfAbsentRequest{Key: key, Value: value}
	var resp SetIfAbsentResponse
	if err := c.conn.Call("ControlPlane.SetIfAbsent", &req, &resp); err != nil {
		return false, err
	}
	return resp.Set, nil
}

// Set writes a plain key.
func (c *Client) Set(key, value []byte) error {
	var resp Empty
	return c.conn.Call("ControlPlane.Set", &KVRequest{Key: key, Value: value}, &resp)
}

// Get reads a plain key.
func (c *Client) Get(key []byte) ([]byte, bool, error) {
	var resp KVResponse
	if err := c.conn.Call("ControlPlane.Get", &KVRequest{Key: key}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Exists, nil
}

// Exists reports whether a key holds any value.
func (c *Client) Exists(key []byte) (bool, error) {
	var resp KVResponse
	if err := c.conn.Call("ControlPlane.Exists", &KVRequest{Key: key}, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// HashSet merges fields into a hash key.
func (c *Client) HashSet(key []byte, fields map[string][]byte) error {
	var resp Empty
	return c.conn.Call("ControlPlane.HashSet", &HashSetRequest{Key: key, Fields: fields}, &resp)
}

// HashGetAll reads every field of a hash key.
func (c *Client) HashGetAll(key []byte) (map[string][]byte, error) {
	var resp HashGetAllResponse
	if err := c.conn.Call("ControlPlane.HashGetAll", &KVRequest{Key: key}, &resp); err != nil {
		return nil, err
	}
	return resp.Fields, nil
}

// ListPush appends a value to a list key.
func (c *Client) ListPush(key, value []byte) error {
	var resp Empty
	return c.conn.Call("ControlPlane.ListPush", &ListPushRequest{Key: key, Value: value}, &resp)
}

// ListRange reads a range of a list key.
func (c *Client) ListRange(key []byte, start, stop int) ([][]byte, error) {
	var resp ListRangeResponse
	if err := c.conn.Call("ControlPlane.ListRange", &ListRangeRequest{Key: key, Start: start, Stop: stop}, &resp); err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// ZRange reads a rank range of a sorted set key.
func (c *Client) ZRange(key []byte, start, stop int) ([][]byte, error) {
	var resp ZRangeResponse
	if err := c.conn.Call("ControlPlane.ZRange", &ZRangeRequest{Key: key, Start: start, Stop: stop}, &resp); err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// Publish broadcasts a payload to every subscriber of a channel.
func (c *Client) Publish(channel string, payload []byte) error {
	var resp Empty
	return c.conn.Call("ControlPlane.Publish", &PublishRequest{Channel: channel, Payload: payload}, &resp)
}

// Subscribe opens a pubsub subscription on its own stream. Deliveries
// published after Subscribe returns are guaranteed to arrive on C.
func (c *Client) Subscribe(channel string) (*Subscription, error) {
	stream, err := c.conn.OpenStream(rpcutil.StreamSubscribe)
	if err != nil {
		return nil, err
	}

	enc := codec.NewEncoder(stream, structs.MsgpackHandle)
	if err := enc.Encode(&subscribeRequest{Channel: channel}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	// The server acks the subscription so deliveries cannot race the
	// subscribe frame.
	dec := codec.NewDecoder(stream, structs.MsgpackHandle)
	var ack Empty
	if err := dec.Decode(&ack); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	ch := make(chan Message, 64)
	sub := &Subscription{C: ch, stream: stream, doneCh: make(chan struct{})}
	go func() {
		defer close(ch)
		for {
			var msg Message
			if err := dec.Decode(&msg); err != nil {
				// Connection dropped; exit without noise.
				return
			}
			select {
			case ch <- msg:
			case <-sub.doneCh:
				return
			}
		}
	}()
	return sub, nil
}

// PushErrorToDriver records an error for a driver and publishes it on the
// error channel. The all-zero wildcard id (structs.WildcardDriverID)
// addresses all drivers.
func (c *Client) PushErrorToDriver(driverID structs.DriverID, errType, message string, data map[string]string) error {
	errorID := structs.RandomID()
	key := structs.ErrorKey(driverID, errorID)

	fields := map[string][]byte{
		"type":    []byte(errType),
		"message": []byte(message),
	}
	for k, v := range data {
		fields["data:"+k] = []byte(v)
	}
	if err := c.HashSet(key, fields); err != nil {
		return err
	}
	if err := c.ListPush([]byte(structs.ErrorKeysList), key); err != nil {
		return err
	}

	payload, err := EncodeErrorData(&ErrorData{
		DriverID: driverID,
		Type:     errType,
		Message:  message,
		Data:     data,
	})
	if err != nil {
		return err
	}
	return c.Publish(structs.ErrorChannel, payload)
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	return c.conn.Close()
}

// EncodeErrorData renders an error event for the wire.
func EncodeErrorData(e *ErrorData) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, structs.MsgpackHandle).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeErrorData parses an error event from the wire.
func DecodeErrorData(b []byte) (*ErrorData, error) {
	var e ErrorData
	if err := codec.NewDecoder(bytes.NewReader(b), structs.MsgpackHandle).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
