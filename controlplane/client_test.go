// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package controlplane_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/photon/controlplane"
	"github.com/hashicorp/photon/helper/testlog"
	"github.com/hashicorp/photon/structs"
	"github.com/hashicorp/photon/testutil"
)

func testClient(t *testing.T) (*controlplane.Client, *testutil.Cluster) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	client, err := controlplane.Connect(c.ControlPlaneSocket, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(func() { client.Disconnect() })
	return client, c
}

func TestClient_SetIfAbsent(t *testing.T) {
	client, _ := testClient(t)

	won, err := client.SetIfAbsent([]byte("lock"), []byte("1"))
	must.NoError(t, err)
	must.True(t, won)

	won, err = client.SetIfAbsent([]byte("lock"), []byte("2"))
	must.NoError(t, err)
	must.False(t, won)

	value, exists, err := client.Get([]byte("lock"))
	must.NoError(t, err)
	must.True(t, exists)
	must.Eq(t, []byte("1"), value)
}

func TestClient_HashOperations(t *testing.T) {
	client, _ := testClient(t)

	key := []byte("hash")
	must.NoError(t, client.HashSet(key, map[string][]byte{"a": []byte("1")}))
	must.NoError(t, client.HashSet(key, map[string][]byte{"b": []byte("2")}))

	fields, err := client.HashGetAll(key)
	must.NoError(t, err)
	must.Eq(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, fields)
}

func TestClient_ListOperations(t *testing.T) {
	client, _ := testClient(t)

	key := []byte("list")
	for i := 0; i < 5; i++ {
		must.NoError(t, client.ListPush(key, []byte(fmt.Sprintf("v%d", i))))
	}

	all, err := client.ListRange(key, 0, -1)
	must.NoError(t, err)
	must.Len(t, 5, all)
	must.Eq(t, []byte("v0"), all[0])

	tail, err := client.ListRange(key, 3, -1)
	must.NoError(t, err)
	must.Eq(t, [][]byte{[]byte("v3"), []byte("v4")}, tail)
}

func TestClient_ZRange(t *testing.T) {
	client, c := testClient(t)

	key := []byte("clients")
	c.ControlPlane.ZAdd(key, []byte("raylet-1"))
	c.ControlPlane.ZAdd(key, []byte("raylet-2"))

	members, err := client.ZRange(key, 0, -1)
	must.NoError(t, err)
	must.Eq(t, [][]byte{[]byte("raylet-1"), []byte("raylet-2")}, members)
}

func TestClient_PubSub(t *testing.T) {
	client, _ := testClient(t)

	sub, err := client.Subscribe("events")
	must.NoError(t, err)
	t.Cleanup(sub.Close)

	must.NoError(t, client.Publish("events", []byte("hello")))
	must.NoError(t, client.Publish("other", []byte("not for us")))

	select {
	case msg := <-sub.C:
		must.Eq(t, "events", msg.Channel)
		must.Eq(t, []byte("hello"), msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	// Nothing from the other channel leaks in.
	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected delivery: %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_SubscriptionClosesOnDisconnect(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	client, err := controlplane.Connect(c.ControlPlaneSocket, testlog.HCLogger(t))
	must.NoError(t, err)

	sub, err := client.Subscribe("events")
	must.NoError(t, err)

	// Dropping the connection closes the stream; the subscription channel
	// closes silently.
	must.NoError(t, client.Disconnect())
	select {
	case _, ok := <-sub.C:
		must.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not close")
	}
}

func TestClient_PushErrorToDriver(t *testing.T) {
	client, c := testClient(t)

	driverID := structs.RandomID()
	sub, err := client.Subscribe(structs.ErrorChannel)
	must.NoError(t, err)
	t.Cleanup(sub.Close)

	must.NoError(t, client.PushErrorToDriver(driverID, structs.ErrTypeTaskPush,
		"it broke", map[string]string{"function_name": "f"}))

	// The error key landed on the list and its hash holds the message.
	keys := c.ControlPlane.List([]byte(structs.ErrorKeysList))
	must.Len(t, 1, keys)
	must.True(t, structs.ErrorKeyAppliesTo(keys[0], driverID))
	fields := c.ControlPlane.Hash(keys[0])
	must.Eq(t, []byte("it broke"), fields["message"])

	// And the event went out on the channel.
	select {
	case msg := <-sub.C:
		data, err := controlplane.DecodeErrorData(msg.Payload)
		must.NoError(t, err)
		must.Eq(t, driverID, data.DriverID)
		must.Eq(t, structs.ErrTypeTaskPush, data.Type)
		must.Eq(t, "it broke", data.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
}
