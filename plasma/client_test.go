// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package plasma_test

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/photon/helper/testlog"
	"github.com/hashicorp/photon/plasma"
	"github.com/hashicorp/photon/structs"
	"github.com/hashicorp/photon/testutil"
)

func testClient(t *testing.T) (*plasma.Client, *testutil.Cluster) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	client, err := plasma.Connect(c.PlasmaSocket, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(func() { client.Disconnect() })
	return client, c
}

func TestClient_PutGet(t *testing.T) {
	client, _ := testClient(t)

	id := structs.RandomID()
	must.NoError(t, client.Put(id, []byte("payload"), 12))

	values, err := client.Get([]structs.ObjectID{id}, 0)
	must.NoError(t, err)
	must.Eq(t, []byte("payload"), values[0])
}

func TestClient_PutDuplicate(t *testing.T) {
	client, _ := testClient(t)

	id := structs.RandomID()
	must.NoError(t, client.Put(id, []byte("a"), 1))
	must.ErrorIs(t, client.Put(id, []byte("b"), 1), plasma.ErrObjectExists)

	// The first payload wins; duplicates are not compared.
	values, err := client.Get([]structs.ObjectID{id}, 0)
	must.NoError(t, err)
	must.Eq(t, []byte("a"), values[0])
}

func TestClient_GetMissingIsNil(t *testing.T) {
	client, _ := testClient(t)

	stored := structs.RandomID()
	must.NoError(t, client.Put(stored, []byte("here"), 1))
	missing := structs.RandomID()

	values, err := client.Get([]structs.ObjectID{missing, stored}, 0)
	must.NoError(t, err)
	must.Nil(t, values[0])
	must.Eq(t, []byte("here"), values[1])
}

func TestClient_GetBlocksUntilPut(t *testing.T) {
	client, cluster := testClient(t)

	id := structs.RandomID()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cluster.Plasma.Store(id, []byte("late"))
	}()

	values, err := client.Get([]structs.ObjectID{id}, 5000)
	must.NoError(t, err)
	must.Eq(t, []byte("late"), values[0])
}

func TestClient_Contains(t *testing.T) {
	client, _ := testClient(t)

	id := structs.RandomID()
	ok, err := client.Contains(id)
	must.NoError(t, err)
	must.False(t, ok)

	must.NoError(t, client.Put(id, []byte("x"), 1))
	ok, err = client.Contains(id)
	must.NoError(t, err)
	must.True(t, ok)
}
