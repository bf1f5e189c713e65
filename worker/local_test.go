// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"fmt"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/photon/funcmanager"
	"github.com/hashicorp/photon/helper/testlog"
	"github.com/hashicorp/photon/structs"
)

func testLocalWorker(t *testing.T) *Worker {
	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	config.LocalMode = true

	w := New(config.Logger)
	must.NoError(t, w.Connect(config))
	t.Cleanup(func() { w.Disconnect() })
	return w
}

func TestLocal_PutGetIdentity(t *testing.T) {
	w := testLocalWorker(t)

	// Values round-trip by identity: no serialization happens, so even a
	// pointer comes back unchanged.
	type payload struct{ n int }
	v := &payload{n: 7}

	id, err := w.Put(v)
	must.NoError(t, err)

	values, err := w.Get([]structs.ObjectID{id})
	must.NoError(t, err)
	must.True(t, values[0].(*payload) == v)
}

func TestLocal_SubmitRunsSynchronously(t *testing.T) {
	ran := false
	syncFn, err := NewRemoteFunction("local_test", "sync_fn",
		func(args []interface{}) ([]interface{}, error) {
			ran = true
			return []interface{}{args[0]}, nil
		}, RemoteOptions{})
	must.NoError(t, err)

	w := testLocalWorker(t)

	ids, err := syncFn.Remote(w, "value")
	must.NoError(t, err)

	// The body already ran by the time Remote returned.
	must.True(t, ran)

	values, err := w.Get(ids)
	must.NoError(t, err)
	must.Eq(t, "value", values[0])
}

func TestLocal_WaitTrivial(t *testing.T) {
	w := testLocalWorker(t)

	ids := make([]structs.ObjectID, 5)
	for i := range ids {
		id, err := w.Put(i)
		must.NoError(t, err)
		ids[i] = id
	}

	ready, remaining, err := w.Wait(ids, 3, 1000)
	must.NoError(t, err)
	must.Eq(t, ids[:3], ready)
	must.Eq(t, ids[3:], remaining)
}

func TestLocal_TaskFailure(t *testing.T) {
	failing, err := NewRemoteFunction("local_test", "local_boom",
		func(args []interface{}) ([]interface{}, error) {
			return nil, fmt.Errorf("local boom")
		}, RemoteOptions{})
	must.NoError(t, err)

	w := testLocalWorker(t)

	ids, err := failing.Remote(w)
	must.NoError(t, err)

	_, err = w.Get(ids)
	te, ok := err.(*structs.TaskError)
	must.True(t, ok)
	must.StrContains(t, te.Traceback, "local boom")
}

func TestLocal_Actor(t *testing.T) {
	type counter struct{ n int }

	class, err := NewActorClass("local_test", "LocalCounter",
		func(args []interface{}) (interface{}, error) {
			return &counter{}, nil
		},
		map[string]funcmanager.ActorMethod{
			"inc": func(instance interface{}, args []interface{}) ([]interface{}, error) {
				c := instance.(*counter)
				c.n++
				return []interface{}{c.n}, nil
			},
		}, RemoteOptions{})
	must.NoError(t, err)

	w := testLocalWorker(t)

	h, err := class.Remote(w)
	must.NoError(t, err)

	var last []structs.ObjectID
	for i := 0; i < 3; i++ {
		last, err = h.Call("inc", 1)
		must.NoError(t, err)
	}

	values, err := w.Get(last)
	must.NoError(t, err)
	must.Eq(t, 3, values[0])
}

func TestLocal_ResourceIntrospectionFails(t *testing.T) {
	w := testLocalWorker(t)

	_, err := w.GetGPUIDs()
	must.ErrorIs(t, err, errNoResourceIDsInLocalMode)
	_, err = w.GetResourceIDs()
	must.ErrorIs(t, err, errNoResourceIDsInLocalMode)
}

func TestInit_ReinitHandling(t *testing.T) {
	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	config.LocalMode = true

	w, err := Init(config)
	must.NoError(t, err)
	t.Cleanup(func() { Shutdown() })
	must.True(t, IsInitialized())

	// A second Init fails by default.
	_, err = Init(config)
	must.ErrorIs(t, err, structs.ErrAlreadyConnected)

	// With IgnoreReinitError it degrades to a no-op returning the
	// existing worker.
	again := DefaultConfig()
	again.Logger = testlog.HCLogger(t)
	again.LocalMode = true
	again.IgnoreReinitError = true
	w2, err := Init(again)
	must.NoError(t, err)
	must.True(t, w == w2)

	// Shutdown twice is safe, and a fresh Init works afterwards.
	must.NoError(t, Shutdown())
	must.NoError(t, Shutdown())
	must.False(t, IsInitialized())

	_, err = Init(config)
	must.NoError(t, err)
	must.NoError(t, Shutdown())
}
