// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/hashicorp/photon/funcmanager"
	"github.com/hashicorp/photon/helper/testlog"
	"github.com/hashicorp/photon/structs"
	"github.com/hashicorp/photon/testutil"
)

func testClusterConfig(t *testing.T, c *testutil.Cluster, mode Mode) *Config {
	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	config.Mode = mode
	config.NodeIPAddress = "127.0.0.1"
	config.ControlPlaneSocket = c.ControlPlaneSocket
	config.PlasmaSocket = c.PlasmaSocket
	config.RayletSocket = c.RayletSocket
	return config
}

// testDriver connects a SCRIPT mode worker to the cluster.
func testDriver(t *testing.T, c *testutil.Cluster, modify func(*Config)) *Worker {
	config := testClusterConfig(t, c, ModeScript)
	if modify != nil {
		modify(config)
	}
	w := New(config.Logger)
	must.NoError(t, w.Connect(config))
	t.Cleanup(func() { w.Disconnect() })
	return w
}

// testExecutor connects a WORKER mode worker and runs its main loop.
func testExecutor(t *testing.T, c *testutil.Cluster) *Worker {
	config := testClusterConfig(t, c, ModeWorker)
	w := New(config.Logger)
	must.NoError(t, w.Connect(config))
	go w.Run()
	t.Cleanup(func() { w.Disconnect() })
	return w
}

func TestWorker_PutGet(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	id, err := driver.Put(42)
	must.NoError(t, err)

	values, err := driver.Get([]structs.ObjectID{id})
	must.NoError(t, err)
	must.Len(t, 1, values)
	must.Eq(t, int64(42), values[0].(int64))
}

func TestWorker_PutRejectsObjectID(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	_, err := driver.Put(structs.RandomID())
	must.ErrorIs(t, err, errPutObjectID)
}

func TestWorker_PutDuplicateIsIdempotent(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	id, err := driver.Put("first")
	must.NoError(t, err)

	// A duplicate write under the same id succeeds without comparing
	// payloads.
	must.NoError(t, driver.putObject(id, "second"))

	values, err := driver.Get([]structs.ObjectID{id})
	must.NoError(t, err)
	must.Eq(t, "first", values[0])
}

func TestWorker_SubmitAndGet(t *testing.T) {
	double, err := NewRemoteFunction("worker_test", "double",
		func(args []interface{}) ([]interface{}, error) {
			return []interface{}{args[0].(int64) * 2}, nil
		}, RemoteOptions{})
	must.NoError(t, err)

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)
	testExecutor(t, c)

	ids, err := double.Remote(driver, 21)
	must.NoError(t, err)
	must.Len(t, 1, ids)

	values, err := driver.Get(ids)
	must.NoError(t, err)
	must.Eq(t, int64(42), values[0].(int64))
}

func TestWorker_SubmitChained(t *testing.T) {
	inc, err := NewRemoteFunction("worker_test", "inc",
		func(args []interface{}) ([]interface{}, error) {
			return []interface{}{args[0].(int64) + 1}, nil
		}, RemoteOptions{})
	must.NoError(t, err)

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)
	testExecutor(t, c)

	// Results feed the next submission by reference; the scheduler
	// dispatches each task once its argument exists.
	ids, err := inc.Remote(driver, 0)
	must.NoError(t, err)
	for i := 0; i < 4; i++ {
		ids, err = inc.Remote(driver, ids[0])
		must.NoError(t, err)
	}

	values, err := driver.Get(ids)
	must.NoError(t, err)
	must.Eq(t, int64(5), values[0].(int64))
}

func TestWorker_SubmitSpillsLargeArgs(t *testing.T) {
	echo, err := NewRemoteFunction("worker_test", "echo",
		func(args []interface{}) ([]interface{}, error) {
			return []interface{}{args[0]}, nil
		}, RemoteOptions{})
	must.NoError(t, err)

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)
	testExecutor(t, c)

	large := strings.Repeat("x", 4096)
	ids, err := echo.Remote(driver, large)
	must.NoError(t, err)

	values, err := driver.Get(ids)
	must.NoError(t, err)
	must.Eq(t, large, values[0].(string))
}

func TestWorker_MultipleReturns(t *testing.T) {
	divmod, err := NewRemoteFunction("worker_test", "divmod",
		func(args []interface{}) ([]interface{}, error) {
			a, b := args[0].(int64), args[1].(int64)
			return []interface{}{a / b, a % b}, nil
		}, RemoteOptions{NumReturns: 2})
	must.NoError(t, err)

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)
	testExecutor(t, c)

	ids, err := divmod.Remote(driver, 17, 5)
	must.NoError(t, err)
	must.Len(t, 2, ids)

	values, err := driver.Get(ids)
	must.NoError(t, err)
	must.Eq(t, int64(3), values[0].(int64))
	must.Eq(t, int64(2), values[1].(int64))
}

func TestWorker_TaskFailure(t *testing.T) {
	boom, err := NewRemoteFunction("worker_test", "boom_fn",
		func(args []interface{}) ([]interface{}, error) {
			return nil, fmt.Errorf("boom")
		}, RemoteOptions{NumReturns: 2})
	must.NoError(t, err)

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)
	testExecutor(t, c)

	ids, err := boom.Remote(driver)
	must.NoError(t, err)
	must.Len(t, 2, ids)

	// Every output carries the same failure.
	for _, id := range ids {
		_, err := driver.Get([]structs.ObjectID{id})
		must.Error(t, err)
		te, ok := err.(*structs.TaskError)
		must.True(t, ok)
		must.Eq(t, "boom_fn", te.FunctionName)
		must.StrContains(t, te.Traceback, "boom")
	}
}

func TestWorker_TaskPanicBecomesFailure(t *testing.T) {
	panics, err := NewRemoteFunction("worker_test", "panics",
		func(args []interface{}) ([]interface{}, error) {
			panic("exploded")
		}, RemoteOptions{})
	must.NoError(t, err)

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)
	testExecutor(t, c)

	ids, err := panics.Remote(driver)
	must.NoError(t, err)

	_, err = driver.Get(ids)
	te, ok := err.(*structs.TaskError)
	must.True(t, ok)
	must.StrContains(t, te.Traceback, "exploded")
}

func TestWorker_FailurePropagatesThroughArguments(t *testing.T) {
	fails, err := NewRemoteFunction("worker_test", "fails",
		func(args []interface{}) ([]interface{}, error) {
			return nil, fmt.Errorf("upstream broke")
		}, RemoteOptions{})
	must.NoError(t, err)
	consume, err := NewRemoteFunction("worker_test", "consume",
		func(args []interface{}) ([]interface{}, error) {
			return []interface{}{"ran"}, nil
		}, RemoteOptions{})
	must.NoError(t, err)

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)
	testExecutor(t, c)

	upstream, err := fails.Remote(driver)
	must.NoError(t, err)

	// The dependent task fails without executing, carrying the upstream
	// error.
	downstream, err := consume.Remote(driver, upstream[0])
	must.NoError(t, err)

	_, err = driver.Get(downstream)
	te, ok := err.(*structs.TaskError)
	must.True(t, ok)
	must.StrContains(t, te.Traceback, "upstream broke")
}

func TestWorker_WaitOrdering(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	ids := make([]structs.ObjectID, 50)
	for i := range ids {
		id, err := driver.Put(i)
		must.NoError(t, err)
		ids[i] = id
	}

	ready, remaining, err := driver.Wait(ids, 20, 10_000)
	must.NoError(t, err)
	must.Len(t, 20, ready)
	must.Eq(t, 30, len(remaining))

	// Everything was already ready, so the partition preserves prefix
	// order: ready is exactly the first 20 ids and remaining the rest.
	must.Eq(t, ids[:20], ready)
	must.Eq(t, ids[20:], remaining)
}

func TestWorker_WaitValidation(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	id, err := driver.Put("v")
	must.NoError(t, err)

	_, _, err = driver.Wait([]structs.ObjectID{id, id}, 1, 1000)
	must.Error(t, err)

	_, _, err = driver.Wait([]structs.ObjectID{id}, 0, 1000)
	must.Error(t, err)

	_, _, err = driver.Wait([]structs.ObjectID{id}, 2, 1000)
	must.Error(t, err)

	ready, remaining, err := driver.Wait(nil, 1, 1000)
	must.NoError(t, err)
	must.Len(t, 0, ready)
	must.Len(t, 0, remaining)
}

func TestWorker_WaitTimeout(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	stored, err := driver.Put("present")
	must.NoError(t, err)
	missing := structs.RandomID()

	ready, remaining, err := driver.Wait([]structs.ObjectID{missing, stored}, 2, 100)
	must.NoError(t, err)
	must.Eq(t, []structs.ObjectID{stored}, ready)
	must.Eq(t, []structs.ObjectID{missing}, remaining)
}

func TestWorker_GetWorkerDied(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	// Garbage bytes in the store stand in for a producer killed
	// mid-write.
	id := structs.RandomID()
	c.Plasma.Store(id, []byte{0xc1})

	_, err := driver.Get([]structs.ObjectID{id})
	te, ok := err.(*structs.TaskError)
	must.True(t, ok)
	must.StrContains(t, te.Traceback, "worker died or was killed")
}

func TestWorker_ActorCounter(t *testing.T) {
	type counter struct{ n int64 }

	class, err := NewActorClass("worker_test", "Counter",
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

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)
	testExecutor(t, c)

	h, err := class.Remote(driver)
	must.NoError(t, err)

	// Methods execute in submission order on one worker; only the last
	// result is fetched.
	var last []structs.ObjectID
	for i := 0; i < 3; i++ {
		last, err = h.Call("inc", 1)
		must.NoError(t, err)
	}

	values, err := driver.Get(last)
	must.NoError(t, err)
	must.Eq(t, int64(3), values[0].(int64))
}

func TestWorker_ActorMethodFailureDoesNotWedge(t *testing.T) {
	type flaky struct{ n int64 }

	class, err := NewActorClass("worker_test", "Flaky",
		func(args []interface{}) (interface{}, error) {
			return &flaky{}, nil
		},
		map[string]funcmanager.ActorMethod{
			"step": func(instance interface{}, args []interface{}) ([]interface{}, error) {
				f := instance.(*flaky)
				f.n++
				if f.n == 2 {
					return nil, fmt.Errorf("hiccup")
				}
				return []interface{}{f.n}, nil
			},
		}, RemoteOptions{})
	must.NoError(t, err)

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)
	testExecutor(t, c)

	h, err := class.Remote(driver)
	must.NoError(t, err)

	first, err := h.Call("step", 1)
	must.NoError(t, err)
	second, err := h.Call("step", 1)
	must.NoError(t, err)
	third, err := h.Call("step", 1)
	must.NoError(t, err)

	values, err := driver.Get(first)
	must.NoError(t, err)
	must.Eq(t, int64(1), values[0].(int64))

	// The second call failed on its own, but the chain advanced and the
	// third call still ran.
	_, err = driver.Get(second)
	must.Error(t, err)
	must.StrContains(t, err.(*structs.TaskError).Traceback, "hiccup")

	values, err = driver.Get(third)
	must.NoError(t, err)
	must.Eq(t, int64(3), values[0].(int64))
}

func TestWorker_ActorInitFailurePoisonsMethods(t *testing.T) {
	class, err := NewActorClass("worker_test", "Broken",
		func(args []interface{}) (interface{}, error) {
			return nil, fmt.Errorf("init exploded")
		},
		map[string]funcmanager.ActorMethod{
			"m": func(instance interface{}, args []interface{}) ([]interface{}, error) {
				return []interface{}{"ran"}, nil
			},
		}, RemoteOptions{})
	must.NoError(t, err)

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)
	testExecutor(t, c)

	h, err := class.Remote(driver)
	must.NoError(t, err)

	// Every method on the poisoned actor re-raises the creation error.
	for i := 0; i < 2; i++ {
		ids, err := h.Call("m", 1)
		must.NoError(t, err)
		_, err = driver.Get(ids)
		te, ok := err.(*structs.TaskError)
		must.True(t, ok)
		must.StrContains(t, te.Traceback, "init exploded")
	}
}

func TestWorker_ActorDefaultResources(t *testing.T) {
	// No resources declared: creation takes nothing, methods one CPU.
	simple, err := NewActorClass("worker_test", "Simple", func([]interface{}) (interface{}, error) {
		return struct{}{}, nil
	}, nil, RemoteOptions{})
	must.NoError(t, err)
	must.Eq(t, structs.Resources{"CPU": 0}, simple.creationResources)
	must.Eq(t, float64(1), simple.methodCPUs)

	// Any resource declared: creation absorbs it, methods take none.
	gpus := float64(2)
	heavy, err := NewActorClass("worker_test", "Heavy", func([]interface{}) (interface{}, error) {
		return struct{}{}, nil
	}, nil, RemoteOptions{NumGPUs: &gpus})
	must.NoError(t, err)
	must.Eq(t, structs.Resources{"CPU": 1, "GPU": 2}, heavy.creationResources)
	must.Eq(t, float64(0), heavy.methodCPUs)
}

func TestWorker_RunFunctionOnAllWorkers(t *testing.T) {
	var runs atomic.Int64

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driverA := testDriver(t, c, nil)
	driverB := testDriver(t, c, nil)
	testExecutor(t, c)

	setup := func(structs.ClientID) error {
		runs.Add(1)
		return nil
	}

	must.NoError(t, driverA.RunFunctionOnAllWorkers("setup_once", setup))
	must.NoError(t, driverB.RunFunctionOnAllWorkers("setup_once", setup))

	// Both drivers ran it locally and the executor runs it via the
	// import subscription, exactly once each.
	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool { return runs.Load() == 3 }),
		wait.Timeout(5*time.Second),
		wait.Gap(10*time.Millisecond),
	))

	// Only one driver actually published the export.
	var exports int
	for _, key := range c.ControlPlane.List([]byte(structs.ExportsList)) {
		if strings.HasPrefix(string(key), "FunctionsToRun:") {
			exports++
		}
	}
	must.Eq(t, 1, exports)

	// Give the subscription a chance to deliver duplicates, then check
	// nothing re-ran.
	time.Sleep(100 * time.Millisecond)
	must.Eq(t, int64(3), runs.Load())
}

func TestWorker_MaxCallsRecyclesWorker(t *testing.T) {
	once, err := NewRemoteFunction("worker_test", "only_once",
		func(args []interface{}) ([]interface{}, error) {
			return []interface{}{"done"}, nil
		}, RemoteOptions{MaxCalls: 1})
	must.NoError(t, err)

	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	config := testClusterConfig(t, c, ModeWorker)
	w := New(config.Logger)
	must.NoError(t, w.Connect(config))
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run() }()
	t.Cleanup(func() { w.Disconnect() })

	ids, err := once.Remote(driver)
	must.NoError(t, err)
	values, err := driver.Get(ids)
	must.NoError(t, err)
	must.Eq(t, "done", values[0])

	// The worker exits its loop after hitting the call bound.
	select {
	case err := <-runDone:
		must.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after reaching max calls")
	}
}

func TestWorker_ThreadContext(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	id, err := driver.Put("from main")
	must.NoError(t, err)

	tc := driver.NewThreadContext()
	done := make(chan error, 1)
	go func() {
		values, err := tc.Get([]structs.ObjectID{id})
		if err == nil && values[0] != "from main" {
			err = fmt.Errorf("unexpected value %v", values[0])
		}
		done <- err
	}()
	must.NoError(t, <-done)
}

func TestWorker_DeterministicIDsWithSeed(t *testing.T) {
	run := func() []structs.ObjectID {
		c := testutil.StartCluster(t, testlog.HCLogger(t))
		seed := int64(1234)
		driver := testDriver(t, c, func(cfg *Config) {
			cfg.ObjectIDSeed = &seed
		})
		var ids []structs.ObjectID
		for i := 0; i < 5; i++ {
			id, err := driver.Put(i)
			must.NoError(t, err)
			ids = append(ids, id)
		}
		driver.Disconnect()
		return ids
	}

	must.Eq(t, run(), run())
}

func TestWorker_DisconnectIdempotent(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	must.NoError(t, driver.Disconnect())
	must.NoError(t, driver.Disconnect())
	must.False(t, driver.Connected())
	must.Eq(t, ModeNone, driver.Mode())

	_, err := driver.Put("after shutdown")
	must.ErrorIs(t, err, structs.ErrNotConnected)
}

func TestWorker_AttachRejectsBootstrapOptions(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))

	config := testClusterConfig(t, c, ModeScript)
	cpus := float64(4)
	config.NumCPUs = &cpus

	w := New(config.Logger)
	err := w.Connect(config)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "num_cpus")
}

func TestWorker_HugePagesRequiresPlasmaDirectory(t *testing.T) {
	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	config.LocalMode = true
	config.HugePages = true

	w := New(config.Logger)
	err := w.Connect(config)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "plasma_directory")
}

func TestWorker_SubmitResourceValidation(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	fd := structs.NewFunctionDescriptor(driver.WorkerID(), "worker_test", "", "anything")

	_, err := driver.SubmitTask(fd, nil, SubmitOptions{NumReturns: 1})
	must.Error(t, err)

	_, err = driver.SubmitTask(fd, nil, SubmitOptions{
		NumReturns: 1,
		Resources:  structs.Resources{"CPU": -1},
	})
	must.Error(t, err)

	_, err = driver.SubmitTask(fd, nil, SubmitOptions{
		NumReturns: 1,
		Resources:  structs.Resources{"CPU": 1.5},
	})
	must.Error(t, err)
}

func TestRemoteOptions_Validation(t *testing.T) {
	nop := func([]interface{}) ([]interface{}, error) { return nil, nil }

	_, err := NewRemoteFunction("worker_test", "bad1", nop, RemoteOptions{MaxReconstructions: 1})
	must.Error(t, err)

	_, err = NewRemoteFunction("worker_test", "bad2", nop, RemoteOptions{
		Resources: structs.Resources{"CPU": 1},
	})
	must.Error(t, err)

	_, err = NewActorClass("worker_test", "Bad3", func([]interface{}) (interface{}, error) {
		return nil, nil
	}, nil, RemoteOptions{MaxCalls: 3})
	must.Error(t, err)

	_, err = NewActorClass("worker_test", "Bad4", func([]interface{}) (interface{}, error) {
		return nil, nil
	}, nil, RemoteOptions{NumReturns: 2})
	must.Error(t, err)
}
