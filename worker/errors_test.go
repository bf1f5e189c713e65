// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"sync"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/hashicorp/photon/helper/testlog"
	"github.com/hashicorp/photon/structs"
	"github.com/hashicorp/photon/testutil"
)

// captureSink collects log lines emitted through an intercept logger.
type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *captureSink) Accept(name string, level hclog.Level, msg string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, msg)
}

func (s *captureSink) count(msg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.lines {
		if l == msg {
			n++
		}
	}
	return n
}

// shortenGrace swaps the suppression window for a test and returns the
// restore function.
func shortenGrace(d time.Duration) func() {
	old := uncaughtErrorGracePeriod
	uncaughtErrorGracePeriod = d
	return func() { uncaughtErrorGracePeriod = old }
}

func TestErrorPipeline_PrintsTaskErrors(t *testing.T) {
	logger := testlog.HCLogger(t)
	sink := &captureSink{}
	logger.RegisterSink(sink)

	// Shrink the grace period so the printer fires within the test.
	restore := shortenGrace(20 * time.Millisecond)
	defer restore()

	c := testutil.StartCluster(t, logger)
	driver := testDriver(t, c, func(cfg *Config) {
		cfg.Logger = logger
	})

	must.NoError(t, driver.cp.PushErrorToDriver(driver.WorkerID(),
		structs.ErrTypeTaskPush, "synthetic failure", nil))

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool {
			return sink.count("possible unhandled error from worker") == 1
		}),
		wait.Timeout(5*time.Second),
		wait.Gap(10*time.Millisecond),
	))
}

func TestErrorPipeline_SuppressesAfterSynchronousRaise(t *testing.T) {
	logger := testlog.HCLogger(t)
	sink := &captureSink{}
	logger.RegisterSink(sink)

	restore := shortenGrace(50 * time.Millisecond)
	defer restore()

	c := testutil.StartCluster(t, logger)
	driver := testDriver(t, c, func(cfg *Config) {
		cfg.Logger = logger
	})

	// A synchronous raise from Get just happened; the background copy of
	// the same failure must be swallowed.
	driver.lastTaskErrorRaise.Store(time.Now().UnixNano())
	must.NoError(t, driver.cp.PushErrorToDriver(driver.WorkerID(),
		structs.ErrTypeTaskPush, "already raised", nil))

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool {
			return sink.count("suppressing error from worker") == 1
		}),
		wait.Timeout(5*time.Second),
		wait.Gap(10*time.Millisecond),
	))
	must.Eq(t, 0, sink.count("possible unhandled error from worker"))
}

func TestErrorPipeline_FiltersOtherDrivers(t *testing.T) {
	logger := testlog.HCLogger(t)
	sink := &captureSink{}
	logger.RegisterSink(sink)

	restore := shortenGrace(20 * time.Millisecond)
	defer restore()

	c := testutil.StartCluster(t, logger)
	driver := testDriver(t, c, func(cfg *Config) {
		cfg.Logger = logger
	})

	// Addressed to a different driver: never surfaced here.
	must.NoError(t, driver.cp.PushErrorToDriver(structs.RandomID(),
		structs.ErrTypeTaskPush, "not ours", nil))

	// Addressed to the wildcard: surfaced.
	must.NoError(t, driver.cp.PushErrorToDriver(structs.WildcardDriverID(),
		structs.ErrTypeTaskPush, "broadcast", nil))

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool {
			return sink.count("possible unhandled error from worker") == 1
		}),
		wait.Timeout(5*time.Second),
		wait.Gap(10*time.Millisecond),
	))
}

func TestErrorPipeline_NonTaskErrorsPrintImmediately(t *testing.T) {
	logger := testlog.HCLogger(t)
	sink := &captureSink{}
	logger.RegisterSink(sink)

	c := testutil.StartCluster(t, logger)
	driver := testDriver(t, c, func(cfg *Config) {
		cfg.Logger = logger
	})

	must.NoError(t, driver.cp.PushErrorToDriver(driver.WorkerID(),
		structs.ErrTypeVersionMismatch, "something else broke", nil))

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool {
			return sink.count("something else broke") == 1
		}),
		wait.Timeout(5*time.Second),
		wait.Gap(10*time.Millisecond),
	))
}

func TestErrorInfo_ListsDriverErrors(t *testing.T) {
	c := testutil.StartCluster(t, testlog.HCLogger(t))
	driver := testDriver(t, c, nil)

	must.NoError(t, driver.cp.PushErrorToDriver(driver.WorkerID(),
		structs.ErrTypeTaskPush, "recorded", nil))
	must.NoError(t, driver.cp.PushErrorToDriver(structs.RandomID(),
		structs.ErrTypeTaskPush, "foreign", nil))

	msgs, err := driver.ErrorInfo()
	must.NoError(t, err)
	must.Eq(t, []string{"recorded"}, msgs)
}
