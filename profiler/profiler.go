// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package profiler records span-style profile events in the worker and
// flushes them to the control plane on a period. Profiling has no
// correctness role; when disabled, the noop recorder stands in.
package profiler

import (
	"bytes"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/hashicorp/photon/controlplane"
	"github.com/hashicorp/photon/structs"
)

// DefaultFlushPeriod is how often buffered events flush to the control
// plane.
const DefaultFlushPeriod = 1 * time.Second

// profileListPrefix keys the per-worker profile event list.
const profileListPrefix = "Profiles:"

// Event is one completed profile span.
type Event struct {
	EventType string
	StartTime int64
	EndTime   int64
	Extra     map[string]string
}

// Span is an open profile event; End closes and records it.
type Span struct {
	recorder Recorder
	event    *Event
	start    time.Time
}

// End closes the span.
func (s *Span) End() {
	if s == nil || s.recorder == nil {
		return
	}
	s.event.EndTime = time.Now().UnixNano()
	metrics.MeasureSince([]string{"photon", "profile", s.event.EventType}, s.start)
	s.recorder.record(s.event)
}

// Recorder is the profiling surface the worker consumes.
type Recorder interface {
	// Profile opens a span for the given event type.
	Profile(eventType string, extra map[string]string) *Span

	// Start launches the background flush; Stop flushes once more and
	// halts it.
	Start()
	Stop()

	record(e *Event)
}

// Profiler buffers spans and flushes them on a period.
type Profiler struct {
	logger      hclog.Logger
	cp          *controlplane.Client
	workerID    structs.ClientID
	flushPeriod time.Duration

	mu     sync.Mutex
	events []*Event

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New builds a profiler bound to the control plane.
func New(cp *controlplane.Client, workerID structs.ClientID, logger hclog.Logger) *Profiler {
	return &Profiler{
		logger:      logger.Named("profiler"),
		cp:          cp,
		workerID:    workerID,
		flushPeriod: DefaultFlushPeriod,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Profile opens a span.
func (p *Profiler) Profile(eventType string, extra map[string]string) *Span {
	now := time.Now()
	return &Span{
		recorder: p,
		start:    now,
		event: &Event{
			EventType: eventType,
			StartTime: now.UnixNano(),
			Extra:     extra,
		},
	}
}

func (p *Profiler) record(e *Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Start launches the periodic flush goroutine.
func (p *Profiler) Start() {
	go p.flushLoop()
}

// Stop halts the flush goroutine after one final flush.
func (p *Profiler) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		<-p.doneCh
	})
}

func (p *Profiler) flushLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.flushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flush()
		case <-p.stopCh:
			p.flush()
			return
		}
	}
}

func (p *Profiler) flush() {
	p.mu.Lock()
	events := p.events
	p.events = nil
	p.mu.Unlock()
	if len(events) == 0 {
		return
	}

	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, structs.MsgpackHandle).Encode(events); err != nil {
		p.logger.Error("failed to encode profile events", "error", err)
		return
	}

	key := append([]byte(profileListPrefix), p.workerID[:]...)
	if err := p.cp.ListPush(key, buf.Bytes()); err != nil {
		// The control plane may be gone during shutdown; profiling is
		// best effort.
		p.logger.Debug("failed to flush profile events", "count", len(events), "error", err)
	}
}

// Noop is the recorder used when profiling is disabled.
type Noop struct{}

// Profile returns an inert span.
func (Noop) Profile(string, map[string]string) *Span { return nil }

// Start is a no-op.
func (Noop) Start() {}

// Stop is a no-op.
func (Noop) Stop() {}

func (Noop) record(*Event) {}
