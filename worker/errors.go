// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"oss.indeed.com/go/libtime"

	"github.com/hashicorp/photon/controlplane"
	"github.com/hashicorp/photon/structs"
)

// errorQueueDepth bounds the buffer between the listener and the printer.
const errorQueueDepth = 64

// uncaughtErrorGracePeriod is how long a background task error is held
// before printing, giving a synchronous raise from Get the chance to
// suppress the duplicate. A variable so tests can shorten it.
var uncaughtErrorGracePeriod = time.Duration(defaultErrorGraceSecs) * time.Second

// queuedError pairs an error message with its arrival time.
type queuedError struct {
	message string
	at      time.Time
}

// errorPipeline is the driver-side pair of goroutines that surfaces
// task errors published on the control plane: a listener filtering the
// error channel into a bounded queue, and a printer draining it with the
// suppression window applied.
type errorPipeline struct {
	logger hclog.Logger
	worker *Worker
	cp     *controlplane.Client
	clock  libtime.Clock

	grace time.Duration
	queue chan queuedError

	sub    *controlplane.Subscription
	doneCh chan struct{}
}

func newErrorPipeline(w *Worker, cp *controlplane.Client, logger hclog.Logger) *errorPipeline {
	return &errorPipeline{
		logger: logger.Named("error_pipeline"),
		worker: w,
		cp:     cp,
		clock:  libtime.SystemClock(),
		grace:  uncaughtErrorGracePeriod,
		queue:  make(chan queuedError, errorQueueDepth),
		doneCh: make(chan struct{}),
	}
}

func (p *errorPipeline) start() error {
	sub, err := p.cp.Subscribe(structs.ErrorChannel)
	if err != nil {
		return err
	}
	p.sub = sub

	// Surface errors recorded before the subscription existed.
	if existing, err := p.worker.ErrorInfo(); err == nil {
		for _, msg := range existing {
			p.logger.Error(msg)
		}
	}

	go p.listen()
	go p.print()
	return nil
}

func (p *errorPipeline) stop() {
	if p.sub != nil {
		p.sub.Close()
	}
}

// listen filters the error channel down to this driver and routes task
// errors through the delayed queue. It exits silently when the control
// plane connection drops.
func (p *errorPipeline) listen() {
	defer close(p.doneCh)
	for msg := range p.sub.C {
		data, err := controlplane.DecodeErrorData(msg.Payload)
		if err != nil {
			p.logger.Error("failed to decode error event", "error", err)
			continue
		}
		if data.DriverID != p.worker.workerID && data.DriverID != structs.WildcardDriverID() {
			continue
		}

		if data.Type == structs.ErrTypeTaskPush {
			select {
			case p.queue <- queuedError{message: data.Message, at: p.clock.Now()}:
			default:
				// The printer is wedged; drop rather than block the
				// listener.
				p.logger.Warn("error queue full, dropping task error")
			}
		} else {
			p.logger.Error(data.Message)
		}
	}
}

// print drains the queue, delaying each message by the grace period so a
// near-simultaneous synchronous raise can suppress it.
func (p *errorPipeline) print() {
	for {
		var entry queuedError
		select {
		case entry = <-p.queue:
		case <-p.doneCh:
			return
		}

		for {
			wait := entry.at.Add(p.grace).Sub(p.clock.Now())
			if wait <= 0 {
				break
			}
			select {
			case <-time.After(wait):
			case <-p.doneCh:
				return
			}
		}
		select {
		case <-p.doneCh:
			return
		default:
		}

		lastRaise := time.Unix(0, p.worker.lastTaskErrorRaise.Load())
		if entry.at.Before(lastRaise.Add(p.grace)) {
			p.logger.Debug("suppressing error from worker", "error", entry.message)
		} else {
			p.logger.Error("possible unhandled error from worker", "error", entry.message)
		}
	}
}
