// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/hashicorp/photon/plasma"
	"github.com/hashicorp/photon/serializer"
	"github.com/hashicorp/photon/structs"
)

var (
	errNoResourceIDsInLocalMode = errors.New("resource introspection does not work in local mode")

	// errPutObjectID rejects storing an ObjectID as a value, which would
	// alias two ids to one object.
	errPutObjectID = errors.New("calling Put on an ObjectID is not allowed " +
		"(similarly, returning an ObjectID from a remote function is not allowed); " +
		"wrap the ObjectID in a slice if you really want to do this")
)

const (
	// codecBackoff is how long a retrieve waits for the import
	// subscription to deliver a missing codec before retrying.
	codecBackoff = 10 * time.Millisecond

	// maxRegistrationDepth bounds how many types one store call will
	// register while chasing serialization failures.
	maxRegistrationDepth = 100
)

// workerDiedMessage is stored when object bytes cannot be decoded at all,
// which almost always means the producing worker was killed mid-write.
const workerDiedMessage = "invalid return value: likely worker died or was killed " +
	"while executing the task; check previous logs or dmesg for errors"

// retrieveResult pairs a materialised value with its presence flag so a
// stored nil is distinguishable from a missing object.
type retrieveResult struct {
	value   interface{}
	present bool
}

// retrieveAndDeserialize reads a batch of objects from the store in chunks
// and decodes them with the current driver's registry. A missing codec
// triggers a cooperative back-off: the execution lock (when held) is
// released so the import subscriber can make progress, and the read is
// retried; after defaultCodecWaitTimeout seconds a one-shot warning is pushed to the driver.
// Hard decode failures synthesise TaskError values rather than erroring.
func (w *Worker) retrieveAndDeserialize(ids []structs.ObjectID, timeoutMs int, execLocked bool) ([]retrieveResult, error) {
	reg := w.serializationContext(w.taskDriver())
	start := time.Now()

	for {
		payloads := make([][]byte, 0, len(ids))
		for i := 0; i < len(ids); i += w.config.GetRequestSize {
			end := i + w.config.GetRequestSize
			if end > len(ids) {
				end = len(ids)
			}
			chunk, err := w.plasma.Get(ids[i:end], timeoutMs)
			if err != nil {
				return nil, err
			}
			payloads = append(payloads, chunk...)
		}

		results := make([]retrieveResult, len(ids))
		missingCodec := false
		for i, payload := range payloads {
			if payload == nil {
				continue
			}
			v, err := reg.Deserialize(payload)
			if err == nil {
				results[i] = retrieveResult{value: v, present: true}
				continue
			}

			var notReg *serializer.NotRegisteredError
			if errors.As(err, &notReg) {
				missingCodec = true
				break
			}

			// Invalid bytes: the producer died mid-write. Every id in
			// the batch gets a failure sentinel; do not raise.
			w.logger.Error("failed to decode object", "object_id", ids[i].Hex(), "error", err)
			failure := w.newTaskError("<unknown>", workerDiedMessage)
			for j := range results {
				results[j] = retrieveResult{value: failure, present: true}
			}
			return results, nil
		}

		if !missingCodec {
			return results, nil
		}

		// Wait a little for the import subscription to deliver the
		// codec. Release the execution lock so the importer can
		// register it in between.
		if execLocked {
			w.execLock.Unlock()
		}
		time.Sleep(codecBackoff)
		if execLocked {
			w.execLock.Lock()
		}

		if time.Since(start) > time.Duration(defaultCodecWaitTimeout)*time.Second {
			if w.codecWarned.CompareAndSwap(false, true) {
				msg := "this worker or driver is waiting to receive a codec " +
					"registration so that it can deserialize an object from " +
					"the object store; this may be fine, or it may be a bug"
				w.logger.Warn(msg)
				if w.cp != nil {
					if perr := w.cp.PushErrorToDriver(w.taskDriver(),
						structs.ErrTypeWaitForCodec, msg, nil); perr != nil {
						w.logger.Error("failed to push codec warning", "error", perr)
					}
				}
			}
		}
	}
}

// getObject materialises values for an ordered list of object ids, blocking
// until every one is local. Missing objects are fetched or reconstructed
// through the scheduler under the blocked-task protocol.
func (w *Worker) getObject(tc *ThreadContext, ids []structs.ObjectID, execLocked bool) ([]interface{}, error) {
	// Prime local availability without flagging the caller as blocked.
	for i := 0; i < len(ids); i += w.config.FetchRequestSize {
		end := i + w.config.FetchRequestSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := w.raylet.FetchOrReconstruct(ids[i:end], true, structs.NilID()); err != nil {
			return nil, err
		}
	}

	results, err := w.retrieveAndDeserialize(ids, 0, execLocked)
	if err != nil {
		return nil, err
	}

	unready := make(map[structs.ObjectID]int)
	for i, r := range results {
		if !r.present {
			unready[ids[i]] = i
		}
	}

	if len(unready) > 0 {
		// The state lock serialises reconstruction requests: the
		// scheduler recycles this worker's resources around a blocked
		// fetch, so concurrent requests for the same task are unsafe.
		w.stateLock.Lock()
		current := w.currentThreadTaskIDLocked(tc)

		for len(unready) > 0 {
			toFetch := make([]structs.ObjectID, 0, len(unready))
			for id := range unready {
				toFetch = append(toFetch, id)
			}
			for i := 0; i < len(toFetch); i += w.config.FetchRequestSize {
				end := i + w.config.FetchRequestSize
				if end > len(toFetch) {
					end = len(toFetch)
				}
				if err := w.raylet.FetchOrReconstruct(toFetch[i:end], false, current); err != nil {
					w.stateLock.Unlock()
					return nil, err
				}
			}

			timeoutMs := w.config.GetTimeoutMs
			if scaled := (len(unready) + 99) / 100; scaled > timeoutMs {
				timeoutMs = scaled
			}
			batch, err := w.retrieveAndDeserialize(toFetch, timeoutMs, execLocked)
			if err != nil {
				w.stateLock.Unlock()
				return nil, err
			}
			for i, r := range batch {
				if r.present {
					idx := unready[toFetch[i]]
					results[idx] = r
					delete(unready, toFetch[i])
				}
			}
		}
		w.stateLock.Unlock()

		// Earlier blocking fetches no longer apply.
		if err := w.raylet.NotifyUnblocked(current); err != nil {
			w.logger.Error("failed to notify unblocked", "error", err)
		}
	}

	out := make([]interface{}, len(ids))
	for i, r := range results {
		out[i] = r.value
	}
	return out, nil
}

// putObject serializes a value and writes it under the given id. A
// duplicate put is logged and treated as success; the payloads are not
// compared.
func (w *Worker) putObject(id structs.ObjectID, value interface{}) error {
	if _, ok := value.(structs.ID); ok {
		return errPutObjectID
	}

	err := w.storeAndRegister(id, value)
	if errors.Is(err, plasma.ErrObjectExists) {
		w.logger.Info("object already exists in the object store", "object_id", id.Hex())
		return nil
	}
	return err
}

// storeAndRegister serializes and stores a value, registering codecs for
// unknown types as it goes: structural first, then opaque globally, then
// opaque locally. The cascade is bounded so a pathological object graph
// cannot register types forever.
func (w *Worker) storeAndRegister(id structs.ObjectID, value interface{}) error {
	reg := w.serializationContext(w.taskDriver())

	for counter := 0; ; counter++ {
		if counter == maxRegistrationDepth {
			return fmt.Errorf("exceeded the maximum number of types to register while serializing a value of type %T", value)
		}

		payload, err := reg.Serialize(value)
		if err == nil {
			return w.plasma.Put(id, payload, w.config.MemcopyThreads)
		}

		var missing *serializer.MissingSerializerError
		if !errors.As(err, &missing) {
			return err
		}

		zero := reflect.Zero(missing.Type).Interface()
		if regErr := reg.RegisterStructural(zero, false); regErr == nil {
			w.logger.Debug("serializing objects by expanding them as bags of their fields; this may be incorrect in some cases",
				"type", missing.Type.String())
			continue
		}
		if regErr := reg.RegisterOpaque(zero, false); regErr == nil {
			w.logger.Warn("falling back to opaque serialization; this may be inefficient",
				"type", missing.Type.String())
			continue
		}
		if regErr := reg.RegisterOpaque(zero, true); regErr == nil {
			w.logger.Warn("registering an opaque codec locally only; other workers will not be able to deserialize this type",
				"type", missing.Type.String())
			continue
		} else {
			return fmt.Errorf("failed to register any codec for type %s: %w", missing.Type, regErr)
		}
	}
}

// newTaskError captures this process's coordinates on a failure sentinel.
func (w *Worker) newTaskError(functionName, traceback string) *structs.TaskError {
	host, _ := os.Hostname()
	return structs.NewTaskError(functionName, traceback, w.procTitle(), os.Getpid(), host)
}

// procTitle renders the observability title for the process; the actual
// process title cannot be rewritten portably, so it rides on failure
// sentinels and profile events instead.
func (w *Worker) procTitle() string {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()
	if !w.actorID.IsNil() {
		if class, ok := w.actorClasses[w.actorID]; ok {
			return "photon_" + class.Name
		}
	}
	return "photon_worker"
}
