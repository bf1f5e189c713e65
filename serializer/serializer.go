// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package serializer implements the per-driver codec registry that turns
// task arguments, outputs, and stored values into object store payloads.
//
// Every payload is a msgpack envelope of (type id, payload bytes). The
// registry maps runtime types to one of three strategies: structural
// (exported fields only, checked at registration), opaque (whole-value
// msgpack blob), or custom (user supplied functions). Types that are not
// registered fail with a MissingSerializerError, which the worker resolves
// with the registration cascade in its store path.
package serializer

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/photon/structs"
)

// Strategy selects how a registered type is encoded.
type Strategy int8

const (
	// StrategyStructural encodes the exported fields of a struct. The
	// type is checked at registration time; types with unexported fields
	// or unencodable field kinds are rejected.
	StrategyStructural Strategy = iota

	// StrategyOpaque encodes the whole value as a self-describing
	// msgpack blob. Unexported state is silently dropped.
	StrategyOpaque

	// StrategyCustom delegates to user supplied functions.
	StrategyCustom
)

// Built-in type ids. ValueTypeID covers plain values (booleans, numbers,
// strings, byte slices, and their slice/map compositions) that need no
// registration.
const (
	ValueTypeID     = "photon.Value"
	ObjectIDTypeID  = "photon.ObjectID"
	TaskErrorTypeID = "photon.TaskError"
)

// typeIDFixpointDepth bounds the encode/decode/encode rounds used to derive
// a deterministic type id.
const typeIDFixpointDepth = 5

var (
	// ErrNotRegistered wraps an unknown type id seen at deserialization
	// time. The worker's retrieve loop backs off and retries on this
	// error because the registration may arrive from the import
	// subscription at any moment.
	ErrNotRegistered = errors.New("no codec registered for type id")
)

// MissingSerializerError is returned by Serialize when a value's type has no
// registered codec. It carries the offending type so the caller can run the
// registration cascade and retry.
type MissingSerializerError struct {
	Type reflect.Type
}

func (e *MissingSerializerError) Error() string {
	return fmt.Sprintf("no serializer registered for type %s", e.Type)
}

// NotRegisteredError is returned by Deserialize for unknown type ids.
type NotRegisteredError struct {
	TypeID string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("no codec registered for type id %q", e.TypeID)
}

func (e *NotRegisteredError) Unwrap() error { return ErrNotRegistered }

// InvalidPayloadError is returned for bytes that do not decode as an
// envelope at all. Unlike NotRegisteredError this is a hard failure; waiting
// will not fix it.
type InvalidPayloadError struct {
	Err error
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid object payload: %v", e.Err)
}

func (e *InvalidPayloadError) Unwrap() error { return e.Err }

// TypeCodec binds a runtime type to an encoding strategy under a stable
// type id.
type TypeCodec struct {
	TypeID   string
	Type     reflect.Type
	Strategy Strategy

	// Serializer and Deserializer are set for StrategyCustom only.
	Serializer   func(v interface{}) ([]byte, error)
	Deserializer func(b []byte) (interface{}, error)

	// Local marks codecs that were registered on this process only and
	// must not be exported to other workers.
	Local bool
}

// envelope is the wire form of every stored value.
type envelope struct {
	TypeID  string
	Payload []byte
}

// Registry is a per-driver serialization context. Each driver session owns
// a distinct registry; registries are never shared across drivers.
type Registry struct {
	driverID structs.DriverID
	logger   hclog.Logger

	mu       sync.RWMutex
	byTypeID map[string]*TypeCodec
	byType   map[reflect.Type]*TypeCodec

	// exportHook is invoked for non-local registrations so the owning
	// worker can replay them on every other worker in the cluster.
	exportHook func(tc *TypeCodec)
}

// NewRegistry builds a registry for the given driver and installs the
// built-in codecs. exportHook may be nil.
func NewRegistry(driverID structs.DriverID, logger hclog.Logger, exportHook func(tc *TypeCodec)) *Registry {
	r := &Registry{
		driverID:   driverID,
		logger:     logger.Named("serializer").With("driver_id", driverID.Hex()),
		byTypeID:   make(map[string]*TypeCodec),
		byType:     make(map[reflect.Type]*TypeCodec),
		exportHook: exportHook,
	}
	r.registerBuiltins()
	return r
}

// DriverID returns the driver session this registry belongs to.
func (r *Registry) DriverID() structs.DriverID {
	return r.driverID
}

func (r *Registry) registerBuiltins() {
	// Object ids serialize as their raw bytes. Registered locally on
	// every worker rather than exported, so type identity survives.
	r.mustRegister(&TypeCodec{
		TypeID:   ObjectIDTypeID,
		Type:     reflect.TypeOf(structs.ID{}),
		Strategy: StrategyCustom,
		Serializer: func(v interface{}) ([]byte, error) {
			id := v.(structs.ID)
			return id.Bytes(), nil
		},
		Deserializer: func(b []byte) (interface{}, error) {
			return structs.IDFromBytes(b)
		},
		Local: true,
	})

	// Task failure sentinels ride through the store structurally so any
	// consumer can surface them.
	r.mustRegister(&TypeCodec{
		TypeID:   TaskErrorTypeID,
		Type:     reflect.TypeOf(&structs.TaskError{}),
		Strategy: StrategyStructural,
		Local:    true,
	})
}

func (r *Registry) mustRegister(tc *TypeCodec) {
	if err := r.Register(tc); err != nil {
		panic(fmt.Sprintf("builtin codec registration failed: %v", err))
	}
}

// Register installs a codec. Registering the same type id twice replaces
// the previous codec; the last user-defined registration wins.
func (r *Registry) Register(tc *TypeCodec) error {
	if tc.TypeID == "" {
		return fmt.Errorf("codec must carry a type id")
	}
	if tc.Strategy == StrategyCustom && (tc.Serializer == nil || tc.Deserializer == nil) {
		return fmt.Errorf("custom codec for %q must provide both serializer and deserializer", tc.TypeID)
	}
	if tc.Strategy == StrategyStructural {
		if err := checkStructural(tc.Type); err != nil {
			return err
		}
	}
	if tc.Strategy == StrategyOpaque {
		if err := checkOpaque(tc.Type); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.byTypeID[tc.TypeID] = tc
	if tc.Type != nil {
		r.byType[tc.Type] = tc
	}
	r.mu.Unlock()

	if !tc.Local {
		if tc.Type != nil {
			namedTypes.Lock()
			namedTypes.byName[tc.Type.String()] = tc.Type
			namedTypes.Unlock()
		}
		if r.exportHook != nil {
			r.exportHook(tc)
		}
	}
	return nil
}

// RegisterStructural registers a structural codec for the type of v under
// its deterministic type id.
func (r *Registry) RegisterStructural(v interface{}, local bool) error {
	rt := reflect.TypeOf(v)
	typeID, err := r.DeterministicTypeID(rt)
	if err != nil {
		return err
	}
	return r.Register(&TypeCodec{
		TypeID:   typeID,
		Type:     rt,
		Strategy: StrategyStructural,
		Local:    local,
	})
}

// RegisterOpaque registers an opaque codec for the type of v. Non-local
// registrations use the deterministic type id; local ones use a random id
// since they never need to agree with another worker.
func (r *Registry) RegisterOpaque(v interface{}, local bool) error {
	rt := reflect.TypeOf(v)
	var typeID string
	if local {
		b, err := uuid.GenerateRandomBytes(structs.IDLength)
		if err != nil {
			return err
		}
		typeID = hex.EncodeToString(b)
	} else {
		var err error
		typeID, err = r.DeterministicTypeID(rt)
		if err != nil {
			return err
		}
	}
	return r.Register(&TypeCodec{
		TypeID:   typeID,
		Type:     rt,
		Strategy: StrategyOpaque,
		Local:    local,
	})
}

// RegisterCustom registers user supplied serializer/deserializer functions
// for the type of v under the given type id.
func (r *Registry) RegisterCustom(typeID string, v interface{},
	ser func(interface{}) ([]byte, error), deser func([]byte) (interface{}, error), local bool) error {

	return r.Register(&TypeCodec{
		TypeID:       typeID,
		Type:         reflect.TypeOf(v),
		Strategy:     StrategyCustom,
		Serializer:   ser,
		Deserializer: deser,
		Local:        local,
	})
}

// lookupByType finds the codec for a runtime type, trying the pointer type
// as well so registering *T covers T values and vice versa.
func (r *Registry) lookupByType(rt reflect.Type) *TypeCodec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tc, ok := r.byType[rt]; ok {
		return tc
	}
	if rt.Kind() == reflect.Ptr {
		if tc, ok := r.byType[rt.Elem()]; ok {
			return tc
		}
	} else {
		if tc, ok := r.byType[reflect.PtrTo(rt)]; ok {
			return tc
		}
	}
	return nil
}

// Serialize encodes a value into an envelope payload. Unregistered struct
// types return a MissingSerializerError for the cascade in the caller.
func (r *Registry) Serialize(v interface{}) ([]byte, error) {
	env, err := r.toEnvelope(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, structs.MsgpackHandle).Encode(env); err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Registry) toEnvelope(v interface{}) (*envelope, error) {
	if v == nil {
		return &envelope{TypeID: ValueTypeID}, nil
	}

	rt := reflect.TypeOf(v)
	if tc := r.lookupByType(rt); tc != nil {
		payload, err := r.encodeWith(tc, v)
		if err != nil {
			return nil, err
		}
		return &envelope{TypeID: tc.TypeID, Payload: payload}, nil
	}

	if isPlainValue(rt) {
		payload, err := encodeMsgpack(v)
		if err != nil {
			return nil, err
		}
		return &envelope{TypeID: ValueTypeID, Payload: payload}, nil
	}

	return nil, &MissingSerializerError{Type: rt}
}

func (r *Registry) encodeWith(tc *TypeCodec, v interface{}) ([]byte, error) {
	switch tc.Strategy {
	case StrategyCustom:
		return tc.Serializer(v)
	case StrategyStructural, StrategyOpaque:
		return encodeMsgpack(v)
	default:
		return nil, fmt.Errorf("unknown strategy %d", tc.Strategy)
	}
}

// Deserialize decodes an envelope payload back into a value.
func (r *Registry) Deserialize(b []byte) (interface{}, error) {
	var env envelope
	if err := codec.NewDecoder(bytes.NewReader(b), structs.MsgpackHandle).Decode(&env); err != nil {
		return nil, &InvalidPayloadError{Err: err}
	}

	if env.TypeID == ValueTypeID {
		if env.Payload == nil {
			return nil, nil
		}
		var out interface{}
		if err := decodeMsgpack(env.Payload, &out); err != nil {
			return nil, &InvalidPayloadError{Err: err}
		}
		return out, nil
	}

	r.mu.RLock()
	tc, ok := r.byTypeID[env.TypeID]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotRegisteredError{TypeID: env.TypeID}
	}

	switch tc.Strategy {
	case StrategyCustom:
		return tc.Deserializer(env.Payload)
	default:
		rt := tc.Type
		ptr := rt.Kind() == reflect.Ptr
		if ptr {
			rt = rt.Elem()
		}
		out := reflect.New(rt)
		if err := decodeMsgpack(env.Payload, out.Interface()); err != nil {
			return nil, &InvalidPayloadError{Err: err}
		}
		if ptr {
			return out.Interface(), nil
		}
		return out.Elem().Interface(), nil
	}
}

// DeterministicTypeID derives a stable type id for a runtime type by
// encoding its description, decoding, and re-encoding until the bytes reach
// a fixed point, then hashing. Workers that fail to converge may disagree on
// the id for a type; that costs duplicate exports but not correctness.
func (r *Registry) DeterministicTypeID(rt reflect.Type) (string, error) {
	desc, err := encodeMsgpack(typeDescription(rt))
	if err != nil {
		return "", fmt.Errorf("failed to describe type %s: %w", rt, err)
	}

	for i := 0; i < typeIDFixpointDepth; i++ {
		var decoded interface{}
		if err := decodeMsgpack(desc, &decoded); err != nil {
			return "", err
		}
		next, err := encodeMsgpack(decoded)
		if err != nil {
			return "", err
		}
		if bytes.Equal(next, desc) {
			sum := sha1.Sum(next)
			return hex.EncodeToString(sum[:]), nil
		}
		desc = next
	}

	r.logger.Warn("could not produce a deterministic type id; workers may disagree",
		"type", rt.String())
	sum := sha1.Sum(desc)
	return hex.EncodeToString(sum[:]), nil
}

// typeDescription renders a type's identity and shape for hashing.
func typeDescription(rt reflect.Type) map[string]interface{} {
	desc := map[string]interface{}{
		"name": rt.String(),
		"kind": rt.Kind().String(),
	}
	st := rt
	if st.Kind() == reflect.Ptr {
		st = st.Elem()
	}
	if st.Kind() == reflect.Struct {
		fields := make([]interface{}, 0, st.NumField())
		for i := 0; i < st.NumField(); i++ {
			f := st.Field(i)
			fields = append(fields, f.Name+" "+f.Type.String())
		}
		desc["fields"] = fields
	}
	return desc
}

// checkStructural verifies that a type can be represented as a bag of its
// exported fields without losing state.
func checkStructural(rt reflect.Type) error {
	if rt == nil {
		return fmt.Errorf("structural codec requires a concrete type")
	}
	st := rt
	if st.Kind() == reflect.Ptr {
		st = st.Elem()
	}
	if st.Kind() != reflect.Struct {
		return fmt.Errorf("type %s is not structurally serializable: not a struct", rt)
	}
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if f.PkgPath != "" {
			return fmt.Errorf("type %s is not structurally serializable: unexported field %s", rt, f.Name)
		}
		if !encodableKind(f.Type) {
			return fmt.Errorf("type %s is not structurally serializable: field %s has kind %s", rt, f.Name, f.Type.Kind())
		}
	}
	return nil
}

// checkOpaque verifies a type is representable as a msgpack blob at all.
func checkOpaque(rt reflect.Type) error {
	if rt == nil {
		return fmt.Errorf("opaque codec requires a concrete type")
	}
	if !encodableKind(rt) {
		return fmt.Errorf("type %s cannot be serialized opaquely: kind %s", rt, derefKind(rt))
	}
	return nil
}

func derefKind(rt reflect.Type) reflect.Kind {
	for rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	return rt.Kind()
}

func encodableKind(rt reflect.Type) bool {
	switch derefKind(rt) {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return false
	default:
		return true
	}
}

// isPlainValue reports whether a type needs no registration: scalars,
// strings, byte slices, and slice/map compositions thereof.
func isPlainValue(rt reflect.Type) bool {
	switch rt.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	case reflect.Slice, reflect.Array:
		return isPlainValue(rt.Elem()) || rt.Elem().Kind() == reflect.Interface
	case reflect.Map:
		return rt.Key().Kind() == reflect.String &&
			(isPlainValue(rt.Elem()) || rt.Elem().Kind() == reflect.Interface)
	default:
		return false
	}
}

func encodeMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, structs.MsgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMsgpack(b []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(b), structs.MsgpackHandle).Decode(out)
}
