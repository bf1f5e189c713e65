// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package serializer

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shoenig/test/must"
	"pgregory.net/rapid"

	"github.com/hashicorp/photon/helper/testlog"
	"github.com/hashicorp/photon/structs"
)

func typeOf(v interface{}) reflect.Type {
	return reflect.TypeOf(v)
}

func testRegistry(t *testing.T) *Registry {
	return NewRegistry(structs.RandomID(), testlog.HCLogger(t), nil)
}

func TestRegistry_PlainValues(t *testing.T) {
	reg := testRegistry(t)

	cases := []struct {
		name string
		in   interface{}
		out  interface{}
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"int", 42, int64(42)},
		{"float", 1.5, 1.5},
		{"string", "hello", "hello"},
		{"slice", []interface{}{int64(1), "two"}, []interface{}{int64(1), "two"}},
		{"map", map[string]interface{}{"k": "v"}, map[string]interface{}{"k": "v"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := reg.Serialize(tc.in)
			must.NoError(t, err)
			got, err := reg.Deserialize(payload)
			must.NoError(t, err)
			must.Eq(t, tc.out, got)
		})
	}
}

func TestRegistry_RoundTripProperty(t *testing.T) {
	reg := testRegistry(t)

	rapid.Check(t, func(t *rapid.T) {
		var in interface{}
		switch rapid.IntRange(0, 3).Draw(t, "kind") {
		case 0:
			in = rapid.Int64().Draw(t, "int")
		case 1:
			in = rapid.Float64Range(-1e12, 1e12).Draw(t, "float")
		case 2:
			in = rapid.String().Draw(t, "string")
		case 3:
			in = rapid.Bool().Draw(t, "bool")
		}

		payload, err := reg.Serialize(in)
		if err != nil {
			t.Fatalf("serialize failed: %v", err)
		}
		out, err := reg.Deserialize(payload)
		if err != nil {
			t.Fatalf("deserialize failed: %v", err)
		}
		if in != out {
			t.Fatalf("round trip changed value: %v != %v", in, out)
		}
	})
}

func TestRegistry_ObjectID(t *testing.T) {
	reg := testRegistry(t)

	id := structs.RandomID()
	payload, err := reg.Serialize(id)
	must.NoError(t, err)

	got, err := reg.Deserialize(payload)
	must.NoError(t, err)
	must.Eq(t, id, got.(structs.ID))
}

func TestRegistry_TaskError(t *testing.T) {
	reg := testRegistry(t)

	in := structs.NewTaskError("f", "boom", "photon_worker", 123, "host1")
	payload, err := reg.Serialize(in)
	must.NoError(t, err)

	got, err := reg.Deserialize(payload)
	must.NoError(t, err)
	te, ok := structs.IsTaskError(got)
	must.True(t, ok)
	must.Eq(t, "f", te.FunctionName)
	must.Eq(t, "boom", te.Traceback)
	must.Eq(t, 123, te.PID)
}

type point struct {
	X int
	Y int
}

type hidden struct {
	Visible int
	secret  int
}

type unserializable struct {
	Fn func()
}

func TestRegistry_MissingSerializer(t *testing.T) {
	reg := testRegistry(t)

	_, err := reg.Serialize(point{X: 1, Y: 2})
	var missing *MissingSerializerError
	must.True(t, errors.As(err, &missing))

	must.NoError(t, reg.RegisterStructural(point{}, false))
	payload, err := reg.Serialize(point{X: 1, Y: 2})
	must.NoError(t, err)

	got, err := reg.Deserialize(payload)
	must.NoError(t, err)
	must.Eq(t, point{X: 1, Y: 2}, got.(point))
}

func TestRegistry_StructuralRejectsUnexported(t *testing.T) {
	reg := testRegistry(t)

	err := reg.RegisterStructural(hidden{secret: 1}, false)
	must.Error(t, err)

	// The opaque fallback accepts the type, silently dropping the
	// unexported state.
	must.NoError(t, reg.RegisterOpaque(hidden{}, false))
	payload, err := reg.Serialize(hidden{Visible: 7, secret: 9})
	must.NoError(t, err)
	got, err := reg.Deserialize(payload)
	must.NoError(t, err)
	must.Eq(t, 7, got.(hidden).Visible)
	must.Eq(t, 0, got.(hidden).secret)
}

func TestRegistry_OpaqueRejectsFuncs(t *testing.T) {
	reg := testRegistry(t)
	must.Error(t, reg.RegisterOpaque(unserializable{}, false))
}

func TestRegistry_CustomCodec(t *testing.T) {
	reg := testRegistry(t)

	type wrapped struct{ s string }
	must.NoError(t, reg.RegisterCustom("test.wrapped", wrapped{},
		func(v interface{}) ([]byte, error) {
			return []byte(v.(wrapped).s), nil
		},
		func(b []byte) (interface{}, error) {
			return wrapped{s: string(b)}, nil
		},
		true))

	payload, err := reg.Serialize(wrapped{s: "payload"})
	must.NoError(t, err)
	got, err := reg.Deserialize(payload)
	must.NoError(t, err)
	must.Eq(t, "payload", got.(wrapped).s)
}

func TestRegistry_NotRegistered(t *testing.T) {
	a := testRegistry(t)
	b := testRegistry(t)

	// Registered locally only: another registry cannot decode the blob
	// and reports the retriable error.
	must.NoError(t, a.RegisterOpaque(point{}, true))
	payload, err := a.Serialize(point{X: 1})
	must.NoError(t, err)

	_, err = b.Deserialize(payload)
	must.True(t, errors.Is(err, ErrNotRegistered))
}

func TestRegistry_InvalidPayload(t *testing.T) {
	reg := testRegistry(t)
	_, err := reg.Deserialize([]byte{0xc1, 0xff, 0x00})
	var invalid *InvalidPayloadError
	must.True(t, errors.As(err, &invalid))
}

func TestDeterministicTypeID_Stable(t *testing.T) {
	a := testRegistry(t)
	b := testRegistry(t)

	idA, err := a.DeterministicTypeID(typeOf(point{}))
	must.NoError(t, err)
	idB, err := b.DeterministicTypeID(typeOf(point{}))
	must.NoError(t, err)
	must.Eq(t, idA, idB)

	other, err := a.DeterministicTypeID(typeOf(hidden{}))
	must.NoError(t, err)
	must.NotEq(t, idA, other)
}

func TestRegistry_BindImported(t *testing.T) {
	a := testRegistry(t)
	b := testRegistry(t)

	// Worker A registers globally; worker B binds the arriving
	// registration against its own linked type.
	must.NoError(t, a.RegisterStructural(point{}, false))
	typeID, err := a.DeterministicTypeID(typeOf(point{}))
	must.NoError(t, err)

	must.NoError(t, b.BindImported(typeID, typeOf(point{}).String(), StrategyStructural))

	payload, err := a.Serialize(point{X: 3, Y: 4})
	must.NoError(t, err)
	got, err := b.Deserialize(payload)
	must.NoError(t, err)
	must.Eq(t, point{X: 3, Y: 4}, got.(point))

	must.Error(t, b.BindImported("deadbeef", "no.such.Type", StrategyOpaque))
}
