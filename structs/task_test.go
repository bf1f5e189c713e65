// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestResources_Validate(t *testing.T) {
	cases := []struct {
		name      string
		resources Resources
		ok        bool
	}{
		{"empty", Resources{}, true},
		{"integral", Resources{"CPU": 4, "GPU": 1}, true},
		{"fraction below one", Resources{"CPU": 0.5}, true},
		{"negative", Resources{"CPU": -1}, false},
		{"fractional above one", Resources{"CPU": 1.5}, false},
		{"custom integral", Resources{"accelerator": 2}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.resources.Validate()
			if tc.ok {
				must.NoError(t, err)
			} else {
				must.Error(t, err)
			}
		})
	}
}

func TestTask_Returns(t *testing.T) {
	parent := DeterministicID(1)
	fd := NewFunctionDescriptor(RandomID(), "mod", "", "f")
	task := NewTask(RandomID(), fd, nil, 3, parent, 0)

	returns := task.Returns()
	must.Len(t, 3, returns)
	must.Eq(t, ReturnID(task.ID(), 1), returns[0])
	must.Eq(t, ReturnID(task.ID(), 3), returns[2])

	// Two tasks submitted under different parent counters get disjoint
	// returns.
	other := NewTask(RandomID(), fd, nil, 3, parent, 1)
	must.NotEq(t, task.ID(), other.ID())
	must.NotEq(t, returns[0], other.Returns()[0])
}

func TestTask_ActorFlags(t *testing.T) {
	fd := NewFunctionDescriptor(RandomID(), "mod", "Counter", "inc")
	task := NewTask(RandomID(), fd, nil, 2, RandomID(), 0)
	must.False(t, task.IsActorTask())
	must.False(t, task.IsActorCreationTask())

	task.ActorID = RandomID()
	must.True(t, task.IsActorTask())
	must.Eq(t, task.Returns()[1], task.DummyReturnID())
}

func TestErrorKey_RoundTrip(t *testing.T) {
	driverID := RandomID()
	errorID := RandomID()
	key := ErrorKey(driverID, errorID)

	gotDriver, gotError, err := ParseErrorKey(key)
	must.NoError(t, err)
	must.Eq(t, driverID, gotDriver)
	must.Eq(t, errorID, gotError)

	_, _, err = ParseErrorKey([]byte("Error:short"))
	must.Error(t, err)
}

func TestErrorKey_Wildcard(t *testing.T) {
	driverID := RandomID()
	other := RandomID()

	must.True(t, ErrorKeyAppliesTo(ErrorKey(driverID, RandomID()), driverID))
	must.False(t, ErrorKeyAppliesTo(ErrorKey(other, RandomID()), driverID))

	// A zeroed driver id addresses every driver.
	must.True(t, ErrorKeyAppliesTo(ErrorKey(WildcardDriverID(), RandomID()), driverID))
}

func TestFunctionDescriptor_ContentAddressed(t *testing.T) {
	a := NewFunctionDescriptor(RandomID(), "mod", "", "f")
	b := NewFunctionDescriptor(RandomID(), "mod", "", "f")
	must.Eq(t, a.FunctionID, b.FunctionID)

	c := NewFunctionDescriptor(RandomID(), "mod", "", "g")
	must.NotEq(t, a.FunctionID, c.FunctionID)

	// The separator keeps (class, function) splits from colliding.
	d := NewFunctionDescriptor(RandomID(), "mod", "ab", "c")
	e := NewFunctionDescriptor(RandomID(), "mod", "a", "bc")
	must.NotEq(t, d.FunctionID, e.FunctionID)
}
