// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"crypto/sha1"
	"fmt"
)

// FunctionDescriptor is the content-addressed identity of a remote function
// or actor method. The FunctionID is derived from the name triple, so two
// workers that registered the same function compute the same descriptor.
type FunctionDescriptor struct {
	DriverID     DriverID
	ModuleName   string
	ClassName    string
	FunctionName string
	FunctionID   ID
}

// NewFunctionDescriptor builds a descriptor for the named function,
// deriving its FunctionID.
func NewFunctionDescriptor(driverID DriverID, module, class, function string) FunctionDescriptor {
	return FunctionDescriptor{
		DriverID:     driverID,
		ModuleName:   module,
		ClassName:    class,
		FunctionName: function,
		FunctionID:   functionID(module, class, function),
	}
}

// ForDriverTask returns the descriptor used for the synthetic task that
// represents a driver session in the task table.
func ForDriverTask(driverID DriverID) FunctionDescriptor {
	return FunctionDescriptor{
		DriverID:   driverID,
		FunctionID: NilID(),
	}
}

// IsDriverTask reports whether the descriptor names the synthetic driver
// task rather than a registered function.
func (f FunctionDescriptor) IsDriverTask() bool {
	return f.ModuleName == "" && f.ClassName == "" && f.FunctionName == "" && f.FunctionID.IsNil()
}

// String renders the descriptor for logs.
func (f FunctionDescriptor) String() string {
	if f.IsDriverTask() {
		return "driver-task"
	}
	if f.ClassName != "" {
		return fmt.Sprintf("%s.%s.%s", f.ModuleName, f.ClassName, f.FunctionName)
	}
	return fmt.Sprintf("%s.%s", f.ModuleName, f.FunctionName)
}

func functionID(module, class, function string) ID {
	h := sha1.New()
	h.Write([]byte(module))
	h.Write([]byte{0})
	h.Write([]byte(class))
	h.Write([]byte{0})
	h.Write([]byte(function))

	var id ID
	copy(id[:], h.Sum(nil))
	return id
}
