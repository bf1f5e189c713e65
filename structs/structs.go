// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the identifier space and the task model shared by
// every component of the worker runtime. It has no dependencies on the rest
// of the repository so that the transport clients, the codec registry, and
// the worker core can all consume it freely.
package structs

import (
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// MsgpackHandle is a shared handle used for encoding/decoding of structs
// and values moving through the object store and the collaborator RPC
// protocols.
var MsgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.WriteExt = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()
