// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package serializer

import (
	"fmt"
	"reflect"
	"sync"
)

// The process-wide named type table. Codec registrations travel between
// workers as (type id, type name, strategy) tuples; the receiving process
// can only bind one if the concrete type is linked into its binary and
// announced here.
var namedTypes = struct {
	sync.RWMutex
	byName map[string]reflect.Type
}{
	byName: make(map[string]reflect.Type),
}

// RegisterTypeName announces a concrete type so imported codec
// registrations can bind to it. Safe to call repeatedly.
func RegisterTypeName(v interface{}) {
	rt := reflect.TypeOf(v)
	namedTypes.Lock()
	namedTypes.byName[rt.String()] = rt
	namedTypes.Unlock()
}

// lookupTypeName resolves an announced type by name.
func lookupTypeName(name string) (reflect.Type, bool) {
	namedTypes.RLock()
	rt, ok := namedTypes.byName[name]
	namedTypes.RUnlock()
	return rt, ok
}

// BindImported installs a codec registration that arrived from another
// worker. The named type must have been announced with RegisterTypeName;
// otherwise the bind fails and a later retrieve of the type keeps waiting.
func (r *Registry) BindImported(typeID, typeName string, strategy Strategy) error {
	rt, ok := lookupTypeName(typeName)
	if !ok {
		return fmt.Errorf("type %q is not registered in this process", typeName)
	}
	return r.Register(&TypeCodec{
		TypeID:   typeID,
		Type:     rt,
		Strategy: strategy,
		// Imported registrations must not be re-exported.
		Local: true,
	})
}
