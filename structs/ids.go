// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// IDLength is the size in bytes of every identifier in the system: objects,
// tasks, drivers, actors, actor handles, and clients all share the same
// 20-byte space.
const IDLength = 20

// Domain tags mixed into derived identifiers so that put ids, return ids,
// and child task ids can never collide with one another even for equal
// (parent, index) pairs.
const (
	idDomainPut    = 0x01
	idDomainReturn = 0x02
	idDomainTask   = 0x03
)

// ID is a 20-byte opaque identifier. The zero value is not a valid ID; use
// NilID for the distinguished nil value (all 0xFF).
type ID [IDLength]byte

// NilID returns the distinguished nil identifier.
func NilID() ID {
	var id ID
	for i := range id {
		id[i] = 0xFF
	}
	return id
}

// RandomID returns an identifier drawn from a cryptographic entropy source.
func RandomID() ID {
	buf, err := uuid.GenerateRandomBytes(IDLength)
	if err != nil {
		// The platform entropy source is gone; nothing sensible to do.
		panic(fmt.Sprintf("failed to generate random id: %v", err))
	}
	var id ID
	copy(id[:], buf)
	return id
}

// DeterministicID returns an identifier derived only from the given seed.
// Equal seeds yield equal identifiers across processes and runs.
func DeterministicID(seed int64) ID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	return ID(sha1.Sum(buf[:]))
}

// IDFromBytes converts a byte slice into an ID, erroring if the slice is not
// exactly IDLength bytes.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, fmt.Errorf("id must be %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IDFromHex parses the hex encoding produced by Hex.
func IDFromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid hex id %q: %w", s, err)
	}
	return IDFromBytes(b)
}

// MustIDFromHex parses a hex id and panics on failure. For tests and
// constants only.
func MustIDFromHex(s string) ID {
	id, err := IDFromHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Bytes returns a copy of the raw identifier bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, IDLength)
	copy(out, id[:])
	return out
}

// Hex returns the lowercase hex encoding of the identifier.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// IsNil reports whether the identifier is the distinguished nil value.
func (id ID) IsNil() bool {
	return id == NilID()
}

// Equal reports identifier equality.
func (id ID) Equal(other ID) bool {
	return id == other
}

func (id ID) String() string {
	return id.Hex()
}

// Compare orders identifiers lexicographically by their raw bytes.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Typed aliases document which identifier family an API expects. They share
// the underlying ID type because the derivation functions move identifiers
// between families (a driver id is a worker id, a dummy object id rides in a
// task's execution dependencies).
type (
	// ObjectID names a value in the object store.
	ObjectID = ID

	// TaskID names a submitted task.
	TaskID = ID

	// DriverID names a driver session. A driver's id is equal to its
	// worker id.
	DriverID = ID

	// ActorID names an actor instance.
	ActorID = ID

	// ActorHandleID names one handle onto an actor; an actor may have many.
	ActorHandleID = ID

	// ClientID names a worker or driver process.
	ClientID = ID
)

// deriveID hashes the parent identifier, a domain tag, and an index into a
// fresh identifier. SHA-1 output is truncated to IDLength bytes.
func deriveID(parent ID, domain byte, index int) ID {
	h := sha1.New()
	h.Write(parent[:])
	h.Write([]byte{domain})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(index))
	h.Write(buf[:])

	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// PutID derives the object id for the putIndex'th put performed within the
// task identified by parent. Put indexes start at 1.
func PutID(parent TaskID, putIndex int) ObjectID {
	return deriveID(parent, idDomainPut, putIndex)
}

// ReturnID derives the object id for the returnIndex'th return value of the
// task identified by parent. Return indexes start at 1.
func ReturnID(parent TaskID, returnIndex int) ObjectID {
	return deriveID(parent, idDomainReturn, returnIndex)
}

// TaskIDFor derives the id of the taskIndex'th task submitted by the task
// identified by parent.
func TaskIDFor(parent TaskID, taskIndex int) TaskID {
	return deriveID(parent, idDomainTask, taskIndex)
}
