// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"bytes"
	"fmt"
)

// Control plane key layout. Keys are raw byte strings; identifiers are
// embedded in their 20-byte binary form, not hex.
const (
	errorKeyPrefix    = "Error:"
	driversKeyPrefix  = "Drivers:"
	workersKeyPrefix  = "Workers:"
	functionsToRunKey = "FunctionsToRun:"
	lockKeyPrefix     = "Lock:"

	// ExportsList is the list key that orders every export; workers
	// replay it from their import subscription.
	ExportsList = "Exports"

	// ErrorKeysList orders the error keys pushed for drivers.
	ErrorKeysList = "ErrorKeys"

	// ErrorChannel is the pubsub channel error events publish on.
	ErrorChannel = "ErrorInfo"

	// ExportsChannel is the pubsub channel export keys publish on.
	ExportsChannel = "ExportsInfo"
)

// ErrorKey builds the control plane key for an error pushed to a driver:
// "Error:" + driver id + ":" + error id. A zeroed driver id addresses all
// drivers.
func ErrorKey(driverID DriverID, errorID ID) []byte {
	buf := make([]byte, 0, len(errorKeyPrefix)+2*IDLength+1)
	buf = append(buf, errorKeyPrefix...)
	buf = append(buf, driverID[:]...)
	buf = append(buf, ':')
	buf = append(buf, errorID[:]...)
	return buf
}

// ParseErrorKey splits an error key into its driver and error ids.
func ParseErrorKey(key []byte) (DriverID, ID, error) {
	want := len(errorKeyPrefix) + 2*IDLength + 1
	if len(key) != want || !bytes.HasPrefix(key, []byte(errorKeyPrefix)) {
		return ID{}, ID{}, fmt.Errorf("malformed error key %q", key)
	}
	rest := key[len(errorKeyPrefix):]
	driverID, err := IDFromBytes(rest[:IDLength])
	if err != nil {
		return ID{}, ID{}, err
	}
	errorID, err := IDFromBytes(rest[IDLength+1:])
	if err != nil {
		return ID{}, ID{}, err
	}
	return driverID, errorID, nil
}

// ErrorKeyAppliesTo reports whether an error key addresses the given
// driver. A driver id of all zero bytes is the all-drivers wildcard.
func ErrorKeyAppliesTo(key []byte, driverID DriverID) bool {
	keyDriver, _, err := ParseErrorKey(key)
	if err != nil {
		return false
	}
	var wildcard ID
	return keyDriver == driverID || keyDriver == wildcard
}

// WildcardDriverID is the all-zero driver id addressing every driver.
func WildcardDriverID() DriverID {
	return ID{}
}

// DriversKey builds the registration key for a driver session.
func DriversKey(workerID ClientID) []byte {
	return append([]byte(driversKeyPrefix), workerID[:]...)
}

// WorkersKey builds the registration key for a worker process.
func WorkersKey(workerID ClientID) []byte {
	return append([]byte(workersKeyPrefix), workerID[:]...)
}

// FunctionsToRunKey builds the blob key for an exported function-to-run,
// addressed by the given hash (the function manager uses the SHA-1 of the
// setup function's name).
func FunctionsToRunKey(hash []byte) []byte {
	return append([]byte(functionsToRunKey), hash...)
}

// LockKey prefixes a key with the lock namespace used for one-shot
// SetIfAbsent claims.
func LockKey(key []byte) []byte {
	return append([]byte(lockKeyPrefix), key...)
}
