// SPDX-License-Identifier: GPL-3.0-or-later

// Package relaymod implements the transform-module contract and the
// registry that discovers, loads, and orders modules for one direction of
// the relay's pipeline.
package relaymod

import "fmt"

// TransformFunc is the one entry point every module exposes.
//
// A conforming implementation must not touch the network; it may log or
// append to the log sink. It must return a byte buffer — returning the
// input unchanged is legal and common for display-only modules. It must
// never panic in a way that escapes the registry's fault boundary; see
// [Invoke].
type TransformFunc func(messageNum uint64, srcAddr string, srcPort int, dstAddr string, dstPort int, payload []byte) []byte

// Module is one loaded transform unit, identified by the plugin filename
// it was loaded from (without extension).
type Module struct {
	// Name is the plugin filename without extension, e.g. "01_upper".
	Name string

	// Description is the module's human-readable description, exported
	// by the plugin as a top-level `Description string` symbol.
	Description string

	// Transform is the module's entry point, exported by the plugin as
	// a top-level `Transform` symbol matching [TransformFunc].
	Transform TransformFunc
}

// LoadError reports a malformed or missing-contract module. It is fatal
// at startup.
type LoadError struct {
	Path   string
	Reason string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("module %s: %s", e.Path, e.Reason)
}
