// SPDX-License-Identifier: GPL-3.0-or-later

package netpipe

import "context"

// Func is a generic operation that accepts an input and returns a result.
// [ConnectFunc], [TLSHandshakeFunc], and [ObserveConnFunc] all implement it,
// so each stage of connection setup has the same Call(ctx, input) shape.
//
// Resource cleanup contract: when a Func receives a closeable resource as input
// and returns an error, it is responsible for closing that resource before returning.
// This ensures a failed pipeline stage does not leak resources on partial failure.
// See [TLSHandshakeFunc] for an example of this pattern.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}
