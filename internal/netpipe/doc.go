// SPDX-License-Identifier: GPL-3.0-or-later

// Package netpipe provides composable primitives for assembling one side
// of a proxied TCP connection: dial, optional TLS handshake, and I/O
// observation.
//
// # Core Abstraction
//
// The package is built around a single interface:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// Each Func represents an atomic network operation with exactly one success
// mode and one failure mode.
//
// # Available Primitives
//
//   - [ConnectFunc]: dials a TCP endpoint (the outbound, upstream side)
//   - [TLSHandshakeFunc]: performs a TLS handshake over an existing connection,
//     used for both the inbound (server-role) and outbound (client-role) sides
//   - [ObserveConnFunc]: observes connections for logging I/O operations
//
// # Connection Lifecycle
//
// Dial operations ([ConnectFunc], [TLSHandshakeFunc]) create connections and
// transfer ownership to the next stage on success. On error, they close the
// connection they created, so a failed pipeline never leaks a socket.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with [log/slog]).
//
// By default, logging is disabled. Set the Logger field to a custom [*slog.Logger]
// to enable logging. Error classification is configurable via [ErrClassifier]; by
// default, [Config.ErrClassifier] classifies errors with
// github.com/bassosimone/errclass.
//
// Primitives emit Span events (*Start/*Done pairs) recording operation
// lifecycle including timing and success/failure, used for latency analysis
// and error tracking. All events share a common set of fields: localAddr,
// remoteAddr, protocol, and t (timestamp); connectStart omits localAddr,
// since no local address exists before the dial. Completion events (*Done)
// additionally include t0 (start time), err, and errClass. I/O-level events
// (read, write, deadline changes) are emitted at [slog.LevelDebug]; all other
// events use [slog.LevelInfo].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier (UUIDv7) for each
// connection, then attach it to the logger with [*slog.Logger.With]. All log entries
// for that connection share the same spanID, enabling correlation across
// the dial/handshake/relay stages and simplifying log analysis.
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the context they receive.
// The caller controls timeouts externally via [context.WithTimeout], [context.WithDeadline],
// or [signal.NotifyContext]. When the context is done (timeout, cancel, or signal),
// operations fail and the pipeline is interrupted. Binding a connection's lifetime to
// a context (so it closes promptly on cancellation) is the caller's responsibility;
// package relay's engine does this itself by selecting on ctx.Done() directly.
//
// # Design Boundaries
//
// This package intentionally provides only dial/handshake/observe primitives.
// Module pipeline execution, message framing, and the readiness loop that
// relays bytes between two connections live in package relay, one layer up.
package netpipe
