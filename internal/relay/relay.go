// SPDX-License-Identifier: GPL-3.0-or-later

// Package relay implements the bidirectional byte relay: TLS negotiation
// on each side, the readiness-driven read/pipeline/write loop, and
// connection teardown.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/gglessner/parley/internal/config"
	"github.com/gglessner/parley/internal/netpipe"
	"github.com/gglessner/parley/internal/relaymod"
)

// chunkSize is the fixed read chunk. A read returning fewer than
// chunkSize bytes is the end-of-message heuristic: the currently-drained
// OS buffer is treated as one logical message.
const chunkSize = 4096

// HandshakeError reports a failed TLS handshake on either side. Both
// sockets are closed and the worker ends.
type HandshakeError struct {
	Side string // "inbound" or "outbound"
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s TLS handshake failed: %v", e.Side, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// StreamError reports an OS-level I/O error (other than a clean close).
// The worker ends cleanly and [Run] returns the error to its caller.
type StreamError struct {
	Side string // "client" or "upstream"
	Err  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream error: %v", e.Side, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// direction identifies which side produced a message.
type direction int

const (
	fromClient direction = iota
	fromUpstream
)

// readResult is what a reader goroutine hands to the relay goroutine:
// either a non-empty message, a half-close signal (err io.EOF, or an
// empty payload with nil err), or a read error.
type readResult struct {
	dir     direction
	payload []byte
	err     error
}

// peer describes one side of the relay for logging and pipeline
// purposes.
type peer struct {
	addr string
	port int
}

func splitHostPort(conn net.Conn, remote bool) peer {
	var addr net.Addr
	if remote {
		addr = conn.RemoteAddr()
	} else {
		addr = conn.LocalAddr()
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return peer{addr: addr.String()}
	}
	port, _ := strconv.Atoi(portStr)
	return peer{addr: host, port: port}
}

// Run wraps clientConn and upstreamConn per cfg's TLS settings, then
// relays bytes between them through the client and server module
// pipelines until either side closes or an unrecoverable error occurs.
// Run always closes both connections before returning, regardless of
// outcome.
//
// Modules that persist decoded output use the shared [logsink.Sink]
// bound into them at [relaymod.Load] time (via each module's optional
// Init symbol), not a value threaded through Run — the per-message
// Transform contract carries only the routing tuple and payload, so the
// sink never needs to cross the Run boundary itself.
func Run(ctx context.Context, cfg config.ProxyConfig, clientPipeline, upstreamPipeline *relaymod.Registry,
	logger *slog.Logger, clientConn, upstreamConn net.Conn) error {

	spanID := netpipe.NewSpanID()
	logger = logger.With(slog.String("spanID", spanID))

	client, upstream, err := negotiateTLS(ctx, cfg, logger, clientConn, upstreamConn)
	if err != nil {
		clientConn.Close()
		upstreamConn.Close()
		return err
	}
	defer client.Close()
	defer upstream.Close()

	clientPeer := splitHostPort(client, true)
	upstreamPeer := splitHostPort(upstream, true)

	logger.Info("relayStart",
		slog.String("clientAddr", clientPeer.addr), slog.Int("clientPort", clientPeer.port),
		slog.String("upstreamAddr", upstreamPeer.addr), slog.Int("upstreamPort", upstreamPeer.port),
	)

	e := &engine{
		clientPipeline:   clientPipeline,
		upstreamPipeline: upstreamPipeline,
		logger:           logger,
		client:           client,
		upstream:         upstream,
		clientPeer:       clientPeer,
		upstreamPeer:     upstreamPeer,
	}
	return e.run(ctx)
}

// negotiateTLS wraps each side per configuration, then wraps both sides
// in [netpipe.ObserveConnFunc] for per-I/O debug logging. Both TLS wraps
// happen before any payload I/O; a handshake failure on either side
// closes both sockets (the caller does this) and returns a
// *[HandshakeError].
func negotiateTLS(ctx context.Context, cfg config.ProxyConfig, logger *slog.Logger,
	clientConn, upstreamConn net.Conn) (net.Conn, net.Conn, error) {

	netCfg := netpipe.NewConfig()

	client := net.Conn(clientConn)
	if cfg.UseTLSClient {
		tlsCfg, err := cfg.ServerTLSConfig()
		if err != nil {
			return nil, nil, &HandshakeError{Side: "inbound", Err: err}
		}
		conn, err := handshakeServer(ctx, netCfg, logger, tlsCfg, clientConn)
		if err != nil {
			return nil, nil, &HandshakeError{Side: "inbound", Err: err}
		}
		client = conn
	}

	upstream := net.Conn(upstreamConn)
	if cfg.UseTLSServer {
		tlsCfg, err := cfg.ClientTLSConfig()
		if err != nil {
			return nil, nil, &HandshakeError{Side: "outbound", Err: err}
		}
		fn := netpipe.NewTLSHandshakeFunc(netCfg, tlsCfg, logger)
		conn, err := fn.Call(ctx, upstreamConn)
		if err != nil {
			return nil, nil, &HandshakeError{Side: "outbound", Err: err}
		}
		upstream = conn
	}

	observe := netpipe.NewObserveConnFunc(netCfg, logger)
	client, _ = observe.Call(ctx, client)
	upstream, _ = observe.Call(ctx, upstream)

	return client, upstream, nil
}

// serverTLSEngine adapts [tls.Server] to [netpipe.TLSEngine] so the
// inbound (server-role) handshake can reuse [netpipe.TLSHandshakeFunc]'s
// logging exactly like the outbound (client-role) side does.
type serverTLSEngine struct{}

func (serverTLSEngine) Client(conn net.Conn, config *tls.Config) netpipe.TLSConn {
	return tls.Server(conn, config)
}

func (serverTLSEngine) Name() string   { return "stdlib" }
func (serverTLSEngine) Parrot() string { return "" }

func handshakeServer(ctx context.Context, netCfg *netpipe.Config, logger *slog.Logger,
	tlsCfg *tls.Config, conn net.Conn) (net.Conn, error) {
	fn := netpipe.NewTLSHandshakeFunc(netCfg, tlsCfg, logger)
	fn.Engine = serverTLSEngine{}
	return fn.Call(ctx, conn)
}

// engine drives one connection's readiness loop.
type engine struct {
	clientPipeline   *relaymod.Registry
	upstreamPipeline *relaymod.Registry
	logger           *slog.Logger
	client           net.Conn
	upstream         net.Conn
	clientPeer       peer
	upstreamPeer     peer

	closeOnce sync.Once

	clientCounter   uint64
	upstreamCounter uint64
}

// run is the readiness loop. Two reader goroutines, one per stream, only
// ever read and forward to results; the engine goroutine (this one) is
// the sole writer and the sole pipeline executor, which is what
// preserves within-direction ordering without fanning reads and writes
// into racing goroutines.
func (e *engine) run(ctx context.Context) error {
	results := make(chan readResult)

	stopClientReader := make(chan struct{})
	stopUpstreamReader := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go e.readLoop(fromClient, e.client, results, stopClientReader, &wg)
	go e.readLoop(fromUpstream, e.upstream, results, stopUpstreamReader, &wg)

	defer func() {
		close(stopClientReader)
		close(stopUpstreamReader)
		e.closeBoth()
		wg.Wait()
	}()

	open := map[direction]bool{fromClient: true, fromUpstream: true}
	for open[fromClient] || open[fromUpstream] {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r := <-results:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					open[r.dir] = false
					e.logHalfClose(r.dir)
					continue
				}
				return &StreamError{Side: sideName(r.dir), Err: r.err}
			}
			if len(r.payload) == 0 {
				open[r.dir] = false
				e.logHalfClose(r.dir)
				continue
			}
			if err := e.forward(r.dir, r.payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func sideName(d direction) string {
	if d == fromClient {
		return "client"
	}
	return "upstream"
}

func (e *engine) logHalfClose(d direction) {
	e.logger.Info("halfClose", slog.String("side", sideName(d)))
}

// forward increments the direction's counter, runs the message through
// that direction's pipeline, and writes the result to the opposite peer.
func (e *engine) forward(d direction, payload []byte) error {
	var (
		registry         *relaymod.Registry
		srcAddr, dstAddr string
		srcPort, dstPort int
		counter          *uint64
		dst              net.Conn
	)

	switch d {
	case fromClient:
		registry = e.clientPipeline
		srcAddr, srcPort = e.clientPeer.addr, e.clientPeer.port
		dstAddr, dstPort = e.upstreamPeer.addr, e.upstreamPeer.port
		counter = &e.clientCounter
		dst = e.upstream
	case fromUpstream:
		registry = e.upstreamPipeline
		srcAddr, srcPort = e.upstreamPeer.addr, e.upstreamPeer.port
		dstAddr, dstPort = e.clientPeer.addr, e.clientPeer.port
		counter = &e.upstreamCounter
		dst = e.client
	}

	*counter++
	num := *counter

	for _, mod := range registry.Modules() {
		payload = relaymod.Invoke(mod, e.logger, num, srcAddr, srcPort, dstAddr, dstPort, payload)
	}

	if _, err := writeFull(dst, payload); err != nil {
		return &StreamError{Side: sideName(oppositeOf(d)), Err: err}
	}
	return nil
}

func oppositeOf(d direction) direction {
	if d == fromClient {
		return fromUpstream
	}
	return fromClient
}

// writeFull writes the whole buffer, treating a short write (an
// io.ErrShortWrite-shaped failure net.Conn never actually returns, but
// the check costs nothing and documents the contract) as an error.
func writeFull(conn net.Conn, payload []byte) (int, error) {
	n, err := conn.Write(payload)
	if err != nil {
		return n, err
	}
	if n < len(payload) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// readLoop reads chunkSize-sized chunks from conn, accumulating into one
// message until a short read or EOF, and sends each message (or the EOF
// signal) on results. It exits when stop is closed while it waits to
// send, or when conn is closed out from under it (which produces a
// non-nil Read error and unblocks the loop).
func (e *engine) readLoop(dir direction, conn net.Conn, results chan<- readResult, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, chunkSize)
	for {
		var msg bytes.Buffer
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				msg.Write(buf[:n])
			}
			if err != nil {
				// A Read may return a final n>0 alongside the error (the
				// io.Reader contract permits this); flush that tail as its
				// own message before reporting the error so no bytes are
				// silently dropped.
				if msg.Len() > 0 {
					select {
					case results <- readResult{dir: dir, payload: msg.Bytes()}:
					case <-stop:
						return
					}
				}
				select {
				case results <- readResult{dir: dir, err: err}:
				case <-stop:
				}
				return
			}
			if n < chunkSize {
				break
			}
		}
		select {
		case results <- readResult{dir: dir, payload: msg.Bytes()}:
		case <-stop:
			return
		}
	}
}

// closeBoth closes both connections exactly once, unblocking any
// in-progress reads so the reader goroutines can exit.
func (e *engine) closeBoth() {
	e.closeOnce.Do(func() {
		e.client.Close()
		e.upstream.Close()
	})
}
