// SPDX-License-Identifier: GPL-3.0-or-later

// Package broker implements the connection broker: it binds the
// listening socket, accepts inbound connections, dials the configured
// upstream for each one, and spawns a relay worker per pair.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/gglessner/parley/internal/config"
	"github.com/gglessner/parley/internal/netpipe"
	"github.com/gglessner/parley/internal/relay"
	"github.com/gglessner/parley/internal/relaymod"
)

// BindError reports a listener that could not be bound. Fatal at
// startup.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ConnectError reports a failed outbound dial for one specific inbound
// connection. Non-fatal: the inbound socket is closed and the broker
// keeps accepting.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Broker accepts inbound TCP connections and relays each to a freshly
// dialed upstream.
type Broker struct {
	cfg              config.ProxyConfig
	clientPipeline   *relaymod.Registry
	upstreamPipeline *relaymod.Registry
	logger           *slog.Logger
	connect          *netpipe.ConnectFunc
}

// New constructs a [*Broker]. clientPipeline and upstreamPipeline are
// the already-loaded module registries for the client→server and
// server→client directions respectively.
func New(cfg config.ProxyConfig, clientPipeline, upstreamPipeline *relaymod.Registry, logger *slog.Logger) *Broker {
	return &Broker{
		cfg:              cfg,
		clientPipeline:   clientPipeline,
		upstreamPipeline: upstreamPipeline,
		logger:           logger,
		connect:          netpipe.NewConnectFunc(netpipe.NewConfig(), "tcp", logger),
	}
}

// listenConfig enables SO_REUSEADDR on the listening socket before
// bind, matching the reference implementation's
// `setsockopt(SO_REUSEADDR)` + `bind` + `listen(5)` sequence. Go's
// listener backlog is OS-managed and not settable portably, so the
// backlog of 5 is not reproduced; SO_REUSEADDR is the one socket option this proxy
// actually depends on for fast restart after a crash or redeploy.
var listenConfig = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	},
}

// ListenAndServe binds the configured listening address and serves
// inbound connections until ctx is done or an unrecoverable bind error
// occurs. It blocks until shutdown.
func (b *Broker) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(b.cfg.ListenHost, fmt.Sprintf("%d", b.cfg.ListenPort))
	ln, err := listenConfig.Listen(ctx, "tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	context.AfterFunc(ctx, func() { ln.Close() })

	b.logger.Info("listening", slog.String("addr", addr))
	return b.serve(ctx, ln)
}

// serve runs the blocking accept loop. It returns nil when ctx is done
// (signalled by the listener closing and Accept failing with
// net.ErrClosed), or the first non-recoverable Accept error otherwise.
//
// Per-connection workers are tracked with an [errgroup.Group] purely for
// goroutine lifecycle (so serve can wait for every in-flight relay to
// unwind before returning); handle never returns a non-nil error, since
// one connection's outcome must never affect its siblings.
func (b *Broker) serve(ctx context.Context, ln net.Listener) error {
	var g errgroup.Group
	defer g.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		g.Go(func() error {
			b.handle(ctx, conn)
			return nil
		})
	}
}

// handle dials the upstream target for one accepted inbound connection
// and, on success, runs the relay worker. A dial failure is logged as a
// *ConnectError and the inbound socket is closed; it never propagates
// to serve, so the broker keeps accepting.
func (b *Broker) handle(ctx context.Context, inbound net.Conn) {
	target := net.JoinHostPort(b.cfg.TargetHost, fmt.Sprintf("%d", b.cfg.TargetPort))

	upstream, err := b.connect.Call(ctx, target)
	if err != nil {
		b.logger.Warn("connectError", slog.String("target", target), slog.Any("err", &ConnectError{Target: target, Err: err}))
		inbound.Close()
		return
	}

	if err := relay.Run(ctx, b.cfg, b.clientPipeline, b.upstreamPipeline, b.logger, inbound, upstream); err != nil {
		b.logger.Warn("relayEnded", slog.Any("err", err))
	}
}
