// Package gdbserver bridges GDB's Remote Serial Protocol to a multicore
// debug-access adapter: one TCP client at a time drives halt, step,
// breakpoint, memory and flash operations against the attached device.
package gdbserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tricore-tools/tricore-gdb/internal/diag"
	"github.com/tricore-tools/tricore-gdb/internal/launch"
	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

// bridgeVersion is what the monitor version command reports.
const bridgeVersion = "0.9.1"

// Server accepts debugger connections and runs one session at a time
// against the device. A second client connecting while a session holds
// the hardware is turned away without a handshake.
type Server struct {
	dev  mcd.Device
	cfg  launch.Config
	spec *launch.Spec
	log  *logrus.Entry

	busy  atomic.Bool
	snap  atomic.Pointer[diag.Snapshot]
	stale func() []string
}

func NewServer(dev mcd.Device, cfg launch.Config, spec *launch.Spec, log *logrus.Entry) *Server {
	if spec == nil {
		spec = &launch.Spec{}
	}
	return &Server{dev: dev, cfg: cfg, spec: spec, log: log}
}

// SetStaleSource wires in the launch file watcher; fn is queried on every
// Snapshot call. Must be set before Serve.
func (s *Server) SetStaleSource(fn func() []string) {
	s.stale = fn
}

// HandleConn serves a single debugger session over conn and returns once
// it ends. The connection is closed on every path.
func (s *Server) HandleConn(conn net.Conn) error {
	defer conn.Close()
	if !s.busy.CompareAndSwap(false, true) {
		s.log.WithField("remote", conn.RemoteAddr().String()).Warn("rejecting client, session already active")
		return mcd.ErrDeviceBusy
	}
	defer s.busy.Store(false)

	sess, err := newSession(s, conn)
	if err != nil {
		s.log.WithError(err).Error("session setup failed")
		return err
	}
	return sess.run()
}

// Serve accepts debugger connections until ctx is canceled or the
// listener fails. Each connection gets its own goroutine so a stalled
// session never blocks the accept loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.log.WithField("listen", ln.Addr().String()).Info("accepting debugger connections")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := s.HandleConn(conn); err != nil && !errors.Is(err, mcd.ErrDeviceBusy) {
				s.log.WithError(err).Debug("session ended with error")
			}
		}()
	}
}

// Snapshot implements diag.Snapshotter. Between sessions it reports the
// idle device; stale launch files are folded in either way.
func (s *Server) Snapshot() diag.Snapshot {
	var snap diag.Snapshot
	if p := s.snap.Load(); p != nil {
		snap = *p
	} else {
		snap.Device = s.dev.Info().Name
	}
	if s.stale != nil {
		snap.StaleFiles = s.stale()
	}
	return snap
}

func (s *Server) publish(snap diag.Snapshot) {
	s.snap.Store(&snap)
}

func (s *Server) sessionClosed() {
	s.snap.Store(nil)
}
