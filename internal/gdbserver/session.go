package gdbserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tricore-tools/tricore-gdb/internal/diag"
	"github.com/tricore-tools/tricore-gdb/internal/flash"
	"github.com/tricore-tools/tricore-gdb/internal/launch"
	"github.com/tricore-tools/tricore-gdb/internal/mcd"
	"github.com/tricore-tools/tricore-gdb/internal/rsp"
	"github.com/tricore-tools/tricore-gdb/internal/script"
)

// session owns one client connection and, for its lifetime, the hardware
// handle. Commands run strictly in order on the session goroutine; the
// only other goroutine is the packet reader feeding the select loop,
// which also watches the adapter's event stream.
type session struct {
	id     string
	srv    *Server
	raw    net.Conn
	cl     *rsp.Conn
	remote string

	dev       mcd.Connection
	cores     []mcd.Core
	bps       *breakpointSet
	exec      *executor
	flashProg *flash.Programmer
	flashJob  *flash.Job

	selected       int // data-ops core (Hg)
	contCore       int // continue/step core (Hc)
	lastStop       *stopReply
	resumeOnDetach bool

	done chan struct{}
	log  *logrus.Entry
}

// newSession claims the hardware, checks the adapter server version and
// runs the launch descriptor's pre-connect commands. Any failure here
// releases the hardware again; the caller only has to close the socket.
func newSession(srv *Server, conn net.Conn) (*session, error) {
	dev, err := srv.dev.Connect()
	if err != nil {
		return nil, err
	}
	if err := mcd.CheckServerVersion(dev.ServerVersion(), srv.cfg.MinServerVersion); err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	cores := dev.Cores()
	if len(cores) == 0 {
		_ = dev.Disconnect()
		return nil, errors.New("device reports no cores")
	}

	id := uuid.NewString()[:8]
	log := srv.log.WithFields(logrus.Fields{
		"session": id,
		"remote":  conn.RemoteAddr().String(),
	})
	s := &session{
		id:     id,
		srv:    srv,
		raw:    conn,
		remote: conn.RemoteAddr().String(),
		dev:    dev,
		cores:  cores,
		done:   make(chan struct{}),
		log:    log,
	}
	s.cl = rsp.NewConn(conn, log, srv.cfg.WireLog)
	s.bps = newBreakpointSet(cores[0], log)
	s.exec = newExecutor(dev, cores, s.bps, log)
	s.flashProg = flash.NewProgrammer(dev, log)

	log.WithFields(logrus.Fields{
		"cores":  len(cores),
		"server": dev.ServerVersion(),
	}).Info("session opened")

	if srv.cfg.HaltOnConnect {
		if err := s.exec.stopAll(); err != nil {
			log.WithError(err).Error("halt on connect failed")
			_ = dev.Disconnect()
			return nil, err
		}
	}
	if err := s.runPreConnect(); err != nil {
		log.WithError(err).Error("pre-connect setup failed")
		_ = dev.Disconnect()
		return nil, err
	}
	s.publish()
	return s, nil
}

// runPreConnect executes the launch descriptor's setup entries: .lua
// files through the script engine, everything else as monitor commands.
// The first hard failure aborts the session before the client gets a
// reply, since half-configured hardware must not look attached.
func (s *session) runPreConnect() error {
	if len(s.srv.spec.PreConnect) == 0 {
		return nil
	}
	var eng *script.Engine
	defer func() {
		if eng != nil {
			eng.Close()
		}
	}()
	for _, entry := range s.srv.spec.PreConnect {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if launch.IsScript(entry) {
			if eng == nil {
				e, err := script.NewEngine(s.dev, s.log)
				if err != nil {
					return err
				}
				eng = e
			}
			if err := eng.RunFile(entry); err != nil {
				return err
			}
			continue
		}
		lines, err := s.monitorCmd(entry)
		if err != nil {
			return err
		}
		for _, l := range lines {
			s.log.WithField("source", "pre-connect").Info(l)
		}
	}
	return nil
}

// run drives the session until the client leaves or the adapter dies.
// Teardown happens on every exit path.
func (s *session) run() error {
	defer s.teardown()

	packets := make(chan rsp.Packet)
	readErr := make(chan error, 1)
	go s.readLoop(packets, readErr)

	for {
		select {
		case pkt, ok := <-packets:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) {
					s.log.Info("client disconnected")
					return nil
				}
				return err
			}
			var err error
			if pkt.Interrupt {
				err = s.handleInterrupt()
			} else {
				err = s.dispatch(parseCommand(pkt.Data))
			}
			if err != nil {
				if errors.Is(err, errClientDetached) || errors.Is(err, errClientKill) {
					s.log.WithField("cause", err.Error()).Info("session ending")
					return nil
				}
				return err
			}
		case ev, ok := <-s.dev.Events():
			if !ok {
				return &mcd.AdapterError{Op: "event stream", Core: -1, Err: errors.New("closed")}
			}
			if err := s.handleAsyncEvent(ev); err != nil {
				return err
			}
		}
	}
}

// readLoop pulls packets off the wire. Checksum failures were already
// refused on the wire and are simply skipped here.
func (s *session) readLoop(packets chan<- rsp.Packet, readErr chan<- error) {
	defer close(packets)
	for {
		pkt, err := s.cl.Recv()
		if err != nil {
			if errors.Is(err, rsp.ErrBadChecksum) {
				continue
			}
			readErr <- err
			return
		}
		select {
		case packets <- pkt:
		case <-s.done:
			return
		}
	}
}

// handleInterrupt services a 0x03 byte. While running it halts the world
// and reports why; on an idle target it repeats the last stop so the
// client's view stays consistent.
func (s *session) handleInterrupt() error {
	if s.exec.isRunning() {
		stop, err := s.exec.interrupt()
		if err != nil {
			_ = s.reply("E01")
			return err
		}
		s.lastStop = stop
		s.publish()
		return s.reply(stop.encode())
	}
	if s.lastStop != nil {
		return s.reply(s.lastStop.encode())
	}
	return s.reply(fmt.Sprintf("S%02x", sigInt))
}

// handleAsyncEvent reacts to the target stopping on its own: a core hit
// a breakpoint or faulted without a resume command in flight from this
// loop iteration. All cores are halted and the stop is recorded; the
// reply only goes out if the client is actually waiting for one.
func (s *session) handleAsyncEvent(ev mcd.Event) error {
	wasRunning := s.exec.isRunning()
	stop, err := s.exec.handleEvent(ev)
	if err != nil {
		_ = s.reply("E01")
		return err
	}
	s.lastStop = stop
	s.publish()
	s.log.WithFields(logrus.Fields{
		"core": ev.CoreID + 1,
		"kind": ev.Kind.String(),
		"pc":   fmt.Sprintf("0x%08x", ev.PC),
	}).Info("target stopped")
	if !wasRunning {
		return nil
	}
	return s.reply(stop.encode())
}

// teardown restores every patched byte, optionally resumes the cores and
// releases the hardware handle. It runs on every exit path; failures are
// logged and never reach the client, who is gone by now.
func (s *session) teardown() {
	close(s.done)
	_ = s.raw.Close()

	if err := s.exec.stopAll(); err != nil {
		s.log.WithError(err).Warn("halt during teardown failed")
	}
	if err := s.bps.RestoreAll(); err != nil {
		s.log.WithError(err).Warn("breakpoint restore during teardown failed")
	}
	if s.resumeOnDetach {
		for i, core := range s.cores {
			if err := core.Resume(); err != nil {
				s.log.WithError(err).WithField("core", i+1).Warn("resume on detach failed")
			}
		}
	}
	if err := s.dev.Disconnect(); err != nil {
		s.log.WithError(err).Warn("adapter disconnect failed")
	}
	s.srv.sessionClosed()
	s.log.Info("session closed")
}

func (s *session) publish() {
	s.srv.publish(s.snapshot())
}

func (s *session) snapshot() diag.Snapshot {
	snap := diag.Snapshot{
		SessionID: s.id,
		Remote:    s.remote,
		Device:    s.srv.dev.Info().Name,
		Connected: true,
		NoAck:     s.cl.NoAck(),
	}
	for i, core := range s.cores {
		cs := diag.CoreStatus{ID: i + 1}
		st, err := core.State()
		if err != nil {
			cs.State = "unknown"
		} else {
			cs.State = st.String()
			if st == mcd.StateHalted {
				if regs, rerr := core.ReadRegisters(); rerr == nil {
					cs.PC = fmt.Sprintf("0x%08x", regs.PC)
				}
			}
		}
		snap.Cores = append(snap.Cores, cs)
	}
	for _, bp := range s.bps.List() {
		snap.Breakpoints = append(snap.Breakpoints, diag.BreakpointStatus{
			Addr: fmt.Sprintf("0x%08x", bp.Addr),
			Kind: bp.Kind,
		})
	}
	if s.flashJob != nil {
		snap.Flash = diag.FlashStatus{
			StagedErases: s.flashJob.StagedErases(),
			StagedWrites: s.flashJob.StagedWrites(),
			StagedBytes:  s.flashJob.StagedBytes(),
		}
	}
	return snap
}
