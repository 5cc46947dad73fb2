package gdbserver

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tricore-tools/tricore-gdb/internal/flash"
	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

// qSupportedReply advertises what the bridge speaks. PacketSize is hex.
const qSupportedReply = "PacketSize=4000;QStartNoAckMode+;qXfer:features:read+;qXfer:memory-map:read+;swbreak+;vContSupported+"

// maxReadLen bounds a single m request so the hex reply stays inside the
// advertised packet size.
const maxReadLen = 0x2000

// Session-ending sentinels. Both trigger the normal teardown path; detach
// additionally resumes the cores so the target keeps running without us.
var (
	errClientDetached = errors.New("client detached")
	errClientKill     = errors.New("client requested kill")
)

// dispatch executes one parsed command and sends its reply. A non-nil
// return ends the session; everything recoverable is answered on the wire
// and swallowed here.
func (s *session) dispatch(c command) error {
	switch c := c.(type) {
	case cmdInvalid:
		s.log.WithField("reason", c.reason).Warn("malformed packet")
		return s.reply("E01")
	case cmdUnknown:
		return s.reply("")

	case cmdQSupported:
		s.log.WithField("features", c.features).Debug("client capabilities")
		return s.reply(qSupportedReply)
	case cmdStartNoAck:
		if err := s.reply("OK"); err != nil {
			return err
		}
		s.cl.SetNoAck()
		return nil
	case cmdAttached:
		return s.reply("1")

	case cmdHaltReason:
		return s.handleHaltReason()
	case cmdCurrentThread:
		return s.reply(fmt.Sprintf("QC%x", s.selected+1))
	case cmdThreadInfoFirst:
		tids := make([]string, len(s.cores))
		for i := range s.cores {
			tids[i] = fmt.Sprintf("%x", i+1)
		}
		return s.reply("m" + strings.Join(tids, ","))
	case cmdThreadInfoNext:
		return s.reply("l")
	case cmdThreadAlive:
		if c.tid >= 1 && c.tid <= len(s.cores) {
			return s.reply("OK")
		}
		return s.reply("E01")
	case cmdSetThread:
		return s.handleSetThread(c)

	case cmdReadRegs:
		regs, err := s.cores[s.selected].ReadRegisters()
		if err != nil {
			return s.replyFailure(err)
		}
		return s.reply(encodeRegisters(regs))
	case cmdWriteRegs:
		regs, err := decodeRegisters(c.hex)
		if err != nil {
			return s.reply("E01")
		}
		if err := s.cores[s.selected].WriteRegisters(regs); err != nil {
			return s.replyFailure(err)
		}
		return s.reply("OK")
	case cmdReadReg:
		if c.n >= numRegs {
			return s.reply("E01")
		}
		regs, err := s.cores[s.selected].ReadRegisters()
		if err != nil {
			return s.replyFailure(err)
		}
		v, _ := regValue(regs, c.n)
		return s.reply(hexLE32(v))
	case cmdWriteReg:
		if c.n >= numRegs {
			return s.reply("E01")
		}
		return s.handleWriteReg(c.n, c.val)

	case cmdReadMem:
		if c.n > maxReadLen {
			return s.reply("E01")
		}
		buf, err := readTargetMemory(s.cores[s.selected], s.bps, s.dev.MaxTransfer(), c.addr, c.n)
		if err != nil {
			return s.replyFailure(err)
		}
		return s.reply(hex.EncodeToString(buf))
	case cmdWriteMem:
		if err := writeTargetMemory(s.cores[s.selected], s.bps, s.dev.MaxTransfer(), c.addr, c.data); err != nil {
			return s.replyFailure(err)
		}
		return s.reply("OK")

	case cmdSetBreak:
		if err := s.bps.Set(c.addr, c.kind); err != nil {
			return s.replyFailure(err)
		}
		s.publish()
		return s.reply("OK")
	case cmdClearBreak:
		if err := s.bps.Clear(c.addr, c.kind); err != nil {
			return s.replyFailure(err)
		}
		s.publish()
		return s.reply("OK")

	case cmdContinue:
		return s.handleResume(vcontAction{kind: 'c', tid: s.contCore + 1}, c.hasAddr, c.addr)
	case cmdStep:
		return s.handleResume(vcontAction{kind: 's', tid: s.contCore + 1}, c.hasAddr, c.addr)
	case cmdVCont:
		return s.handleVCont(c.actions)
	case cmdVContQuery:
		return s.reply("vCont;c;C;s;S")

	case cmdXfer:
		return s.handleXfer(c)
	case cmdMonitor:
		return s.handleMonitor(c.line)

	case cmdFlashErase:
		if s.flashJob == nil {
			s.flashJob = s.flashProg.NewJob()
		}
		if err := s.flashJob.StageErase(c.addr, c.length); err != nil {
			return s.replyFailure(err)
		}
		s.publish()
		return s.reply("OK")
	case cmdFlashWrite:
		if s.flashJob == nil {
			s.flashJob = s.flashProg.NewJob()
		}
		if err := s.flashJob.StageWrite(c.addr, c.data); err != nil {
			return s.replyFailure(err)
		}
		s.publish()
		return s.reply("OK")
	case cmdFlashDone:
		return s.handleFlashDone()

	case cmdDetach:
		s.resumeOnDetach = true
		if err := s.reply("OK"); err != nil {
			return err
		}
		return errClientDetached
	case cmdKill:
		return errClientKill
	}
	return s.reply("")
}

func (s *session) reply(text string) error {
	return s.cl.SendString(text)
}

// replyFailure answers a failed command. Target-side refusals keep the
// session alive; a broken adapter link gets one last error reply and then
// takes the session down.
func (s *session) replyFailure(err error) error {
	var ae *mcd.AdapterError
	var te *mcd.TargetError
	var ve *flash.VerifyError
	switch {
	case errors.As(err, &ae):
		s.log.WithError(err).Error("adapter failure, closing session")
		if werr := s.reply("E01"); werr != nil {
			return werr
		}
		return err
	case errors.As(err, &te):
		s.log.WithError(err).Debug("target refused operation")
		return s.reply("E03")
	case errors.As(err, &ve):
		s.log.WithError(err).Error("flash verify failed")
		return s.reply("E04")
	case errors.Is(err, flash.ErrNotHalted):
		return s.reply("E05")
	case errors.Is(err, errNoBreakpoint), errors.Is(err, errBreakpointOverlap):
		return s.reply("E02")
	case errors.Is(err, errInvalidThread):
		return s.reply("E01")
	default:
		s.log.WithError(err).Warn("command failed")
		return s.reply("E01")
	}
}

func (s *session) handleHaltReason() error {
	if s.lastStop != nil {
		return s.reply(s.lastStop.encode())
	}
	core := s.cores[s.selected]
	st, err := core.State()
	if err != nil {
		return s.replyFailure(err)
	}
	if st != mcd.StateHalted {
		return s.reply("S00")
	}
	reply := stopReply{signal: sigTrap, tid: s.selected + 1}
	if regs, err := core.ReadRegisters(); err == nil {
		reply.pc, reply.hasPC = regs.PC, true
	}
	s.lastStop = &reply
	return s.reply(reply.encode())
}

// handleSetThread services Hg and Hc, which select independent cores:
// Hg names the core for register and memory traffic, Hc the one the
// legacy c and s packets act on. Thread id 0 ("any") keeps the current
// selection.
func (s *session) handleSetThread(c cmdSetThread) error {
	if c.tid == 0 {
		return s.reply("OK")
	}
	if c.tid < 1 || c.tid > len(s.cores) {
		return s.reply("E01")
	}
	if c.op == 'c' {
		s.contCore = c.tid - 1
	} else {
		s.selected = c.tid - 1
	}
	return s.reply("OK")
}

func (s *session) handleWriteReg(n int, val uint32) error {
	core := s.cores[s.selected]
	regs, err := core.ReadRegisters()
	if err != nil {
		return s.replyFailure(err)
	}
	setRegValue(regs, n, val)
	if err := core.WriteRegisters(regs); err != nil {
		return s.replyFailure(err)
	}
	return s.reply("OK")
}

// handleResume services the legacy c and s packets, which act on the
// continue-selected core only. An explicit address moves that core's PC
// before resuming.
func (s *session) handleResume(act vcontAction, hasAddr bool, addr uint32) error {
	if hasAddr {
		core := s.cores[act.tid-1]
		regs, err := core.ReadRegisters()
		if err != nil {
			return s.replyFailure(err)
		}
		regs.PC = addr
		if err := core.WriteRegisters(regs); err != nil {
			return s.replyFailure(err)
		}
	}
	return s.handleVCont([]vcontAction{act})
}

func (s *session) handleVCont(actions []vcontAction) error {
	stop, err := s.exec.commit(actions)
	if err != nil {
		return s.replyFailure(err)
	}
	if stop != nil {
		s.lastStop = stop
		s.publish()
		return s.reply(stop.encode())
	}
	// Cores are running; the stop reply is owed later, when the target
	// reports an event or the client interrupts.
	s.publish()
	return nil
}

func (s *session) handleXfer(c cmdXfer) error {
	var doc []byte
	switch {
	case c.object == "features" && c.annex == "target.xml":
		doc = targetXML()
	case c.object == "memory-map" && c.annex == "":
		doc = memoryMapXML(s.dev.Regions())
	default:
		return s.reply("")
	}
	return s.cl.SendBinary(xferWindow(doc, c.offset, c.length))
}

func (s *session) handleMonitor(line string) error {
	lines, err := s.monitorCmd(strings.TrimSpace(line))
	if err != nil {
		return s.replyFailure(err)
	}
	if len(lines) == 1 {
		return s.reply(hex.EncodeToString([]byte(lines[0] + "\n")))
	}
	for _, l := range lines {
		if err := s.cl.SendConsole(l + "\n"); err != nil {
			return err
		}
	}
	return s.reply("OK")
}

// handleFlashDone commits everything staged since the first vFlashErase.
// The cores are brought to a stop first; programming a live system is
// refused one layer down if a core will not halt.
func (s *session) handleFlashDone() error {
	if s.flashJob == nil {
		return s.reply("OK")
	}
	job := s.flashJob
	s.flashJob = nil
	if err := s.exec.stopAll(); err != nil {
		return s.replyFailure(err)
	}
	if err := job.Commit(); err != nil {
		s.publish()
		return s.replyFailure(err)
	}
	s.publish()
	return s.reply("OK")
}
