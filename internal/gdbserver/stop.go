package gdbserver

import (
	"fmt"
	"strings"

	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

// Signal numbers reported in stop replies.
const (
	sigInt  = 2
	sigIll  = 4
	sigTrap = 5
	sigFpe  = 8
	sigBus  = 10
	sigSegv = 11
)

// signalFor maps an adapter stop event to the signal number the client
// sees, and whether the stop gets a swbreak reason. Unknown fault codes
// fall back to a generic trap so new adapter revisions degrade gracefully.
func signalFor(ev mcd.Event) (sig byte, swbreak bool) {
	switch ev.Kind {
	case mcd.EventBreak:
		return sigTrap, true
	case mcd.EventStepDone:
		return sigTrap, false
	case mcd.EventHalted:
		return sigInt, false
	case mcd.EventFault:
		switch ev.Code {
		case mcd.FaultIllegalOpcode:
			return sigIll, false
		case mcd.FaultArithmetic:
			return sigFpe, false
		case mcd.FaultBusError, mcd.FaultAlignment:
			return sigBus, false
		case mcd.FaultProtection:
			return sigSegv, false
		}
	}
	return sigTrap, false
}

// stopReply is one consolidated stop notification. tid is 1-based; zero
// means no thread attribution and forces the short S form.
type stopReply struct {
	signal  byte
	tid     int
	pc      uint32
	hasPC   bool
	swbreak bool
}

func buildStopReply(ev mcd.Event) stopReply {
	sig, swb := signalFor(ev)
	return stopReply{
		signal:  sig,
		tid:     ev.CoreID + 1,
		pc:      ev.PC,
		hasPC:   true,
		swbreak: swb,
	}
}

// encode renders the T (or S) stop packet. The PC travels along as a
// register pair so clients skip one register fetch round trip.
func (r stopReply) encode() string {
	if r.tid <= 0 {
		return fmt.Sprintf("S%02x", r.signal)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "T%02xthread:%x;", r.signal, r.tid)
	if r.swbreak {
		sb.WriteString("swbreak:;")
	}
	if r.hasPC {
		fmt.Fprintf(&sb, "%x:%s;", regPC, hexLE32(r.pc))
	}
	return sb.String()
}
