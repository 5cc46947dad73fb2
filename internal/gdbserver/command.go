package gdbserver

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// command is the parsed form of one client packet. The dispatcher switches
// over the concrete types; anything the bridge does not speak parses to
// cmdUnknown and earns the empty reply the protocol mandates.
type command interface{ isCommand() }

type (
	cmdInvalid    struct{ reason string }
	cmdUnknown    struct{}
	cmdHaltReason struct{}
	cmdReadRegs   struct{}
	cmdWriteRegs  struct{ hex string }
	cmdReadReg    struct{ n int }
	cmdWriteReg   struct {
		n   int
		val uint32
	}
	cmdReadMem struct {
		addr uint32
		n    int
	}
	cmdWriteMem struct {
		addr uint32
		data []byte
	}
	cmdSetBreak struct {
		addr uint32
		kind int
	}
	cmdClearBreak struct {
		addr uint32
		kind int
	}
	cmdContinue struct {
		addr    uint32
		hasAddr bool
	}
	cmdStep struct {
		addr    uint32
		hasAddr bool
	}
	cmdVCont      struct{ actions []vcontAction }
	cmdVContQuery struct{}
	cmdSetThread  struct {
		op  byte
		tid int
	}
	cmdThreadInfoFirst struct{}
	cmdThreadInfoNext  struct{}
	cmdCurrentThread   struct{}
	cmdThreadAlive     struct{ tid int }
	cmdQSupported      struct{ features string }
	cmdStartNoAck      struct{}
	cmdAttached        struct{}
	cmdDetach          struct{}
	cmdKill            struct{}
	cmdXfer            struct {
		object string
		annex  string
		offset int
		length int
	}
	cmdMonitor    struct{ line string }
	cmdFlashErase struct {
		addr   uint32
		length uint32
	}
	cmdFlashWrite struct {
		addr uint32
		data []byte
	}
	cmdFlashDone struct{}
)

func (cmdInvalid) isCommand()         {}
func (cmdUnknown) isCommand()         {}
func (cmdHaltReason) isCommand()      {}
func (cmdReadRegs) isCommand()        {}
func (cmdWriteRegs) isCommand()       {}
func (cmdReadReg) isCommand()         {}
func (cmdWriteReg) isCommand()        {}
func (cmdReadMem) isCommand()         {}
func (cmdWriteMem) isCommand()        {}
func (cmdSetBreak) isCommand()        {}
func (cmdClearBreak) isCommand()      {}
func (cmdContinue) isCommand()        {}
func (cmdStep) isCommand()            {}
func (cmdVCont) isCommand()           {}
func (cmdVContQuery) isCommand()      {}
func (cmdSetThread) isCommand()       {}
func (cmdThreadInfoFirst) isCommand() {}
func (cmdThreadInfoNext) isCommand()  {}
func (cmdCurrentThread) isCommand()   {}
func (cmdThreadAlive) isCommand()     {}
func (cmdQSupported) isCommand()      {}
func (cmdStartNoAck) isCommand()      {}
func (cmdAttached) isCommand()        {}
func (cmdDetach) isCommand()          {}
func (cmdKill) isCommand()            {}
func (cmdXfer) isCommand()            {}
func (cmdMonitor) isCommand()         {}
func (cmdFlashErase) isCommand()      {}
func (cmdFlashWrite) isCommand()      {}
func (cmdFlashDone) isCommand()       {}

// vcontAction is one per-thread action from a vCont packet. tid 0 means
// every core not claimed by an earlier action.
type vcontAction struct {
	kind byte // 'c' or 's'
	tid  int
}

func parseHex32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}

// parseTid parses a thread id field. Ids travel as hex; -1 means all.
func parseTid(s string) (int, error) {
	v, err := strconv.ParseInt(s, 16, 32)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, nil
	}
	return int(v), nil
}

func invalid(format string, args ...interface{}) command {
	return cmdInvalid{reason: fmt.Sprintf(format, args...)}
}

// parseCommand turns a decoded packet payload into a command value. The
// payload is the post-codec form: run-length and escape sequences are
// already expanded, so binary arguments may hold any byte.
func parseCommand(data []byte) command {
	if len(data) == 0 {
		return cmdUnknown{}
	}
	switch data[0] {
	case '?':
		return cmdHaltReason{}
	case 'g':
		return cmdReadRegs{}
	case 'G':
		return cmdWriteRegs{hex: string(data[1:])}
	case 'p':
		n, err := strconv.ParseUint(string(data[1:]), 16, 16)
		if err != nil {
			return invalid("p: bad register number %q", data[1:])
		}
		return cmdReadReg{n: int(n)}
	case 'P':
		return parseWriteReg(string(data[1:]))
	case 'm':
		return parseReadMem(string(data[1:]))
	case 'M':
		return parseWriteMemHex(data[1:])
	case 'X':
		return parseWriteMemBinary(data[1:])
	case 'Z', 'z':
		return parseBreak(data)
	case 'c':
		return parseResume(string(data[1:]), false)
	case 's':
		return parseResume(string(data[1:]), true)
	case 'C':
		return parseResumeSignal(string(data[1:]), false)
	case 'S':
		return parseResumeSignal(string(data[1:]), true)
	case 'H':
		return parseSetThread(string(data[1:]))
	case 'T':
		tid, err := parseTid(string(data[1:]))
		if err != nil {
			return invalid("T: bad thread id %q", data[1:])
		}
		return cmdThreadAlive{tid: tid}
	case 'D':
		return cmdDetach{}
	case 'k':
		return cmdKill{}
	case 'q', 'Q':
		return parseQuery(string(data))
	case 'v':
		return parseV(data)
	}
	return cmdUnknown{}
}

func parseWriteReg(s string) command {
	n, val, ok := strings.Cut(s, "=")
	if !ok {
		return invalid("P: missing '='")
	}
	num, err := strconv.ParseUint(n, 16, 16)
	if err != nil {
		return invalid("P: bad register number %q", n)
	}
	v, err := parseHexLE32(val)
	if err != nil {
		return invalid("P: %v", err)
	}
	return cmdWriteReg{n: int(num), val: v}
}

func parseReadMem(s string) command {
	addrS, lenS, ok := strings.Cut(s, ",")
	if !ok {
		return invalid("m: missing ','")
	}
	addr, err := parseHex32(addrS)
	if err != nil {
		return invalid("m: bad address %q", addrS)
	}
	n, err := strconv.ParseUint(lenS, 16, 24)
	if err != nil || n == 0 {
		return invalid("m: bad length %q", lenS)
	}
	return cmdReadMem{addr: addr, n: int(n)}
}

func parseWriteMemHex(data []byte) command {
	head, hexData, ok := bytes.Cut(data, []byte{':'})
	if !ok {
		return invalid("M: missing ':'")
	}
	addrS, lenS, ok := strings.Cut(string(head), ",")
	if !ok {
		return invalid("M: missing ','")
	}
	addr, err := parseHex32(addrS)
	if err != nil {
		return invalid("M: bad address %q", addrS)
	}
	n, err := strconv.ParseUint(lenS, 16, 24)
	if err != nil {
		return invalid("M: bad length %q", lenS)
	}
	raw, err := hex.DecodeString(string(hexData))
	if err != nil {
		return invalid("M: bad hex data")
	}
	if uint64(len(raw)) != n {
		return invalid("M: length %d does not match data %d", n, len(raw))
	}
	return cmdWriteMem{addr: addr, data: raw}
}

func parseWriteMemBinary(data []byte) command {
	head, raw, ok := bytes.Cut(data, []byte{':'})
	if !ok {
		return invalid("X: missing ':'")
	}
	addrS, lenS, ok := strings.Cut(string(head), ",")
	if !ok {
		return invalid("X: missing ','")
	}
	addr, err := parseHex32(addrS)
	if err != nil {
		return invalid("X: bad address %q", addrS)
	}
	n, err := strconv.ParseUint(lenS, 16, 24)
	if err != nil {
		return invalid("X: bad length %q", lenS)
	}
	if uint64(len(raw)) != n {
		return invalid("X: length %d does not match data %d", n, len(raw))
	}
	return cmdWriteMem{addr: addr, data: raw}
}

func parseBreak(data []byte) command {
	parts := strings.Split(string(data[1:]), ",")
	if len(parts) != 3 {
		return invalid("%c: want type,addr,kind", data[0])
	}
	// Only software breakpoints are offered; other types get the empty
	// reply so the client falls back on its own mechanisms.
	if parts[0] != "0" {
		return cmdUnknown{}
	}
	addr, err := parseHex32(parts[1])
	if err != nil {
		return invalid("%c0: bad address %q", data[0], parts[1])
	}
	kind, err := strconv.Atoi(parts[2])
	if err != nil {
		return invalid("%c0: bad kind %q", data[0], parts[2])
	}
	if kind != 2 && kind != 4 {
		return cmdUnknown{}
	}
	if data[0] == 'Z' {
		return cmdSetBreak{addr: addr, kind: kind}
	}
	return cmdClearBreak{addr: addr, kind: kind}
}

func parseResume(arg string, step bool) command {
	var addr uint32
	var hasAddr bool
	if arg != "" {
		a, err := parseHex32(arg)
		if err != nil {
			return invalid("resume: bad address %q", arg)
		}
		addr, hasAddr = a, true
	}
	if step {
		return cmdStep{addr: addr, hasAddr: hasAddr}
	}
	return cmdContinue{addr: addr, hasAddr: hasAddr}
}

// parseResumeSignal handles 'C sig[;addr]' and 'S sig[;addr]'. The bridge
// cannot deliver signals to a bare metal core, so the signal number is
// accepted and dropped.
func parseResumeSignal(arg string, step bool) command {
	if _, rest, ok := strings.Cut(arg, ";"); ok {
		return parseResume(rest, step)
	}
	return parseResume("", step)
}

func parseSetThread(s string) command {
	if len(s) < 2 {
		return invalid("H: truncated")
	}
	op := s[0]
	if op != 'g' && op != 'c' {
		return cmdUnknown{}
	}
	tid, err := parseTid(s[1:])
	if err != nil {
		return invalid("H%c: bad thread id %q", op, s[1:])
	}
	return cmdSetThread{op: op, tid: tid}
}

func parseQuery(s string) command {
	switch {
	case s == "qC":
		return cmdCurrentThread{}
	case s == "qfThreadInfo":
		return cmdThreadInfoFirst{}
	case s == "qsThreadInfo":
		return cmdThreadInfoNext{}
	case s == "qAttached" || strings.HasPrefix(s, "qAttached:"):
		return cmdAttached{}
	case s == "QStartNoAckMode":
		return cmdStartNoAck{}
	case strings.HasPrefix(s, "qSupported"):
		features := strings.TrimPrefix(s, "qSupported")
		features = strings.TrimPrefix(features, ":")
		return cmdQSupported{features: features}
	case strings.HasPrefix(s, "qXfer:"):
		return parseXfer(s)
	case strings.HasPrefix(s, "qRcmd,"):
		raw, err := hex.DecodeString(s[len("qRcmd,"):])
		if err != nil {
			return invalid("qRcmd: bad hex")
		}
		return cmdMonitor{line: string(raw)}
	}
	return cmdUnknown{}
}

func parseXfer(s string) command {
	// qXfer:<object>:read:<annex>:<offset>,<length>
	parts := strings.SplitN(s, ":", 5)
	if len(parts) != 5 || parts[2] != "read" {
		return cmdUnknown{}
	}
	offS, lenS, ok := strings.Cut(parts[4], ",")
	if !ok {
		return invalid("qXfer: bad window %q", parts[4])
	}
	off, err1 := strconv.ParseUint(offS, 16, 31)
	n, err2 := strconv.ParseUint(lenS, 16, 24)
	if err1 != nil || err2 != nil {
		return invalid("qXfer: bad window %q", parts[4])
	}
	return cmdXfer{
		object: parts[1],
		annex:  parts[3],
		offset: int(off),
		length: int(n),
	}
}

func parseV(data []byte) command {
	s := string(data)
	switch {
	case s == "vCont?":
		return cmdVContQuery{}
	case strings.HasPrefix(s, "vCont;"):
		return parseVCont(s[len("vCont;"):])
	case s == "vCont":
		return invalid("vCont: no actions")
	case strings.HasPrefix(s, "vFlashErase:"):
		addrS, lenS, ok := strings.Cut(s[len("vFlashErase:"):], ",")
		if !ok {
			return invalid("vFlashErase: missing ','")
		}
		addr, err1 := parseHex32(addrS)
		length, err2 := parseHex32(lenS)
		if err1 != nil || err2 != nil {
			return invalid("vFlashErase: bad range")
		}
		return cmdFlashErase{addr: addr, length: length}
	case bytes.HasPrefix(data, []byte("vFlashWrite:")):
		rest := data[len("vFlashWrite:"):]
		head, raw, ok := bytes.Cut(rest, []byte{':'})
		if !ok {
			return invalid("vFlashWrite: missing data")
		}
		addr, err := parseHex32(string(head))
		if err != nil {
			return invalid("vFlashWrite: bad address %q", head)
		}
		return cmdFlashWrite{addr: addr, data: raw}
	case s == "vFlashDone":
		return cmdFlashDone{}
	}
	// vMustReplyEmpty and every other v packet fall out here; the empty
	// reply is exactly what vMustReplyEmpty probes for.
	return cmdUnknown{}
}

func parseVCont(s string) command {
	var actions []vcontAction
	for _, field := range strings.Split(s, ";") {
		if field == "" {
			return invalid("vCont: empty action")
		}
		kind := field[0]
		if kind == 'C' || kind == 'S' {
			// Signal-carrying variants: strip the two digit signal,
			// keep the action.
			if len(field) < 3 {
				return invalid("vCont: truncated action %q", field)
			}
			if kind == 'C' {
				kind = 'c'
			} else {
				kind = 's'
			}
			field = field[:1] + field[3:]
		}
		if kind != 'c' && kind != 's' {
			return cmdUnknown{}
		}
		tid := 0
		if len(field) > 1 {
			if field[1] != ':' {
				return invalid("vCont: bad action %q", field)
			}
			t, err := parseTid(field[2:])
			if err != nil {
				return invalid("vCont: bad thread id %q", field[2:])
			}
			tid = t
		}
		actions = append(actions, vcontAction{kind: kind, tid: tid})
	}
	return cmdVCont{actions: actions}
}
