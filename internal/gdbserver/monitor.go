package gdbserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

var monitorHelp = []string{
	"monitor commands:",
	"  help                 this text",
	"  ping                 liveness check",
	"  version              bridge and adapter versions",
	"  status               run state of every core",
	"  regions              memory regions of the device",
	"  peek <addr>          read a 32-bit word",
	"  poke <addr> <value>  write a 32-bit word",
}

// monitorCmd executes one qRcmd line and returns the text for the client.
// Target-side trouble is reported as text so the user sees it in their
// console; only a dead adapter link escalates as an error.
func (s *session) monitorCmd(line string) ([]string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return []string{"empty monitor command (try 'help')"}, nil
	}
	switch fields[0] {
	case "help":
		return monitorHelp, nil
	case "ping":
		return []string{"pong!"}, nil
	case "version":
		return []string{fmt.Sprintf("tricore-gdb %s (adapter server %s)",
			bridgeVersion, s.dev.ServerVersion())}, nil
	case "status":
		return s.monitorStatus()
	case "regions":
		return s.monitorRegions(), nil
	case "peek":
		if len(fields) != 2 {
			return []string{"usage: peek <addr>"}, nil
		}
		return s.monitorPeek(fields[1])
	case "poke":
		if len(fields) != 3 {
			return []string{"usage: poke <addr> <value>"}, nil
		}
		return s.monitorPoke(fields[1], fields[2])
	}
	return []string{fmt.Sprintf("unknown command %q (try 'help')", fields[0])}, nil
}

func (s *session) monitorStatus() ([]string, error) {
	lines := make([]string, 0, len(s.cores))
	for i, core := range s.cores {
		st, err := core.State()
		if err != nil {
			if isAdapterError(err) {
				return nil, err
			}
			lines = append(lines, fmt.Sprintf("core %d: state unavailable (%v)", i+1, err))
			continue
		}
		line := fmt.Sprintf("core %d: %s", i+1, st)
		if st == mcd.StateHalted {
			if regs, err := core.ReadRegisters(); err == nil {
				line += fmt.Sprintf(" pc=0x%08x", regs.PC)
			}
		}
		if i == s.selected {
			line += " (selected)"
		}
		lines = append(lines, line)
	}
	if s.srv.stale != nil {
		for _, path := range s.srv.stale() {
			lines = append(lines, fmt.Sprintf("warning: %s changed on disk, symbols may be stale", path))
		}
	}
	return lines, nil
}

func (s *session) monitorRegions() []string {
	regions := s.dev.Regions()
	lines := make([]string, 0, len(regions))
	for _, r := range regions {
		kind := "ram"
		extra := ""
		if r.Erase > 0 {
			kind = "flash"
			extra = fmt.Sprintf(" erase=0x%x", r.Erase)
		}
		lines = append(lines, fmt.Sprintf("%-8s %s 0x%08x..0x%08x%s",
			r.Name, kind, r.Base, r.End(), extra))
	}
	return lines
}

func (s *session) monitorPeek(addrS string) ([]string, error) {
	addr, err := parseMonitorNum(addrS)
	if err != nil {
		return []string{fmt.Sprintf("error: %v", err)}, nil
	}
	buf, err := readTargetMemory(s.cores[s.selected], s.bps, s.dev.MaxTransfer(), addr, 4)
	if err != nil {
		if isAdapterError(err) {
			return nil, err
		}
		return []string{fmt.Sprintf("error: %v", err)}, nil
	}
	return []string{fmt.Sprintf("0x%08x: 0x%08x", addr, binary.LittleEndian.Uint32(buf))}, nil
}

func (s *session) monitorPoke(addrS, valS string) ([]string, error) {
	addr, err := parseMonitorNum(addrS)
	if err != nil {
		return []string{fmt.Sprintf("error: %v", err)}, nil
	}
	val, err := parseMonitorNum(valS)
	if err != nil {
		return []string{fmt.Sprintf("error: %v", err)}, nil
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	if err := writeTargetMemory(s.cores[s.selected], s.bps, s.dev.MaxTransfer(), addr, buf[:]); err != nil {
		if isAdapterError(err) {
			return nil, err
		}
		return []string{fmt.Sprintf("error: %v", err)}, nil
	}
	return []string{fmt.Sprintf("0x%08x <- 0x%08x", addr, val)}, nil
}

// parseMonitorNum accepts 0x-prefixed hex or plain decimal.
func parseMonitorNum(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return uint32(v), nil
}

func isAdapterError(err error) bool {
	var ae *mcd.AdapterError
	return errors.As(err, &ae)
}
