package gdbserver

import (
	"fmt"
	"strings"

	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

// Register numbering exposed to the client: d0..d15, a0..a15, then the
// context and status registers. Each register is 32 bits, transferred
// as little-endian hex.
const (
	numRegs = 37

	regLCX  = 32
	regFCX  = 33
	regPCXI = 34
	regPSW  = 35
	regPC   = 36
)

var regNames = func() []string {
	names := make([]string, 0, numRegs)
	for i := 0; i < 16; i++ {
		names = append(names, fmt.Sprintf("d%d", i))
	}
	for i := 0; i < 16; i++ {
		names = append(names, fmt.Sprintf("a%d", i))
	}
	return append(names, "lcx", "fcx", "pcxi", "psw", "pc")
}()

// hexLE32 renders v as 8 hex digits in byte transmission order.
func hexLE32(v uint32) string {
	return fmt.Sprintf("%02x%02x%02x%02x",
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// parseHexLE32 is the inverse of hexLE32.
func parseHexLE32(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("register value %q: want 8 hex digits", s)
	}
	var v uint32
	for i := 0; i < 4; i++ {
		hi, ok1 := hexNibbleVal(s[2*i])
		lo, ok2 := hexNibbleVal(s[2*i+1])
		if !ok1 || !ok2 {
			return 0, fmt.Errorf("register value %q: bad hex", s)
		}
		v |= uint32(hi<<4|lo) << (8 * i)
	}
	return v, nil
}

func hexNibbleVal(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}

// regValue reads register n out of a snapshot.
func regValue(regs *mcd.Registers, n int) (uint32, bool) {
	switch {
	case n >= 0 && n < 16:
		return regs.D[n], true
	case n >= 16 && n < 32:
		return regs.A[n-16], true
	case n == regLCX:
		return regs.LCX, true
	case n == regFCX:
		return regs.FCX, true
	case n == regPCXI:
		return regs.PCXI, true
	case n == regPSW:
		return regs.PSW, true
	case n == regPC:
		return regs.PC, true
	}
	return 0, false
}

func setRegValue(regs *mcd.Registers, n int, v uint32) bool {
	switch {
	case n >= 0 && n < 16:
		regs.D[n] = v
	case n >= 16 && n < 32:
		regs.A[n-16] = v
	case n == regLCX:
		regs.LCX = v
	case n == regFCX:
		regs.FCX = v
	case n == regPCXI:
		regs.PCXI = v
	case n == regPSW:
		regs.PSW = v
	case n == regPC:
		regs.PC = v
	default:
		return false
	}
	return true
}

// encodeRegisters renders the whole register file for a g reply.
func encodeRegisters(regs *mcd.Registers) string {
	var sb strings.Builder
	sb.Grow(numRegs * 8)
	for n := 0; n < numRegs; n++ {
		v, _ := regValue(regs, n)
		sb.WriteString(hexLE32(v))
	}
	return sb.String()
}

// decodeRegisters parses a G payload back into a register snapshot.
func decodeRegisters(s string) (*mcd.Registers, error) {
	if len(s) != numRegs*8 {
		return nil, fmt.Errorf("register file: want %d hex digits, got %d", numRegs*8, len(s))
	}
	var regs mcd.Registers
	for n := 0; n < numRegs; n++ {
		v, err := parseHexLE32(s[n*8 : n*8+8])
		if err != nil {
			return nil, err
		}
		setRegValue(&regs, n, v)
	}
	return &regs, nil
}
