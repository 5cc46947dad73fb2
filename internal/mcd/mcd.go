// Package mcd models the multicore debug-access interface of a TriCore
// family device: core enumeration, run control, memory and register
// access, flash erasure and unsolicited stop events. The gdbserver and
// flash layers speak only to the interfaces here. A deterministic
// in-memory simulator (SimDevice) provides the same surface for tests and
// simulated runs; real adapter backends are supplied out of tree.
package mcd

import (
	"errors"
	"fmt"
)

// CoreState is the run state of one core as the adapter reports it.
type CoreState int

const (
	StateUnknown CoreState = iota
	StateHalted
	StateRunning
)

func (s CoreState) String() string {
	switch s {
	case StateHalted:
		return "halted"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// EventKind classifies an unsolicited stop event.
type EventKind int

const (
	// EventHalted reports a core stopped by an external halt request.
	EventHalted EventKind = iota
	// EventBreak reports a core that hit a software breakpoint patch.
	EventBreak
	// EventStepDone reports completion of a single-instruction step.
	EventStepDone
	// EventFault reports a core stopped by a hardware fault; Code carries
	// the adapter fault code.
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventHalted:
		return "halted"
	case EventBreak:
		return "break"
	case EventStepDone:
		return "step-done"
	case EventFault:
		return "fault"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Adapter fault codes carried by EventFault.
const (
	FaultNone          = 0
	FaultIllegalOpcode = 1
	FaultArithmetic    = 2
	FaultBusError      = 3
	FaultAlignment     = 4
	FaultProtection    = 5
)

// Event is one unsolicited notification from the adapter. PC is the
// program counter of the stopping core at stop time.
type Event struct {
	CoreID int
	Kind   EventKind
	PC     uint32
	Code   int
}

// MemoryRegion describes one mapped region of the target. Erase is the
// flash sector size; zero marks volatile memory. Verify requests a
// read-back comparison after programming.
type MemoryRegion struct {
	Name   string
	Base   uint32
	Length uint32
	Erase  uint32
	Verify bool
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint32 { return r.Base + r.Length }

// Contains reports whether [addr, addr+n) lies inside the region.
func (r MemoryRegion) Contains(addr uint32, n uint32) bool {
	return addr >= r.Base && n <= r.Length && addr-r.Base <= r.Length-n
}

// Registers is the architectural register file of one core: data and
// address registers plus the context and status registers exposed to
// debuggers.
type Registers struct {
	D    [16]uint32
	A    [16]uint32
	LCX  uint32
	FCX  uint32
	PCXI uint32
	PSW  uint32
	PC   uint32
}

// DEBUG instruction encodings as stored in target memory, used as
// software breakpoint patches. The 16-bit form covers kind 2, the 32-bit
// form kind 4.
var (
	DebugOpcode16 = [2]byte{0x00, 0xa0}
	DebugOpcode32 = [4]byte{0x0d, 0x00, 0x40, 0x00}
)

// DeviceInfo identifies one attachable device.
type DeviceInfo struct {
	Name          string
	Cores         int
	ServerVersion string
}

// Device is an attachable debug target. Connect acquires the single
// exclusive handle; a second Connect before Disconnect fails with
// ErrDeviceBusy.
type Device interface {
	Info() DeviceInfo
	Connect() (Connection, error)
}

// Connection is the exclusive handle to an attached device. Events
// delivers unsolicited stop notifications; the channel is closed by
// Disconnect. Disconnect is mandatory on every teardown path.
type Connection interface {
	Cores() []Core
	Regions() []MemoryRegion
	MaxTransfer() int
	Events() <-chan Event
	ServerVersion() string
	Disconnect() error
}

// Core is run control and state access for a single core. Register
// operations require the core to be halted; memory transfers larger than
// the connection's MaxTransfer are refused. Step and Resume report their
// outcome on the connection's event channel: a Step delivers exactly one
// event (step-done, break or fault), a Resume delivers one event when the
// core stops.
type Core interface {
	ID() int
	State() (CoreState, error)
	Halt() error
	Resume() error
	Step() error
	ReadMemory(addr uint32, buf []byte) error
	WriteMemory(addr uint32, data []byte) error
	ReadRegisters() (*Registers, error)
	WriteRegisters(*Registers) error
	EraseFlash(addr, length uint32) error
}

// ErrDeviceBusy reports a Connect attempt while another handle holds the
// device.
var ErrDeviceBusy = errors.New("mcd: device already attached")

// TargetError reports an operation the target refused: an unmapped or
// misaligned range, an oversized transfer, a core in the wrong run state.
// Recoverable; the session reports it to the client and continues.
type TargetError struct {
	Op   string
	Core int
	Err  error
}

func (e *TargetError) Error() string {
	if e.Core >= 0 {
		return fmt.Sprintf("mcd: %s (core %d): %v", e.Op, e.Core, e.Err)
	}
	return fmt.Sprintf("mcd: %s: %v", e.Op, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }

// AdapterError reports a failed debug-access operation at the transport
// level: the device vanished, the handle is dead, the server is
// incompatible. Any AdapterError is terminal for the debug session that
// triggered it. Core is -1 for operations not scoped to one core.
type AdapterError struct {
	Op   string
	Core int
	Err  error
}

func (e *AdapterError) Error() string {
	if e.Core >= 0 {
		return fmt.Sprintf("mcd: %s (core %d): %v", e.Op, e.Core, e.Err)
	}
	return fmt.Sprintf("mcd: %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }
