package mcd

import (
	"errors"
	"fmt"
	"sync"
)

// Simulator tuning. The memory map mirrors a small TriCore part: program
// flash at 0x80000000, data flash at 0xaf000000, core-local RAM at
// 0xd0000000.
const (
	simDefaultCores   = 3
	simDefaultMaxXfer = 1024
	simStepBudget     = 4096
	simInstrSize      = 2
)

// SimConfig configures a simulated device. Zero values take defaults.
type SimConfig struct {
	Name          string
	Cores         int
	ServerVersion string
	MaxTransfer   int
	EntryPC       uint32
	RAM           MemoryRegion
	Flash         []MemoryRegion
}

func (c SimConfig) withDefaults() SimConfig {
	if c.Name == "" {
		c.Name = "TriCore SIM"
	}
	if c.Cores <= 0 {
		c.Cores = simDefaultCores
	}
	if c.ServerVersion == "" {
		c.ServerVersion = "1.8.0"
	}
	if c.MaxTransfer <= 0 {
		c.MaxTransfer = simDefaultMaxXfer
	}
	if c.RAM.Length == 0 {
		c.RAM = MemoryRegion{Name: "dspr", Base: 0xd0000000, Length: 0x10000}
	}
	if c.Flash == nil {
		c.Flash = []MemoryRegion{
			{Name: "pflash0", Base: 0x80000000, Length: 0x100000, Erase: 0x4000, Verify: true},
			{Name: "dflash0", Base: 0xaf000000, Length: 0x10000, Erase: 0x1000, Verify: true},
		}
	}
	if c.EntryPC == 0 {
		if len(c.Flash) > 0 {
			c.EntryPC = c.Flash[0].Base
		} else {
			c.EntryPC = c.RAM.Base
		}
	}
	return c
}

type simSegment struct {
	region MemoryRegion
	data   []byte
}

// SimDevice is an in-memory device with deterministic execution: every
// instruction advances PC by two bytes and increments D15, so tests can
// observe forward progress. Execution stops on a DEBUG patch, an injected
// fault or an unmapped fetch. Device state persists across connections
// the way hardware does.
type SimDevice struct {
	mu    sync.Mutex
	cfg   SimConfig
	segs  []*simSegment
	cores []*simCore
	conn  *SimConnection // nil while detached

	faults     map[uint32]int
	failResume map[int]bool
	corrupt    map[uint32]bool
}

type simCore struct {
	id    int
	state CoreState
	regs  Registers
}

// NewSimDevice builds a simulated device. Cores come up running, as a
// free-running target does before a debugger attaches.
func NewSimDevice(cfg SimConfig) *SimDevice {
	cfg = cfg.withDefaults()
	d := &SimDevice{
		cfg:        cfg,
		faults:     make(map[uint32]int),
		failResume: make(map[int]bool),
		corrupt:    make(map[uint32]bool),
	}
	d.segs = append(d.segs, &simSegment{region: cfg.RAM, data: make([]byte, cfg.RAM.Length)})
	for _, fr := range cfg.Flash {
		seg := &simSegment{region: fr, data: make([]byte, fr.Length)}
		for i := range seg.data {
			seg.data[i] = 0xff // erased state
		}
		d.segs = append(d.segs, seg)
	}
	for i := 0; i < cfg.Cores; i++ {
		c := &simCore{id: i, state: StateRunning}
		c.regs.PC = cfg.EntryPC
		c.regs.PSW = 0x00000b80
		c.regs.A[10] = cfg.RAM.Base + cfg.RAM.Length
		d.cores = append(d.cores, c)
	}
	return d
}

func (d *SimDevice) Info() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceInfo{Name: d.cfg.Name, Cores: len(d.cores), ServerVersion: d.cfg.ServerVersion}
}

// InjectFault arranges for execution reaching addr to stop with the given
// adapter fault code.
func (d *SimDevice) InjectFault(addr uint32, code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[addr] = code
}

// FailResume makes Resume on the given core fail, for exercising
// multicore rollback paths.
func (d *SimDevice) FailResume(core int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failResume[core] = true
}

// CorruptOnWrite flips the low bit of the byte stored at addr on every
// write covering it, so read-back verification fails.
func (d *SimDevice) CorruptOnWrite(addr uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrupt[addr] = true
}

// Peek copies target memory without an attached connection, for
// inspecting device state after teardown.
func (d *SimDevice) Peek(addr uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readLocked(addr, buf)
}

// Poke writes target memory without an attached connection, for planting
// code or data before a session starts.
func (d *SimDevice) Poke(addr uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(addr, data)
}

// Connect acquires the exclusive device handle.
func (d *SimDevice) Connect() (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil, ErrDeviceBusy
	}
	conn := &SimConnection{dev: d, events: make(chan Event, 32)}
	for _, c := range d.cores {
		conn.cores = append(conn.cores, &simCoreHandle{conn: conn, core: c})
	}
	d.conn = conn
	return conn, nil
}

// SimConnection is the exclusive handle to a SimDevice.
type SimConnection struct {
	dev    *SimDevice
	events chan Event
	cores  []Core
	closed bool // guarded by dev.mu
}

func (c *SimConnection) Cores() []Core { return c.cores }

func (c *SimConnection) Regions() []MemoryRegion {
	regions := make([]MemoryRegion, 0, len(c.dev.segs))
	for _, seg := range c.dev.segs {
		regions = append(regions, seg.region)
	}
	return regions
}

func (c *SimConnection) MaxTransfer() int { return c.dev.cfg.MaxTransfer }

func (c *SimConnection) Events() <-chan Event { return c.events }

func (c *SimConnection) ServerVersion() string { return c.dev.cfg.ServerVersion }

func (c *SimConnection) Disconnect() error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dev.conn = nil
	close(c.events)
	return nil
}

// emit delivers an event without blocking. A full buffer drops the event
// rather than wedging core control.
func (c *SimConnection) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

type simCoreHandle struct {
	conn *SimConnection
	core *simCore
}

var errConnClosed = errors.New("connection closed")

func (h *simCoreHandle) err(op string, err error) error {
	return &AdapterError{Op: op, Core: h.core.id, Err: err}
}

func (h *simCoreHandle) refuse(op string, err error) error {
	return &TargetError{Op: op, Core: h.core.id, Err: err}
}

func (h *simCoreHandle) ID() int { return h.core.id }

func (h *simCoreHandle) State() (CoreState, error) {
	d := h.conn.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.conn.closed {
		return StateUnknown, h.err("state", errConnClosed)
	}
	return h.core.state, nil
}

func (h *simCoreHandle) Halt() error {
	d := h.conn.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.conn.closed {
		return h.err("halt", errConnClosed)
	}
	if h.core.state == StateRunning {
		h.core.state = StateHalted
		h.conn.emit(Event{CoreID: h.core.id, Kind: EventHalted, PC: h.core.regs.PC})
	}
	return nil
}

func (h *simCoreHandle) Resume() error {
	d := h.conn.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.conn.closed {
		return h.err("resume", errConnClosed)
	}
	if d.failResume[h.core.id] {
		return h.err("resume", errors.New("trigger unit rejected run request"))
	}
	if h.core.state == StateRunning {
		return nil
	}
	h.core.state = StateRunning
	d.run(h.conn, h.core)
	return nil
}

func (h *simCoreHandle) Step() error {
	d := h.conn.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.conn.closed {
		return h.err("step", errConnClosed)
	}
	if h.core.state == StateRunning {
		return h.refuse("step", errors.New("core is running"))
	}
	if stopped := d.stepLocked(h.conn, h.core); !stopped {
		h.conn.emit(Event{CoreID: h.core.id, Kind: EventStepDone, PC: h.core.regs.PC})
	}
	return nil
}

// run executes until a stop condition or the cycle budget is spent. On
// budget exhaustion the core stays running and stops only on Halt.
func (d *SimDevice) run(conn *SimConnection, c *simCore) {
	for i := 0; i < simStepBudget; i++ {
		if d.stepLocked(conn, c) {
			return
		}
	}
}

// stepLocked advances one instruction. It returns true when the core
// stopped (injected fault, DEBUG patch or unmapped fetch), with the event
// emitted and the state updated.
func (d *SimDevice) stepLocked(conn *SimConnection, c *simCore) bool {
	pc := c.regs.PC
	if code, ok := d.faults[pc]; ok {
		c.state = StateHalted
		conn.emit(Event{CoreID: c.id, Kind: EventFault, PC: pc, Code: code})
		return true
	}
	if d.trapAt(pc) {
		c.state = StateHalted
		conn.emit(Event{CoreID: c.id, Kind: EventBreak, PC: pc})
		return true
	}
	if _, _, ok := d.locate(pc, simInstrSize); !ok {
		c.state = StateHalted
		conn.emit(Event{CoreID: c.id, Kind: EventFault, PC: pc, Code: FaultBusError})
		return true
	}
	c.regs.D[15]++
	c.regs.PC = pc + simInstrSize
	return false
}

func (d *SimDevice) trapAt(pc uint32) bool {
	var b2 [2]byte
	if d.readLocked(pc, b2[:]) == nil && b2 == DebugOpcode16 {
		return true
	}
	var b4 [4]byte
	return d.readLocked(pc, b4[:]) == nil && b4 == DebugOpcode32
}

func (d *SimDevice) locate(addr, n uint32) (*simSegment, uint32, bool) {
	for _, seg := range d.segs {
		if seg.region.Contains(addr, n) {
			return seg, addr - seg.region.Base, true
		}
	}
	return nil, 0, false
}

func (d *SimDevice) readLocked(addr uint32, buf []byte) error {
	seg, off, ok := d.locate(addr, uint32(len(buf)))
	if !ok {
		return fmt.Errorf("unmapped range %#x+%#x", addr, len(buf))
	}
	copy(buf, seg.data[off:])
	return nil
}

func (d *SimDevice) writeLocked(addr uint32, data []byte) error {
	seg, off, ok := d.locate(addr, uint32(len(data)))
	if !ok {
		return fmt.Errorf("unmapped range %#x+%#x", addr, len(data))
	}
	copy(seg.data[off:], data)
	return nil
}

func (d *SimDevice) applyCorruption(addr uint32, n uint32) {
	for a := range d.corrupt {
		if a >= addr && a-addr < n {
			if seg, off, ok := d.locate(a, 1); ok {
				seg.data[off] ^= 0x01
			}
		}
	}
}

func (h *simCoreHandle) ReadMemory(addr uint32, buf []byte) error {
	d := h.conn.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.conn.closed {
		return h.err("read memory", errConnClosed)
	}
	if len(buf) > d.cfg.MaxTransfer {
		return h.refuse("read memory", fmt.Errorf("transfer of %d exceeds limit %d", len(buf), d.cfg.MaxTransfer))
	}
	if err := d.readLocked(addr, buf); err != nil {
		return h.refuse("read memory", err)
	}
	return nil
}

func (h *simCoreHandle) WriteMemory(addr uint32, data []byte) error {
	d := h.conn.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.conn.closed {
		return h.err("write memory", errConnClosed)
	}
	if len(data) > d.cfg.MaxTransfer {
		return h.refuse("write memory", fmt.Errorf("transfer of %d exceeds limit %d", len(data), d.cfg.MaxTransfer))
	}
	if err := d.writeLocked(addr, data); err != nil {
		return h.refuse("write memory", err)
	}
	d.applyCorruption(addr, uint32(len(data)))
	return nil
}

func (h *simCoreHandle) ReadRegisters() (*Registers, error) {
	d := h.conn.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.conn.closed {
		return nil, h.err("read registers", errConnClosed)
	}
	if h.core.state == StateRunning {
		return nil, h.refuse("read registers", errors.New("core is running"))
	}
	regs := h.core.regs
	return &regs, nil
}

func (h *simCoreHandle) WriteRegisters(r *Registers) error {
	d := h.conn.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.conn.closed {
		return h.err("write registers", errConnClosed)
	}
	if h.core.state == StateRunning {
		return h.refuse("write registers", errors.New("core is running"))
	}
	h.core.regs = *r
	return nil
}

func (h *simCoreHandle) EraseFlash(addr, length uint32) error {
	d := h.conn.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.conn.closed {
		return h.err("erase flash", errConnClosed)
	}
	seg, off, ok := d.locate(addr, length)
	if !ok {
		return h.refuse("erase flash", fmt.Errorf("unmapped range %#x+%#x", addr, length))
	}
	if seg.region.Erase == 0 {
		return h.refuse("erase flash", errors.New("region is not flash"))
	}
	if addr%seg.region.Erase != 0 || length%seg.region.Erase != 0 {
		return h.refuse("erase flash", fmt.Errorf("range %#x+%#x not aligned to sector size %#x", addr, length, seg.region.Erase))
	}
	for i := off; i < off+length; i++ {
		seg.data[i] = 0xff
	}
	return nil
}
