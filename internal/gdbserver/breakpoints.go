package gdbserver

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

var (
	errNoBreakpoint      = errors.New("no breakpoint at address")
	errBreakpointOverlap = errors.New("breakpoint overlaps an existing one")
)

// trapFor returns the debug trap opcode for a breakpoint kind. Kind is
// the instruction length at the patch site, 2 or 4 bytes.
func trapFor(kind int) ([]byte, bool) {
	switch kind {
	case 2:
		return mcd.DebugOpcode16[:], true
	case 4:
		return mcd.DebugOpcode32[:], true
	}
	return nil, false
}

type breakpoint struct {
	addr uint32
	kind int
	orig []byte
}

func (bp *breakpoint) end() uint32 { return bp.addr + uint32(bp.kind) }

type breakpointInfo struct {
	Addr uint32
	Kind int
}

// breakpointSet tracks software breakpoints on one core. All methods run
// on the session goroutine; nothing here is safe for concurrent use.
type breakpointSet struct {
	core   mcd.Core
	log    *logrus.Entry
	points map[uint32]*breakpoint
}

func newBreakpointSet(core mcd.Core, log *logrus.Entry) *breakpointSet {
	return &breakpointSet{
		core:   core,
		log:    log,
		points: make(map[uint32]*breakpoint),
	}
}

func (b *breakpointSet) overlapping(addr uint32, n int) *breakpoint {
	end := addr + uint32(n)
	for _, bp := range b.points {
		if addr < bp.end() && bp.addr < end {
			return bp
		}
	}
	return nil
}

// Set installs a software breakpoint. Setting the same address and kind
// again is a no-op; a range that crosses a different live patch is refused
// so two patches never fight over the same bytes.
func (b *breakpointSet) Set(addr uint32, kind int) error {
	trap, ok := trapFor(kind)
	if !ok {
		return fmt.Errorf("unsupported breakpoint kind %d", kind)
	}
	if bp, dup := b.points[addr]; dup {
		if bp.kind == kind {
			return nil
		}
		return errBreakpointOverlap
	}
	if bp := b.overlapping(addr, kind); bp != nil {
		return errBreakpointOverlap
	}

	orig := make([]byte, kind)
	if err := b.core.ReadMemory(addr, orig); err != nil {
		return err
	}
	if err := b.core.WriteMemory(addr, trap); err != nil {
		return err
	}
	check := make([]byte, kind)
	if err := b.core.ReadMemory(addr, check); err != nil {
		return err
	}
	if !bytes.Equal(check, trap) {
		// The write did not take, likely unwritable flash. Put the
		// original back before failing.
		_ = b.core.WriteMemory(addr, orig)
		return fmt.Errorf("breakpoint at %#x: patch did not take", addr)
	}

	b.points[addr] = &breakpoint{addr: addr, kind: kind, orig: orig}
	b.log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("%#x", addr),
		"kind": kind,
	}).Debug("breakpoint set")
	return nil
}

// Clear removes a breakpoint and writes the saved original bytes back.
func (b *breakpointSet) Clear(addr uint32, kind int) error {
	bp, ok := b.points[addr]
	if !ok || bp.kind != kind {
		return errNoBreakpoint
	}
	if err := b.core.WriteMemory(addr, bp.orig); err != nil {
		return err
	}
	delete(b.points, addr)
	b.log.WithField("addr", fmt.Sprintf("%#x", addr)).Debug("breakpoint cleared")
	return nil
}

// RestoreAll writes every saved original back and forgets the set. Used
// on teardown; failures are collected rather than stopping the sweep.
func (b *breakpointSet) RestoreAll() error {
	var errs []error
	for addr, bp := range b.points {
		if err := b.core.WriteMemory(addr, bp.orig); err != nil {
			errs = append(errs, fmt.Errorf("restore %#x: %w", addr, err))
		}
		delete(b.points, addr)
	}
	return errors.Join(errs...)
}

// Shadow overlays saved original bytes onto a freshly read buffer so the
// client never observes trap opcodes in memory it inspects.
func (b *breakpointSet) Shadow(addr uint32, buf []byte) {
	end := addr + uint32(len(buf))
	for _, bp := range b.points {
		lo, hi := bp.addr, bp.end()
		if lo < addr {
			lo = addr
		}
		if hi > end {
			hi = end
		}
		for at := lo; at < hi; at++ {
			buf[at-addr] = bp.orig[at-bp.addr]
		}
	}
}

type memSpan struct {
	addr uint32
	data []byte
}

// shadowUpdate is one byte destined for a patch's saved originals.
type shadowUpdate struct {
	bp  *breakpoint
	off uint32
	val byte
}

// PlanWrite splits a client write around live patches. Bytes that land
// inside a patch are staged against the saved originals, leaving the trap
// installed; the remainder comes back as spans to write through to
// memory. commit applies the staged bytes and must run only after every
// span was written, so a failed write never leaks into what Clear will
// restore.
func (b *breakpointSet) PlanWrite(addr uint32, data []byte) (spans []memSpan, commit func()) {
	covered := func(at uint32) *breakpoint {
		for _, bp := range b.points {
			if at >= bp.addr && at < bp.end() {
				return bp
			}
		}
		return nil
	}

	var staged []shadowUpdate
	var cur *memSpan
	for i, by := range data {
		at := addr + uint32(i)
		if bp := covered(at); bp != nil {
			staged = append(staged, shadowUpdate{bp: bp, off: at - bp.addr, val: by})
			cur = nil
			continue
		}
		if cur == nil {
			spans = append(spans, memSpan{addr: at})
			cur = &spans[len(spans)-1]
		}
		cur.data = append(cur.data, by)
	}
	return spans, func() {
		for _, u := range staged {
			u.bp.orig[u.off] = u.val
		}
	}
}

// liftAt restores the original bytes under a patch at pc so the core can
// step the real instruction. The returned closure reinstalls the trap.
func (b *breakpointSet) liftAt(pc uint32) (repatch func() error, found bool, err error) {
	bp, ok := b.points[pc]
	if !ok {
		return nil, false, nil
	}
	if err := b.core.WriteMemory(pc, bp.orig); err != nil {
		return nil, true, err
	}
	trap, _ := trapFor(bp.kind)
	return func() error {
		return b.core.WriteMemory(pc, trap)
	}, true, nil
}

func (b *breakpointSet) Len() int { return len(b.points) }

func (b *breakpointSet) List() []breakpointInfo {
	out := make([]breakpointInfo, 0, len(b.points))
	for _, bp := range b.points {
		out = append(out, breakpointInfo{Addr: bp.addr, Kind: bp.kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
