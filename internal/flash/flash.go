// Package flash programs the non-volatile regions of an attached device:
// sector-aligned erase, chunked writes bounded by the adapter's transfer
// limit, and read-back verification. Every operation requires all cores
// halted and aborts atomically on the first failure.
package flash

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

// ErrNotHalted reports a programming attempt while at least one core is
// still running.
var ErrNotHalted = errors.New("flash: not all cores halted")

// VerifyError reports a read-back mismatch while programming. The
// operation stopped at the failing chunk; later chunks were never
// written.
type VerifyError struct {
	Chunk int
	Addr  uint32
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("flash: verify failed at chunk %d (address %#x)", e.Chunk, e.Addr)
}

// Programmer drives erase and program operations through one adapter
// connection. Memory traffic goes through core 0's access path, which
// reaches all shared flash banks.
type Programmer struct {
	conn    mcd.Connection
	core    mcd.Core
	regions []mcd.MemoryRegion
	log     *logrus.Entry
}

// NewProgrammer builds a Programmer over conn. Only regions with an erase
// granularity are programmable.
func NewProgrammer(conn mcd.Connection, log *logrus.Entry) *Programmer {
	p := &Programmer{conn: conn, core: conn.Cores()[0], log: log}
	for _, r := range conn.Regions() {
		if r.Erase > 0 {
			p.regions = append(p.regions, r)
		}
	}
	return p
}

// Regions returns the programmable regions.
func (p *Programmer) Regions() []mcd.MemoryRegion { return p.regions }

// NewJob starts an empty programming job. Erase ranges and data chunks
// are staged first and hit the hardware only on Commit, so a client that
// aborts mid-transfer leaves the device untouched.
func (p *Programmer) NewJob() *Job {
	return &Job{p: p}
}

type span struct {
	addr   uint32
	length uint32
}

type writeChunk struct {
	addr uint32
	data []byte
}

// Job is one staged programming sequence.
type Job struct {
	p      *Programmer
	erases []span
	writes []writeChunk
}

// StageErase records an erase range after checking it lies in
// programmable flash.
func (j *Job) StageErase(addr, length uint32) error {
	if _, err := j.p.regionFor(addr, length); err != nil {
		return err
	}
	j.erases = append(j.erases, span{addr, length})
	return nil
}

// StageWrite buffers data for programming at addr.
func (j *Job) StageWrite(addr uint32, data []byte) error {
	if _, err := j.p.regionFor(addr, uint32(len(data))); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	j.writes = append(j.writes, writeChunk{addr, buf})
	return nil
}

// StagedErases reports how many erase ranges the job holds.
func (j *Job) StagedErases() int { return len(j.erases) }

// StagedWrites reports how many write chunks the job holds.
func (j *Job) StagedWrites() int { return len(j.writes) }

// StagedBytes totals the data staged for programming.
func (j *Job) StagedBytes() int {
	n := 0
	for _, wc := range j.writes {
		n += len(wc.data)
	}
	return n
}

// Commit performs the staged erases, then the staged writes, in order.
// The first failure aborts everything after it.
func (j *Job) Commit() error {
	if err := j.p.ensureHalted(); err != nil {
		return err
	}
	for _, sp := range j.erases {
		if err := j.p.erase(sp.addr, sp.length); err != nil {
			return err
		}
	}
	for _, wc := range j.writes {
		if err := j.p.program(wc.addr, wc.data); err != nil {
			return err
		}
	}
	return nil
}

func (p *Programmer) ensureHalted() error {
	for _, c := range p.conn.Cores() {
		st, err := c.State()
		if err != nil {
			return err
		}
		if st != mcd.StateHalted {
			return fmt.Errorf("core %d is %v: %w", c.ID(), st, ErrNotHalted)
		}
	}
	return nil
}

func (p *Programmer) regionFor(addr, length uint32) (mcd.MemoryRegion, error) {
	for _, r := range p.regions {
		if r.Contains(addr, length) {
			return r, nil
		}
	}
	return mcd.MemoryRegion{}, fmt.Errorf("flash: range %#x+%#x outside programmable flash", addr, length)
}

// erase wipes every sector overlapping [addr, addr+length).
func (p *Programmer) erase(addr, length uint32) error {
	r, err := p.regionFor(addr, length)
	if err != nil {
		return err
	}
	start := alignDown(addr, r.Erase)
	end := alignUp(addr+length, r.Erase)
	if end > r.End() {
		end = r.End()
	}
	p.log.WithFields(logrus.Fields{
		"region": r.Name,
		"start":  fmt.Sprintf("%#x", start),
		"length": end - start,
	}).Debug("erasing flash sectors")
	if err := p.core.EraseFlash(start, end-start); err != nil {
		return err
	}
	return nil
}

// program writes data in transfer-sized chunks, verifying each one by
// read-back where the region demands it.
func (p *Programmer) program(addr uint32, data []byte) error {
	r, err := p.regionFor(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	max := p.conn.MaxTransfer()
	readback := make([]byte, max)
	for chunk, off := 0, 0; off < len(data); chunk++ {
		n := len(data) - off
		if n > max {
			n = max
		}
		at := addr + uint32(off)
		if err := p.core.WriteMemory(at, data[off:off+n]); err != nil {
			return err
		}
		if r.Verify {
			if err := p.core.ReadMemory(at, readback[:n]); err != nil {
				return err
			}
			if !bytes.Equal(readback[:n], data[off:off+n]) {
				p.log.WithFields(logrus.Fields{
					"chunk":   chunk,
					"address": fmt.Sprintf("%#x", at),
				}).Error("flash verify mismatch, aborting")
				return &VerifyError{Chunk: chunk, Addr: at}
			}
		}
		off += n
	}
	p.log.WithFields(logrus.Fields{
		"address": fmt.Sprintf("%#x", addr),
		"bytes":   len(data),
	}).Debug("programmed flash")
	return nil
}

func alignDown(x, a uint32) uint32 { return x - x%a }

func alignUp(x, a uint32) uint32 {
	if rem := x % a; rem != 0 {
		return x + (a - rem)
	}
	return x
}
