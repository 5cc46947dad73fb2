package flash

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

func testEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// dflash base in the simulator's default map, 0x1000-byte sectors.
const dflashBase = uint32(0xaf000000)

func haltAll(t *testing.T, conn mcd.Connection) {
	t.Helper()
	for _, c := range conn.Cores() {
		if err := c.Halt(); err != nil {
			t.Fatalf("Halt core %d: %v", c.ID(), err)
		}
	}
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestJobProgramsAndVerifies(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{MaxTransfer: 16})
	conn, err := dev.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()
	haltAll(t, conn)

	p := NewProgrammer(conn, testEntry())
	job := p.NewJob()
	if err := job.StageErase(dflashBase, 0x1000); err != nil {
		t.Fatalf("StageErase: %v", err)
	}
	data := pattern(40) // three chunks at MaxTransfer 16
	if err := job.StageWrite(dflashBase, data); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}
	if err := job.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got := make([]byte, len(data))
	if err := conn.Cores()[0].ReadMemory(dflashBase, got[:16]); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	conn.Cores()[0].ReadMemory(dflashBase+16, got[16:32])
	conn.Cores()[0].ReadMemory(dflashBase+32, got[32:])
	if !bytes.Equal(got, data) {
		t.Fatalf("flash content = %v, want %v", got, data)
	}
}

func TestCommitRefusesRunningCore(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	conn, err := dev.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()
	// Halt all but core 2.
	conn.Cores()[0].Halt()
	conn.Cores()[1].Halt()

	p := NewProgrammer(conn, testEntry())
	job := p.NewJob()
	if err := job.StageErase(dflashBase, 0x1000); err != nil {
		t.Fatalf("StageErase: %v", err)
	}
	if err := job.Commit(); !errors.Is(err, ErrNotHalted) {
		t.Fatalf("Commit = %v, want ErrNotHalted", err)
	}
}

func TestVerifyFailureAbortsRemainingChunks(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{MaxTransfer: 16})
	// Corrupt a byte inside the second chunk.
	dev.CorruptOnWrite(dflashBase + 20)

	conn, err := dev.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()
	haltAll(t, conn)

	p := NewProgrammer(conn, testEntry())
	job := p.NewJob()
	if err := job.StageErase(dflashBase, 0x1000); err != nil {
		t.Fatalf("StageErase: %v", err)
	}
	if err := job.StageWrite(dflashBase, pattern(48)); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}

	err = job.Commit()
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("Commit = %v, want VerifyError", err)
	}
	if ve.Chunk != 1 {
		t.Fatalf("failing chunk = %d, want 1", ve.Chunk)
	}

	// The third chunk must still hold erased flash.
	got := make([]byte, 16)
	if err := conn.Cores()[0].ReadMemory(dflashBase+32, got); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	for i, b := range got {
		if b != 0xff {
			t.Fatalf("byte %d after failing chunk = %#x, want 0xff", i, b)
		}
	}
}

func TestEraseCoversWholeSectors(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	conn, err := dev.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()
	haltAll(t, conn)

	// Plant data at the start of the sector, then erase a range that
	// begins past it. Sector granularity must wipe the whole sector.
	core := conn.Cores()[0]
	if err := core.WriteMemory(dflashBase, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}

	p := NewProgrammer(conn, testEntry())
	job := p.NewJob()
	if err := job.StageErase(dflashBase+0x100, 0x200); err != nil {
		t.Fatalf("StageErase: %v", err)
	}
	if err := job.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got := make([]byte, 4)
	core.ReadMemory(dflashBase, got)
	if !bytes.Equal(got, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("sector head = %v, want erased", got)
	}
}

func TestStageRejectsRangesOutsideFlash(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	conn, err := dev.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	p := NewProgrammer(conn, testEntry())
	job := p.NewJob()
	if err := job.StageErase(0xd0000000, 0x100); err == nil {
		t.Fatal("erase of RAM staged")
	}
	if err := job.StageWrite(0xd0000000, []byte{1}); err == nil {
		t.Fatal("write to RAM staged")
	}
	if err := job.StageErase(0x12340000, 0x100); err == nil {
		t.Fatal("erase of unmapped range staged")
	}
}
