package gdbserver

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tricore-tools/tricore-gdb/internal/launch"
	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

const simEntry = uint32(0x80000000)

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func encodeRSP(payload string) []byte {
	sum := byte(0)
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	return []byte(fmt.Sprintf("$%s#%02x", payload, sum))
}

// readReply consumes one reply frame, tolerating a leading ack byte.
func readReply(r *bufio.Reader) (ack bool, payload string, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, "", err
	}
	if b == '+' {
		ack = true
	} else {
		_ = r.UnreadByte()
	}
	for {
		b, err = r.ReadByte()
		if err != nil {
			return ack, "", err
		}
		if b == '$' {
			break
		}
	}
	var sb strings.Builder
	for {
		b, err = r.ReadByte()
		if err != nil {
			return ack, "", err
		}
		if b == '#' {
			break
		}
		sb.WriteByte(b)
	}
	if _, err := io.ReadFull(r, make([]byte, 2)); err != nil {
		return ack, "", err
	}
	return ack, sb.String(), nil
}

type testClient struct {
	t    *testing.T
	c    net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	done chan error
}

func dialSession(t *testing.T, srv *Server) *testClient {
	t.Helper()
	c1, c2 := net.Pipe()
	_ = c2.SetDeadline(time.Now().Add(10 * time.Second))
	done := make(chan error, 1)
	go func() { done <- srv.HandleConn(c1) }()
	tc := &testClient{t: t, c: c2, br: bufio.NewReader(c2), bw: bufio.NewWriter(c2), done: done}
	t.Cleanup(func() { _ = c2.Close() })
	return tc
}

func (tc *testClient) send(payload string) {
	tc.t.Helper()
	if _, err := tc.bw.Write(encodeRSP(payload)); err != nil {
		tc.t.Fatalf("send %q: %v", payload, err)
	}
	if err := tc.bw.Flush(); err != nil {
		tc.t.Fatalf("flush %q: %v", payload, err)
	}
}

func (tc *testClient) sendRaw(b []byte) {
	tc.t.Helper()
	if _, err := tc.bw.Write(b); err != nil {
		tc.t.Fatalf("send raw: %v", err)
	}
	if err := tc.bw.Flush(); err != nil {
		tc.t.Fatalf("flush raw: %v", err)
	}
}

func (tc *testClient) read() string {
	tc.t.Helper()
	_, payload, err := readReply(tc.br)
	if err != nil {
		tc.t.Fatalf("read reply: %v", err)
	}
	return payload
}

func (tc *testClient) roundTrip(payload string) string {
	tc.t.Helper()
	tc.send(payload)
	return tc.read()
}

// handshake negotiates no-ack mode so the rest of a test can ignore
// acknowledgment bytes entirely.
func (tc *testClient) handshake() {
	tc.t.Helper()
	if got := tc.roundTrip("qSupported:swbreak+"); !strings.Contains(got, "QStartNoAckMode+") {
		tc.t.Fatalf("qSupported reply %q lacks QStartNoAckMode+", got)
	}
	if got := tc.roundTrip("QStartNoAckMode"); got != "OK" {
		tc.t.Fatalf("QStartNoAckMode reply %q", got)
	}
}

func (tc *testClient) waitDone() error {
	tc.t.Helper()
	select {
	case err := <-tc.done:
		return err
	case <-time.After(10 * time.Second):
		tc.t.Fatalf("session did not end")
		return nil
	}
}

func newTestServer(dev mcd.Device) *Server {
	return NewServer(dev, launch.DefaultConfig(), &launch.Spec{}, testLog())
}

func peekByte(t *testing.T, dev *mcd.SimDevice, addr uint32) byte {
	t.Helper()
	var b [1]byte
	if err := dev.Peek(addr, b[:]); err != nil {
		t.Fatalf("peek %#x: %v", addr, err)
	}
	return b[0]
}

func TestRSP_QSupported_NoAckMode(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))

	tc.send("qSupported:multiprocess+;swbreak+")
	ack, payload, err := readReply(tc.br)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ack {
		t.Fatalf("expected ack byte before the qSupported reply")
	}
	for _, want := range []string{"PacketSize=4000", "QStartNoAckMode+", "qXfer:features:read+", "qXfer:memory-map:read+", "vContSupported+"} {
		if !strings.Contains(payload, want) {
			t.Fatalf("qSupported reply %q missing %q", payload, want)
		}
	}

	if got := tc.roundTrip("QStartNoAckMode"); got != "OK" {
		t.Fatalf("QStartNoAckMode reply %q", got)
	}

	// From here on no ack byte may precede replies.
	tc.send("qC")
	ack, payload, err = readReply(tc.br)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ack {
		t.Fatalf("ack byte sent after no-ack mode was negotiated")
	}
	if payload != "QC1" {
		t.Fatalf("qC reply %q", payload)
	}
}

func TestRSP_HaltReasonAndThreads(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	stop := tc.roundTrip("?")
	if !strings.HasPrefix(stop, "T05thread:1;") {
		t.Fatalf("halt reason %q", stop)
	}
	if !strings.Contains(stop, "24:") {
		t.Fatalf("halt reason %q carries no PC pair", stop)
	}
	if got := tc.roundTrip("qfThreadInfo"); got != "m1,2,3" {
		t.Fatalf("qfThreadInfo %q", got)
	}
	if got := tc.roundTrip("qsThreadInfo"); got != "l" {
		t.Fatalf("qsThreadInfo %q", got)
	}
	if got := tc.roundTrip("qAttached"); got != "1" {
		t.Fatalf("qAttached %q", got)
	}
	if got := tc.roundTrip("T2"); got != "OK" {
		t.Fatalf("T2 %q", got)
	}
	if got := tc.roundTrip("T9"); got != "E01" {
		t.Fatalf("T9 %q", got)
	}
}

func TestRSP_SelectCoreAndRegisters(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	regs := tc.roundTrip("g")
	if len(regs) != numRegs*8 {
		t.Fatalf("g reply has %d hex digits, want %d", len(regs), numRegs*8)
	}

	// d0 on core 2 must be independent from core 1's.
	if got := tc.roundTrip("Hg2"); got != "OK" {
		t.Fatalf("Hg2 %q", got)
	}
	if got := tc.roundTrip("P0=78563412"); got != "OK" {
		t.Fatalf("P %q", got)
	}
	if got := tc.roundTrip("p0"); got != "78563412" {
		t.Fatalf("p0 on core 2 = %q", got)
	}
	if got := tc.roundTrip("Hg1"); got != "OK" {
		t.Fatalf("Hg1 %q", got)
	}
	if got := tc.roundTrip("p0"); got != "00000000" {
		t.Fatalf("p0 on core 1 = %q, core selection leaked", got)
	}

	// Whole-file write round-trips.
	if got := tc.roundTrip("G" + regs); got != "OK" {
		t.Fatalf("G %q", got)
	}
	if got := tc.roundTrip("p24"); got != hexLE32(simEntry) {
		t.Fatalf("pc = %q, want %q", got, hexLE32(simEntry))
	}

	if got := tc.roundTrip("p63"); got != "E01" {
		t.Fatalf("out of range register read %q", got)
	}
	if got := tc.roundTrip("Hg9"); got != "E01" {
		t.Fatalf("Hg9 %q", got)
	}
}

func TestRSP_ContinueSelectionIndependentOfDataSelection(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	// Hc picks the core the legacy s packet acts on; the data-ops
	// selection stays on core 1.
	if got := tc.roundTrip("Hc2"); got != "OK" {
		t.Fatalf("Hc2 %q", got)
	}
	if got := tc.roundTrip("qC"); got != "QC1" {
		t.Fatalf("qC after Hc2 = %q, data selection moved", got)
	}

	stop := tc.roundTrip("s")
	if !strings.HasPrefix(stop, "T05thread:2;") {
		t.Fatalf("step after Hc2 stopped %q, want thread 2", stop)
	}

	// Core 1 never moved; core 2 advanced one instruction.
	if got := tc.roundTrip("p24"); got != hexLE32(simEntry) {
		t.Fatalf("core 1 pc = %q, want unmoved", got)
	}
	if got := tc.roundTrip("Hg2"); got != "OK" {
		t.Fatalf("Hg2 %q", got)
	}
	if got := tc.roundTrip("p24"); got != hexLE32(simEntry+2) {
		t.Fatalf("core 2 pc = %q, want stepped", got)
	}
}

func TestRSP_MemoryReadWrite(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	ram := uint32(0xd0000000)
	if got := tc.roundTrip(fmt.Sprintf("M%x,4:11223344", ram)); got != "OK" {
		t.Fatalf("M %q", got)
	}
	if got := tc.roundTrip(fmt.Sprintf("m%x,4", ram)); got != "11223344" {
		t.Fatalf("m %q", got)
	}

	// Binary writes carry raw bytes.
	tc.send(fmt.Sprintf("X%x,4:", ram+8) + "\xde\xad\xbe\xef")
	if got := tc.read(); got != "OK" {
		t.Fatalf("X %q", got)
	}
	if got := tc.roundTrip(fmt.Sprintf("m%x,4", ram+8)); got != "deadbeef" {
		t.Fatalf("m after X %q", got)
	}

	// Unmapped access is refused without ending the session.
	if got := tc.roundTrip("m12340000,4"); got != "E03" {
		t.Fatalf("unmapped m %q", got)
	}
	if got := tc.roundTrip("m1,2,3"); got != "E01" {
		t.Fatalf("malformed m %q", got)
	}
	if got := tc.roundTrip(fmt.Sprintf("m%x,4", ram)); got != "11223344" {
		t.Fatalf("session unusable after refused reads: %q", got)
	}
}

func TestRSP_BreakpointInsertHitAndClear(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	target := simEntry + 10
	if got := tc.roundTrip(fmt.Sprintf("M%x,2:1234", target)); got != "OK" {
		t.Fatalf("M %q", got)
	}
	if got := tc.roundTrip(fmt.Sprintf("Z0,%x,2", target)); got != "OK" {
		t.Fatalf("Z0 %q", got)
	}
	// Idempotent re-insert.
	if got := tc.roundTrip(fmt.Sprintf("Z0,%x,2", target)); got != "OK" {
		t.Fatalf("repeated Z0 %q", got)
	}

	// The client reads original bytes; memory holds the trap.
	if got := tc.roundTrip(fmt.Sprintf("m%x,2", target)); got != "1234" {
		t.Fatalf("shadowed read %q", got)
	}
	if b0, b1 := peekByte(t, dev, target), peekByte(t, dev, target+1); b0 != mcd.DebugOpcode16[0] || b1 != mcd.DebugOpcode16[1] {
		t.Fatalf("memory at breakpoint = %#x %#x, want trap opcode", b0, b1)
	}

	stop := tc.roundTrip("c")
	if !strings.HasPrefix(stop, "T05thread:1;swbreak:;") {
		t.Fatalf("stop reply %q", stop)
	}
	if !strings.Contains(stop, "24:"+hexLE32(target)+";") {
		t.Fatalf("stop reply %q, want PC %#x", stop, target)
	}
	if got := tc.roundTrip("p24"); got != hexLE32(target) {
		t.Fatalf("pc after hit %q", got)
	}

	if got := tc.roundTrip(fmt.Sprintf("z0,%x,2", target)); got != "OK" {
		t.Fatalf("z0 %q", got)
	}
	if got := tc.roundTrip(fmt.Sprintf("z0,%x,2", target)); got != "E02" {
		t.Fatalf("double z0 %q", got)
	}
	if b := peekByte(t, dev, target); b != 0x12 {
		t.Fatalf("original byte not restored, got %#x", b)
	}
}

func TestRSP_StepOverBreakpoint(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	// Patch the instruction the PC is sitting on.
	if got := tc.roundTrip(fmt.Sprintf("M%x,2:abcd", simEntry)); got != "OK" {
		t.Fatalf("M %q", got)
	}
	if got := tc.roundTrip(fmt.Sprintf("Z0,%x,2", simEntry)); got != "OK" {
		t.Fatalf("Z0 %q", got)
	}

	stop := tc.roundTrip("s")
	if !strings.HasPrefix(stop, "T05thread:1;") || strings.Contains(stop, "swbreak") {
		t.Fatalf("step stop %q", stop)
	}
	if got := tc.roundTrip("p24"); got != hexLE32(simEntry+2) {
		t.Fatalf("pc after step-over %q, want %q", got, hexLE32(simEntry+2))
	}

	// The instruction executed exactly once despite the patch.
	if got := tc.roundTrip("pf"); got != "01000000" {
		t.Fatalf("d15 = %q, want one executed instruction", got)
	}

	// Trap is back in memory, invisible to the client.
	if b := peekByte(t, dev, simEntry); b != mcd.DebugOpcode16[0] {
		t.Fatalf("trap not re-armed, memory = %#x", b)
	}
	if got := tc.roundTrip(fmt.Sprintf("m%x,2", simEntry)); got != "abcd" {
		t.Fatalf("shadowed read after step %q", got)
	}
}

func TestRSP_VContMixedActions(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	if got := tc.roundTrip("vCont?"); got != "vCont;c;C;s;S" {
		t.Fatalf("vCont? %q", got)
	}

	// Step core 2 while core 1 free-runs; the consolidated stop names
	// core 2 and leaves everything halted again.
	stop := tc.roundTrip("vCont;s:2;c:1")
	if !strings.HasPrefix(stop, "T05thread:2;") {
		t.Fatalf("stop %q", stop)
	}
	if got := tc.roundTrip("Hg2"); got != "OK" {
		t.Fatalf("Hg2 %q", got)
	}
	if got := tc.roundTrip("p24"); got != hexLE32(simEntry+2) {
		t.Fatalf("stepped core pc %q", got)
	}

	if got := tc.roundTrip("vCont;c:9"); got != "E01" {
		t.Fatalf("bad thread id %q", got)
	}
}

func TestRSP_InterruptWhileRunning(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	// All cores resume; no stop reply until something happens.
	tc.send("vCont;c")
	tc.sendRaw([]byte{0x03})

	stop := tc.read()
	if !strings.HasPrefix(stop, "T02thread:1;") {
		t.Fatalf("interrupt stop %q", stop)
	}

	// Interrupting an idle target repeats the stop state.
	tc.sendRaw([]byte{0x03})
	if got := tc.read(); got != stop {
		t.Fatalf("idle interrupt %q, want %q", got, stop)
	}
	if got := tc.roundTrip("?"); got != stop {
		t.Fatalf("halt reason %q, want %q", got, stop)
	}
}

func TestRSP_FaultMapsToSignal(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	dev.InjectFault(simEntry+6, mcd.FaultProtection)
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	stop := tc.roundTrip("c")
	if !strings.HasPrefix(stop, "T0bthread:1;") {
		t.Fatalf("fault stop %q, want SIGSEGV", stop)
	}
	if !strings.Contains(stop, "24:"+hexLE32(simEntry+6)+";") {
		t.Fatalf("fault stop %q lacks faulting PC", stop)
	}
}

func TestRSP_ContinueWithAddress(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	target := simEntry + 14
	if got := tc.roundTrip(fmt.Sprintf("Z0,%x,2", target)); got != "OK" {
		t.Fatalf("Z0 %q", got)
	}
	stop := tc.roundTrip(fmt.Sprintf("c%x", simEntry+10))
	if !strings.HasPrefix(stop, "T05thread:1;swbreak:;") {
		t.Fatalf("stop %q", stop)
	}
	if got := tc.roundTrip("p24"); got != hexLE32(target) {
		t.Fatalf("pc %q, want %q", got, hexLE32(target))
	}
}

func TestRSP_ResumeRollbackOnFailure(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	dev.FailResume(2)
	srv := newTestServer(dev)
	tc := dialSession(t, srv)
	tc.handshake()

	if got := tc.roundTrip("vCont;c"); got != "E01" {
		t.Fatalf("failed resume reply %q", got)
	}
	if err := tc.waitDone(); err == nil {
		t.Fatalf("adapter failure should end the session")
	}

	// The cores that did resume were halted again before the session
	// died, and the handle is free for the next client.
	conn, err := dev.Connect()
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer conn.Disconnect()
	for _, core := range conn.Cores()[:2] {
		st, err := core.State()
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if st != mcd.StateHalted {
			t.Fatalf("core %d left %v after rollback", core.ID(), st)
		}
	}
}

func TestRSP_FlashProgramFlow(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	data := "hello-flash-data"
	if got := tc.roundTrip(fmt.Sprintf("vFlashErase:%x,4000", simEntry)); got != "OK" {
		t.Fatalf("vFlashErase %q", got)
	}
	tc.send(fmt.Sprintf("vFlashWrite:%x:", simEntry) + data)
	if got := tc.read(); got != "OK" {
		t.Fatalf("vFlashWrite %q", got)
	}
	if got := tc.roundTrip("vFlashDone"); got != "OK" {
		t.Fatalf("vFlashDone %q", got)
	}
	want := hex.EncodeToString([]byte(data))
	if got := tc.roundTrip(fmt.Sprintf("m%x,%x", simEntry, len(data))); got != want {
		t.Fatalf("flash contents %q, want %q", got, want)
	}
}

func TestRSP_FlashVerifyFailureIsAtomic(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	dev.CorruptOnWrite(simEntry + 100)
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	// Two max-transfer chunks; the corruption lands in the first.
	data := strings.Repeat("ab", 1024)
	if got := tc.roundTrip(fmt.Sprintf("vFlashErase:%x,4000", simEntry)); got != "OK" {
		t.Fatalf("vFlashErase %q", got)
	}
	tc.send(fmt.Sprintf("vFlashWrite:%x:", simEntry) + data)
	if got := tc.read(); got != "OK" {
		t.Fatalf("vFlashWrite %q", got)
	}
	if got := tc.roundTrip("vFlashDone"); got != "E04" {
		t.Fatalf("vFlashDone %q, want verify failure", got)
	}
	// The second chunk was never written.
	if b := peekByte(t, dev, simEntry+1024); b != 0xff {
		t.Fatalf("chunk after failure written: %#x", b)
	}
	// The session survives and the target is still halted.
	if got := tc.roundTrip("T1"); got != "OK" {
		t.Fatalf("session dead after verify failure: %q", got)
	}
}

func TestRSP_WriteAcrossBreakpoint(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	addr := uint32(0xd0001000)
	if got := tc.roundTrip(fmt.Sprintf("M%x,4:aabbccdd", addr)); got != "OK" {
		t.Fatalf("M %q", got)
	}
	if got := tc.roundTrip(fmt.Sprintf("Z0,%x,2", addr)); got != "OK" {
		t.Fatalf("Z0 %q", got)
	}
	// Overwrite all four bytes while the patch is live.
	if got := tc.roundTrip(fmt.Sprintf("M%x,4:11223344", addr)); got != "OK" {
		t.Fatalf("M across patch %q", got)
	}
	if got := tc.roundTrip(fmt.Sprintf("m%x,4", addr)); got != "11223344" {
		t.Fatalf("shadowed read %q", got)
	}
	// Physically the trap still owns the first two bytes.
	if b := peekByte(t, dev, addr); b != mcd.DebugOpcode16[0] {
		t.Fatalf("trap gone: %#x", b)
	}
	if b := peekByte(t, dev, addr+2); b != 0x33 {
		t.Fatalf("tail byte %#x, want 0x33", b)
	}
	// Removing the patch writes the updated bytes, not the stale ones.
	if got := tc.roundTrip(fmt.Sprintf("z0,%x,2", addr)); got != "OK" {
		t.Fatalf("z0 %q", got)
	}
	if b := peekByte(t, dev, addr); b != 0x11 {
		t.Fatalf("restored byte %#x, want 0x11", b)
	}
}

func TestRSP_DetachRestoresAndResumes(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	srv := newTestServer(dev)
	tc := dialSession(t, srv)
	tc.handshake()

	addr := uint32(0xd0000020)
	if got := tc.roundTrip(fmt.Sprintf("M%x,2:beef", addr)); got != "OK" {
		t.Fatalf("M %q", got)
	}
	if got := tc.roundTrip(fmt.Sprintf("Z0,%x,2", addr)); got != "OK" {
		t.Fatalf("Z0 %q", got)
	}
	if got := tc.roundTrip("D"); got != "OK" {
		t.Fatalf("D %q", got)
	}
	if err := tc.waitDone(); err != nil {
		t.Fatalf("session error on detach: %v", err)
	}

	if b := peekByte(t, dev, addr); b != 0xbe {
		t.Fatalf("breakpoint not restored on detach: %#x", b)
	}
	conn, err := dev.Connect()
	if err != nil {
		t.Fatalf("handle not released after detach: %v", err)
	}
	defer conn.Disconnect()
	st, err := conn.Cores()[0].State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st != mcd.StateRunning {
		t.Fatalf("core %v after detach, want running", st)
	}
}

func TestRSP_KillLeavesTargetHalted(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	tc.send("k")
	if err := tc.waitDone(); err != nil {
		t.Fatalf("kill teardown failed: %v", err)
	}

	conn, err := dev.Connect()
	if err != nil {
		t.Fatalf("handle not released after kill: %v", err)
	}
	defer conn.Disconnect()
	st, err := conn.Cores()[0].State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st != mcd.StateHalted {
		t.Fatalf("core %v after kill, want halted", st)
	}
}

func TestRSP_SecondClientRefused(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	srv := newTestServer(dev)
	tc := dialSession(t, srv)
	tc.handshake()

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	if err := srv.HandleConn(c1); !errors.Is(err, mcd.ErrDeviceBusy) {
		t.Fatalf("second client got %v, want ErrDeviceBusy", err)
	}

	// The first session is unaffected.
	if got := tc.roundTrip("qC"); got != "QC1" {
		t.Fatalf("first session broken: %q", got)
	}
}

func TestRSP_MonitorCommands(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	ping := tc.roundTrip("qRcmd," + hex.EncodeToString([]byte("ping")))
	if decoded, _ := hex.DecodeString(ping); string(decoded) != "pong!\n" {
		t.Fatalf("monitor ping %q", ping)
	}

	// Multi-line output arrives as O packets followed by OK.
	tc.send("qRcmd," + hex.EncodeToString([]byte("status")))
	var lines []string
	for {
		got := tc.read()
		if got == "OK" {
			break
		}
		if !strings.HasPrefix(got, "O") {
			t.Fatalf("expected console packet, got %q", got)
		}
		decoded, err := hex.DecodeString(got[1:])
		if err != nil {
			t.Fatalf("console packet %q: %v", got, err)
		}
		lines = append(lines, string(decoded))
	}
	if len(lines) != 3 {
		t.Fatalf("status printed %d lines, want one per core", len(lines))
	}
	if !strings.Contains(lines[0], "halted") {
		t.Fatalf("status line %q", lines[0])
	}

	poke := "poke 0xd0000040 0xcafef00d"
	out := tc.roundTrip("qRcmd," + hex.EncodeToString([]byte(poke)))
	if decoded, _ := hex.DecodeString(out); !strings.Contains(string(decoded), "0xcafef00d") {
		t.Fatalf("monitor poke %q", string(decoded))
	}
	if got := tc.roundTrip(fmt.Sprintf("m%x,4", uint32(0xd0000040))); got != "0df0feca" {
		t.Fatalf("poked word %q", got)
	}
}

func TestRSP_XferTargetAndMemoryMap(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	readAll := func(object, annex string) string {
		var doc strings.Builder
		off := 0
		for {
			got := tc.roundTrip(fmt.Sprintf("qXfer:%s:read:%s:%x,40", object, annex, off))
			if got == "" {
				t.Fatalf("qXfer:%s unsupported", object)
			}
			doc.WriteString(got[1:])
			off += len(got) - 1
			if got[0] == 'l' {
				return doc.String()
			}
		}
	}

	target := readAll("features", "target.xml")
	for _, want := range []string{"<architecture>tricore</architecture>", `<reg name="pc"`, `regnum="36"`} {
		if !strings.Contains(target, want) {
			t.Fatalf("target.xml missing %q:\n%s", want, target)
		}
	}

	memmap := readAll("memory-map", "")
	for _, want := range []string{`type="flash"`, `type="ram"`, "<property name=\"blocksize\">0x4000</property>"} {
		if !strings.Contains(memmap, want) {
			t.Fatalf("memory map missing %q:\n%s", want, memmap)
		}
	}
}

func TestRSP_UnknownCommandsGetEmptyReply(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	for _, cmd := range []string{"vMustReplyEmpty", "Z1,80000000,2", "z4,0,0", "qFoo", "Qbar", "vRun;x"} {
		if got := tc.roundTrip(cmd); got != "" {
			t.Fatalf("%q replied %q, want empty", cmd, got)
		}
	}
	// And the session is still good.
	if got := tc.roundTrip("qC"); got != "QC1" {
		t.Fatalf("session broken: %q", got)
	}
}

func TestRSP_PreConnectMonitorAndScript(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "setup.lua")
	script := "poke32(0, 0xd0000004, 0x11223344)\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	dev := mcd.NewSimDevice(mcd.SimConfig{})
	spec := &launch.Spec{PreConnect: []string{
		"poke 0xd0000000 0xcafef00d",
		scriptPath,
	}}
	srv := NewServer(dev, launch.DefaultConfig(), spec, testLog())
	tc := dialSession(t, srv)
	tc.handshake()

	if got := tc.roundTrip("md0000000,4"); got != "0df0feca" {
		t.Fatalf("pre-connect poke not applied: %q", got)
	}
	if got := tc.roundTrip("md0000004,4"); got != "44332211" {
		t.Fatalf("pre-connect script not applied: %q", got)
	}
}

func TestRSP_PreConnectFailureAbortsSession(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	spec := &launch.Spec{PreConnect: []string{"missing/setup.lua"}}
	srv := NewServer(dev, launch.DefaultConfig(), spec, testLog())
	tc := dialSession(t, srv)

	if err := tc.waitDone(); err == nil {
		t.Fatalf("session should fail on a broken pre-connect script")
	}
	// The handle was released on the failure path.
	conn, err := dev.Connect()
	if err != nil {
		t.Fatalf("handle leaked: %v", err)
	}
	_ = conn.Disconnect()
}

func TestRSP_SnapshotReflectsSessionState(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	srv := newTestServer(dev)

	// Before any client: the idle device.
	snap := srv.Snapshot()
	if snap.Connected || snap.Device != dev.Info().Name {
		t.Fatalf("idle snapshot = %+v", snap)
	}

	tc := dialSession(t, srv)
	tc.handshake()

	snap = srv.Snapshot()
	if !snap.Connected || !snap.NoAck || snap.SessionID == "" {
		t.Fatalf("live snapshot = %+v", snap)
	}
	if len(snap.Cores) != dev.Info().Cores {
		t.Fatalf("snapshot has %d cores, want %d", len(snap.Cores), dev.Info().Cores)
	}
	for _, cs := range snap.Cores {
		if cs.State != "halted" || cs.PC == "" {
			t.Fatalf("core %d = %+v, want halted with pc", cs.ID, cs)
		}
	}

	addr := uint32(0xd0000040)
	if got := tc.roundTrip(fmt.Sprintf("Z0,%x,2", addr)); got != "OK" {
		t.Fatalf("Z0 %q", got)
	}
	snap = srv.Snapshot()
	if len(snap.Breakpoints) != 1 || snap.Breakpoints[0].Addr != "0xd0000040" || snap.Breakpoints[0].Kind != 2 {
		t.Fatalf("breakpoints = %+v", snap.Breakpoints)
	}

	if got := tc.roundTrip(fmt.Sprintf("z0,%x,2", addr)); got != "OK" {
		t.Fatalf("z0 %q", got)
	}
	if snap = srv.Snapshot(); len(snap.Breakpoints) != 0 {
		t.Fatalf("breakpoints after clear = %+v", snap.Breakpoints)
	}

	tc.send("k")
	if err := tc.waitDone(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if snap = srv.Snapshot(); snap.Connected {
		t.Fatalf("snapshot still connected after teardown: %+v", snap)
	}
}

func TestRSP_AbruptDisconnectRestoresAllBreakpoints(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{})
	tc := dialSession(t, newTestServer(dev))
	tc.handshake()

	addrs := []uint32{0xd0000010, 0xd0000020, 0xd0000030}
	for i, addr := range addrs {
		if got := tc.roundTrip(fmt.Sprintf("M%x,2:%02x%02x", addr, 0x10+i, 0x20+i)); got != "OK" {
			t.Fatalf("M %q", got)
		}
		if got := tc.roundTrip(fmt.Sprintf("Z0,%x,2", addr)); got != "OK" {
			t.Fatalf("Z0 %q", got)
		}
	}

	// Client vanishes without D or k.
	_ = tc.c.Close()
	_ = tc.waitDone()

	for i, addr := range addrs {
		var b [2]byte
		if err := dev.Peek(addr, b[:]); err != nil {
			t.Fatalf("peek %#x: %v", addr, err)
		}
		if b[0] != byte(0x10+i) || b[1] != byte(0x20+i) {
			t.Fatalf("breakpoint %d at %#x not restored: % x", i, addr, b)
		}
	}
	conn, err := dev.Connect()
	if err != nil {
		t.Fatalf("handle not released after abrupt disconnect: %v", err)
	}
	_ = conn.Disconnect()
}

func TestRSP_VersionGateRefusesOldAdapter(t *testing.T) {
	dev := mcd.NewSimDevice(mcd.SimConfig{ServerVersion: "1.2.0"})
	cfg := launch.DefaultConfig()
	cfg.MinServerVersion = ">= 1.6"
	srv := NewServer(dev, cfg, &launch.Spec{}, testLog())
	tc := dialSession(t, srv)

	if err := tc.waitDone(); err == nil {
		t.Fatalf("session should fail the version gate")
	}
	conn, err := dev.Connect()
	if err != nil {
		t.Fatalf("handle leaked after refused session: %v", err)
	}
	_ = conn.Disconnect()
}
