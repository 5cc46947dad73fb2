// Package script runs sandboxed Lua bring-up hooks against a freshly
// attached device, before the debugger client takes over. Typical use is
// poking watchdog or clock registers that would otherwise reset the part
// mid-session. Scripts see a small host API and the base, table, string
// and math libraries; io, os and debug stay closed.
package script

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

// Engine is one Lua interpreter bound to an adapter connection.
type Engine struct {
	ls   *lua.LState
	conn mcd.Connection
	log  *logrus.Entry
}

// NewEngine builds a sandboxed interpreter and installs the host API:
//
//	log(msg)                  write to the bridge log
//	halt(core)                halt one core
//	peek(core, addr, n)       read n bytes, returned as a hex string
//	poke(core, addr, hex)     write hex-encoded bytes
//	peek32(core, addr)        read a little-endian 32-bit word
//	poke32(core, addr, v)     write a little-endian 32-bit word
func NewEngine(conn mcd.Connection, log *logrus.Entry) (*Engine, error) {
	ls := lua.NewState(lua.Options{SkipOpenLibs: true})
	e := &Engine{ls: ls, conn: conn, log: log}
	if err := e.openSafeLibraries(); err != nil {
		ls.Close()
		return nil, err
	}
	e.registerHostAPI()
	return e, nil
}

// Close releases the interpreter.
func (e *Engine) Close() { e.ls.Close() }

// RunFile executes one script file. Any script error aborts session
// setup; the operator must know the hardware may be half-configured.
func (e *Engine) RunFile(path string) error {
	if err := e.ls.DoFile(path); err != nil {
		return fmt.Errorf("script: %s: %w", path, err)
	}
	return nil
}

// RunString executes an inline chunk.
func (e *Engine) RunString(src string) error {
	if err := e.ls.DoString(src); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

func (e *Engine) openSafeLibraries() error {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := e.ls.CallByParam(lua.P{
			Fn:      e.ls.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("script: open %s: %w", lib.name, err)
		}
	}
	return nil
}

func (e *Engine) registerHostAPI() {
	e.ls.SetGlobal("log", e.ls.NewFunction(e.luaLog))
	e.ls.SetGlobal("halt", e.ls.NewFunction(e.luaHalt))
	e.ls.SetGlobal("peek", e.ls.NewFunction(e.luaPeek))
	e.ls.SetGlobal("poke", e.ls.NewFunction(e.luaPoke))
	e.ls.SetGlobal("peek32", e.ls.NewFunction(e.luaPeek32))
	e.ls.SetGlobal("poke32", e.ls.NewFunction(e.luaPoke32))
}

func (e *Engine) coreArg(l *lua.LState, idx int) mcd.Core {
	id := l.CheckInt(idx)
	cores := e.conn.Cores()
	if id < 0 || id >= len(cores) {
		l.RaiseError("no core %d (device has %d)", id, len(cores))
	}
	return cores[id]
}

func (e *Engine) luaLog(l *lua.LState) int {
	e.log.WithField("source", "script").Info(l.CheckString(1))
	return 0
}

func (e *Engine) luaHalt(l *lua.LState) int {
	core := e.coreArg(l, 1)
	if err := core.Halt(); err != nil {
		l.RaiseError("halt: %v", err)
	}
	return 0
}

func (e *Engine) luaPeek(l *lua.LState) int {
	core := e.coreArg(l, 1)
	addr := uint32(l.CheckNumber(2))
	n := l.CheckInt(3)
	if n <= 0 || n > e.conn.MaxTransfer() {
		l.RaiseError("peek: bad length %d", n)
	}
	buf := make([]byte, n)
	if err := core.ReadMemory(addr, buf); err != nil {
		l.RaiseError("peek: %v", err)
	}
	l.Push(lua.LString(hex.EncodeToString(buf)))
	return 1
}

func (e *Engine) luaPoke(l *lua.LState) int {
	core := e.coreArg(l, 1)
	addr := uint32(l.CheckNumber(2))
	data, err := hex.DecodeString(l.CheckString(3))
	if err != nil {
		l.RaiseError("poke: bad hex argument: %v", err)
	}
	if err := core.WriteMemory(addr, data); err != nil {
		l.RaiseError("poke: %v", err)
	}
	return 0
}

func (e *Engine) luaPeek32(l *lua.LState) int {
	core := e.coreArg(l, 1)
	addr := uint32(l.CheckNumber(2))
	var b [4]byte
	if err := core.ReadMemory(addr, b[:]); err != nil {
		l.RaiseError("peek32: %v", err)
	}
	l.Push(lua.LNumber(binary.LittleEndian.Uint32(b[:])))
	return 1
}

func (e *Engine) luaPoke32(l *lua.LState) int {
	core := e.coreArg(l, 1)
	addr := uint32(l.CheckNumber(2))
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(l.CheckNumber(3)))
	if err := core.WriteMemory(addr, b[:]); err != nil {
		l.RaiseError("poke32: %v", err)
	}
	return 0
}
