package gdbserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

var errInvalidThread = errors.New("no such thread")

// stepEventTimeout bounds how long a single step may take to report back.
// Hardware adapters answer in microseconds; hitting this means the probe
// link is gone.
const stepEventTimeout = 5 * time.Second

// executor owns run control for every core of the session. It applies
// vCont plans in two phases (validate everything, then act), keeps the
// all-stop promise by halting the world on the first interesting event,
// and steps over breakpoint patches so the client never notices them.
//
// All methods run on the session goroutine.
type executor struct {
	conn    mcd.Connection
	cores   []mcd.Core
	bps     *breakpointSet
	log     *logrus.Entry
	running map[int]bool
	pending []mcd.Event
}

func newExecutor(conn mcd.Connection, cores []mcd.Core, bps *breakpointSet, log *logrus.Entry) *executor {
	return &executor{
		conn:    conn,
		cores:   cores,
		bps:     bps,
		log:     log,
		running: make(map[int]bool),
	}
}

func (e *executor) isRunning() bool { return len(e.running) > 0 }

// resolvePlan expands vCont actions into one action byte per core. The
// leftmost matching action wins, per the protocol; cores left unclaimed
// stay halted.
func (e *executor) resolvePlan(actions []vcontAction) ([]byte, error) {
	plan := make([]byte, len(e.cores))
	for _, act := range actions {
		if act.tid < 0 || act.tid > len(e.cores) {
			return nil, errInvalidThread
		}
		if act.tid == 0 {
			for i := range plan {
				if plan[i] == 0 {
					plan[i] = act.kind
				}
			}
			continue
		}
		if plan[act.tid-1] == 0 {
			plan[act.tid-1] = act.kind
		}
	}
	return plan, nil
}

// commit applies a resume plan. On any failure the already-resumed cores
// are halted again and the session state is exactly as before the call,
// so the client can retry or give up without the target drifting.
//
// Returns a stop reply when the plan produced an immediate stop, nil when
// cores are now running and the stop will arrive later as an event.
func (e *executor) commit(actions []vcontAction) (*stopReply, error) {
	if e.isRunning() {
		return nil, fmt.Errorf("resume while already running")
	}
	plan, err := e.resolvePlan(actions)
	if err != nil {
		return nil, err
	}
	e.drainEvents()
	e.pending = nil

	var stepStops []mcd.Event

	// Continues go first so that stepped cores advance while the rest of
	// the system is live, which is what a mixed step/continue plan means.
	for id, act := range plan {
		if act != 'c' {
			continue
		}
		stopped, err := e.resumeCore(id)
		if err != nil {
			e.rollback()
			return nil, err
		}
		if stopped {
			break
		}
	}
	if len(e.pending) == 0 {
		for id, act := range plan {
			if act != 's' {
				continue
			}
			ev, err := e.stepCore(id)
			if err != nil {
				e.rollback()
				return nil, err
			}
			stepStops = append(stepStops, ev)
		}
	}

	candidates := append(append([]mcd.Event{}, e.pending...), stepStops...)
	candidates = append(candidates, e.collectQueued()...)
	e.pending = nil

	if ev, ok := pickStop(candidates); ok {
		if err := e.stopAll(); err != nil {
			return nil, err
		}
		reply := buildStopReply(ev)
		return &reply, nil
	}
	if e.isRunning() {
		return nil, nil
	}
	return nil, fmt.Errorf("vCont plan resumed no cores")
}

// resumeCore lifts any patch under the PC, single-steps across it, puts
// the patch back and lets the core run. If the hidden step itself stops
// the core (fault, another patch) that event is kept and the core is left
// halted; the caller treats it as the stop for the whole plan.
func (e *executor) resumeCore(id int) (stopped bool, err error) {
	core := e.cores[id]
	regs, err := core.ReadRegisters()
	if err != nil {
		return false, err
	}
	repatch, lifted, err := e.bps.liftAt(regs.PC)
	if err != nil {
		return false, err
	}
	if lifted {
		if err := core.Step(); err != nil {
			_ = repatch()
			return false, err
		}
		ev, err := e.waitEventFor(id)
		if err != nil {
			_ = repatch()
			return false, err
		}
		if err := repatch(); err != nil {
			return false, err
		}
		if ev.Kind != mcd.EventStepDone {
			e.pending = append(e.pending, ev)
			return true, nil
		}
	}
	if err := core.Resume(); err != nil {
		return false, err
	}
	e.running[id] = true
	return false, nil
}

// stepCore performs one visible step, lifting a patch under the PC first
// when needed. The resulting event is the step's outcome: a step
// completion, or a break or fault the instruction ran into.
func (e *executor) stepCore(id int) (mcd.Event, error) {
	core := e.cores[id]
	regs, err := core.ReadRegisters()
	if err != nil {
		return mcd.Event{}, err
	}
	repatch, lifted, err := e.bps.liftAt(regs.PC)
	if err != nil {
		return mcd.Event{}, err
	}
	if err := core.Step(); err != nil {
		if lifted {
			_ = repatch()
		}
		return mcd.Event{}, err
	}
	ev, err := e.waitEventFor(id)
	if lifted {
		if rerr := repatch(); rerr != nil && err == nil {
			err = rerr
		}
	}
	if err != nil {
		return mcd.Event{}, err
	}
	return ev, nil
}

// waitEventFor blocks until the adapter reports an event for the given
// core. Events for other cores arriving in between are kept for the stop
// selection instead of being dropped.
func (e *executor) waitEventFor(id int) (mcd.Event, error) {
	timeout := time.NewTimer(stepEventTimeout)
	defer timeout.Stop()
	for {
		select {
		case ev, ok := <-e.conn.Events():
			if !ok {
				return mcd.Event{}, &mcd.AdapterError{Op: "wait event", Core: id, Err: errors.New("event stream closed")}
			}
			if ev.CoreID == id {
				return ev, nil
			}
			e.pending = append(e.pending, ev)
		case <-timeout.C:
			return mcd.Event{}, &mcd.AdapterError{Op: "wait event", Core: id, Err: errors.New("timed out")}
		}
	}
}

// collectQueued drains whatever the adapter reported while the plan was
// being applied, without blocking.
func (e *executor) collectQueued() []mcd.Event {
	var out []mcd.Event
	for {
		select {
		case ev, ok := <-e.conn.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// pickStop chooses the event the client hears about. Breaks and faults
// outrank step completions; within a class the earliest wins.
func pickStop(events []mcd.Event) (mcd.Event, bool) {
	for _, ev := range events {
		if ev.Kind != mcd.EventStepDone {
			return ev, true
		}
	}
	for _, ev := range events {
		if ev.Kind == mcd.EventStepDone {
			return ev, true
		}
	}
	return mcd.Event{}, false
}

// handleEvent reacts to an asynchronous stop while cores are running:
// halt everything else, then report the event that started it.
func (e *executor) handleEvent(ev mcd.Event) (*stopReply, error) {
	if err := e.stopAll(); err != nil {
		return nil, err
	}
	reply := buildStopReply(ev)
	return &reply, nil
}

// interrupt services a client break request. The lowest-numbered running
// core gets the stop attribution. Interrupting an idle target is a no-op
// here; the session resends the last stop instead.
func (e *executor) interrupt() (*stopReply, error) {
	if !e.isRunning() {
		return nil, nil
	}
	tid := -1
	for id := range e.running {
		if tid == -1 || id < tid {
			tid = id
		}
	}
	if err := e.stopAll(); err != nil {
		return nil, err
	}
	reply := stopReply{signal: sigInt, tid: tid + 1}
	if regs, err := e.cores[tid].ReadRegisters(); err == nil {
		reply.pc, reply.hasPC = regs.PC, true
	}
	return &reply, nil
}

// stopAll halts every core and swallows the halt events that causes.
func (e *executor) stopAll() error {
	var errs []error
	for id, core := range e.cores {
		if err := core.Halt(); err != nil {
			errs = append(errs, fmt.Errorf("halt core %d: %w", id, err))
		}
	}
	e.running = make(map[int]bool)
	e.pending = nil
	e.drainEvents()
	return errors.Join(errs...)
}

// rollback restores the all-halted state after a failed plan.
func (e *executor) rollback() {
	if err := e.stopAll(); err != nil {
		e.log.WithError(err).Warn("rollback after failed resume left cores in unknown state")
	}
}

func (e *executor) drainEvents() {
	for {
		select {
		case _, ok := <-e.conn.Events():
			if !ok {
				return
			}
		default:
			return
		}
	}
}
