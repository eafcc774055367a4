// Package interrupt implements the cooperative cancellation controller.
//
// One Controller instance is shared by every execution path in a process
// tree: the OS signal handler requests interrupts through the same state the
// engine polls at its checkpoints. The whole state lives behind a single
// atomic pointer swap so the signal-style path never takes a lock.
package interrupt

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type classifies an interrupt request.
type Type string

const (
	TypeNone Type = "none"
	// TypeSoft asks the current operation to finish before stopping.
	TypeSoft Type = "soft"
	// TypeHard asks for the earliest safe stop.
	TypeHard Type = "hard"
)

// Reason records why the interrupt was requested.
type Reason string

const (
	ReasonUserRequest Reason = "user_request"
	ReasonTimeout     Reason = "timeout"
	ReasonError       Reason = "error"
	ReasonShutdown    Reason = "shutdown"
)

// State is the immutable snapshot of an interrupt request.
type State struct {
	Requested bool
	Type      Type
	Reason    Reason
	Message   string
	Timestamp time.Time
	// Count is the number of requests seen in the current cycle at the time
	// this snapshot was taken.
	Count int
}

const defaultSoftLimit = 2

// Controller is the process-wide cooperative cancellation signal.
//
// Request is safe from a signal-handler-style caller: it only touches
// atomics. Reset returns the controller to the idle state for the next
// operation. Known race carried from the source design: two concurrent
// Requests may both read a pre-escalation count before either stores its
// snapshot; the count itself is never lost, only the snapshot's view of it.
type Controller struct {
	state     atomic.Pointer[State]
	count     atomic.Int64
	fired     atomic.Bool
	signal    atomic.Pointer[chan struct{}]
	softLimit int64

	cbMu      sync.Mutex
	callbacks []func(State)

	logger *slog.Logger
}

// NewController creates a Controller. softLimit is the number of soft
// requests tolerated per cycle before escalation to hard; zero or negative
// uses the default of 2.
func NewController(softLimit int, logger *slog.Logger) *Controller {
	if softLimit <= 0 {
		softLimit = defaultSoftLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		softLimit: int64(softLimit),
		logger:    logger,
	}
	idle := &State{Type: TypeNone, Reason: ReasonUserRequest}
	c.state.Store(idle)
	ch := make(chan struct{})
	c.signal.Store(&ch)
	return c
}

// Request records an interrupt. Repeated requests in one cycle escalate:
// once the per-cycle count exceeds the soft limit the effective type is
// forced to hard regardless of what was asked for.
//
// Safe to call from the signal-notification goroutine and from cooperative
// code; both observe the same state.
func (c *Controller) Request(typ Type, reason Reason, message string) State {
	n := c.count.Add(1)
	if n > c.softLimit {
		typ = TypeHard
		message = "escalated to hard interrupt after repeated requests"
	}
	st := State{
		Requested: true,
		Type:      typ,
		Reason:    reason,
		Message:   message,
		Timestamp: time.Now(),
		Count:     int(n),
	}
	c.state.Store(&st)

	if c.fired.CompareAndSwap(false, true) {
		if ch := c.signal.Load(); ch != nil {
			close(*ch)
		}
	}

	c.logger.Info("interrupt requested",
		"type", string(st.Type), "reason", string(st.Reason), "count", st.Count)

	c.notify(st)
	return st
}

// Check is a non-blocking poll. It returns the current state if an interrupt
// has been requested, or nil.
func (c *Controller) Check() *State {
	st := c.state.Load()
	if st == nil || !st.Requested {
		return nil
	}
	return st
}

// Interrupted reports whether an interrupt is currently requested.
func (c *Controller) Interrupted() bool {
	return c.Check() != nil
}

// Count returns the number of requests in the current cycle.
func (c *Controller) Count() int {
	return int(c.count.Load())
}

// Wait blocks until an interrupt arrives or the timeout elapses. A zero or
// negative timeout waits indefinitely. Returns true if an interrupt arrived.
func (c *Controller) Wait(timeout time.Duration) bool {
	if c.Interrupted() {
		return true
	}
	chPtr := c.signal.Load()
	if chPtr == nil {
		return false
	}
	if timeout <= 0 {
		<-*chPtr
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-*chPtr:
		return true
	case <-timer.C:
		return false
	}
}

// Reset returns the controller to the idle state for the next operation:
// count back to zero, type to none, signal channel re-armed.
func (c *Controller) Reset() {
	idle := &State{Type: TypeNone, Reason: ReasonUserRequest}
	c.state.Store(idle)
	c.count.Store(0)
	ch := make(chan struct{})
	c.signal.Store(&ch)
	c.fired.Store(false)
	c.logger.Debug("interrupt controller reset")
}

// OnInterrupt registers a callback notified on every request. A panicking
// callback is recovered and logged; it never prevents other callbacks or the
// interrupt itself.
func (c *Controller) OnInterrupt(fn func(State)) {
	if fn == nil {
		return
	}
	c.cbMu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.cbMu.Unlock()
}

func (c *Controller) notify(st State) {
	c.cbMu.Lock()
	cbs := make([]func(State), len(c.callbacks))
	copy(cbs, c.callbacks)
	c.cbMu.Unlock()

	for _, fn := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("interrupt callback panic", "panic", r)
				}
			}()
			fn(st)
		}()
	}
}
