// Package control is the per-session signal register for pause, resume,
// interrupt and single-step requests.
//
// External actors (signal handlers, the watch server, the NATS bridge) send
// signals from any goroutine. Only the owning orchestrator reads them, and only
// at its poll points; signals are never observed anywhere else.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/agentcore/internal/agenterr"
)

// Point is one of the three places the orchestrator polls for signals.
type Point string

const (
	LoopTop  Point = "loop-top"
	PreTool  Point = "pre-tool"
	PostTurn Point = "post-turn"
)

// Signal is a request sent by an external actor.
type Signal int

const (
	Pause Signal = iota + 1
	Resume
	Step
)

func (s Signal) String() string {
	switch s {
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case Step:
		return "step"
	}
	return "unknown"
}

// State is the observable control state of a session.
type State string

const (
	StateNone         State = "none"
	StatePauseRequest State = "pause-requested"
	StateInterrupt    State = "interrupt-requested"
	StateStepBoundary State = "step-boundary-reached"
)

// ErrClosed is returned when signalling a surface that was already interrupted.
var ErrClosed = errors.New("control: session interrupted")

// UnknownSignalError is returned by Send for an unrecognised signal name.
type UnknownSignalError struct {
	Name string
}

func (e *UnknownSignalError) Error() string {
	return fmt.Sprintf("control: unknown signal %q", e.Name)
}

// Observer is notified when the loop blocks or unblocks at a poll point.
type Observer func(point Point, paused bool)

// Surface is a single-reader signal register for one session.
type Surface struct {
	signals   chan Signal
	interrupt chan struct{}
	once      sync.Once

	mu       sync.Mutex
	children []*Surface

	state atomic.Value // State

	// reader-owned
	paused   bool
	stepping bool
	observer Observer
}

// New creates a surface.
func New() *Surface {
	s := &Surface{
		signals:   make(chan Signal, 32),
		interrupt: make(chan struct{}),
	}
	s.state.Store(StateNone)
	return s
}

// Child creates a surface for a nested session. Interrupting the parent also
// interrupts the child; the child's own signals stay private.
func (s *Surface) Child() *Surface {
	c := New()
	s.mu.Lock()
	s.children = append(s.children, c)
	s.mu.Unlock()
	if s.Interrupted() {
		c.Interrupt()
	}
	return c
}

// SetObserver registers a callback for block/unblock transitions. It runs on the
// reader goroutine.
func (s *Surface) SetObserver(o Observer) { s.observer = o }

// Pause requests the loop to block at its next poll point.
func (s *Surface) Pause() error { return s.send(Pause) }

// Resume releases a pause.
func (s *Surface) Resume() error { return s.send(Resume) }

// StepOnce releases a pause for one step; the loop blocks again at the next
// loop-top.
func (s *Surface) StepOnce() error { return s.send(Step) }

// Interrupt requests an orderly termination. It wins over any pause and is
// never dropped.
func (s *Surface) Interrupt() {
	s.once.Do(func() {
		s.state.Store(StateInterrupt)
		close(s.interrupt)
	})
	s.mu.Lock()
	children := append([]*Surface(nil), s.children...)
	s.mu.Unlock()
	for _, c := range children {
		c.Interrupt()
	}
}

// Interrupted reports whether an interrupt is pending.
func (s *Surface) Interrupted() bool {
	select {
	case <-s.interrupt:
		return true
	default:
		return false
	}
}

// Done is closed once an interrupt is requested. Long-running reads (a model
// stream) select on it; tools never do.
func (s *Surface) Done() <-chan struct{} { return s.interrupt }

// State returns the current control state. Safe from any goroutine.
func (s *Surface) State() State {
	if s.Interrupted() {
		return StateInterrupt
	}
	return s.state.Load().(State)
}

// Send delivers a signal by name: pause, resume, step or interrupt.
func (s *Surface) Send(name string) error {
	switch name {
	case "pause":
		return s.Pause()
	case "resume":
		return s.Resume()
	case "step":
		return s.StepOnce()
	case "interrupt":
		s.Interrupt()
		return nil
	}
	return &UnknownSignalError{Name: name}
}

func (s *Surface) send(sig Signal) error {
	select {
	case <-s.interrupt:
		return ErrClosed
	default:
	}
	if sig == Pause {
		s.state.Store(StatePauseRequest)
	}
	select {
	case s.signals <- sig:
		return nil
	case <-s.interrupt:
		return ErrClosed
	}
}

// Poll is called by the owning loop at a poll point. It applies queued signals,
// blocks while paused, and returns an interrupted error if an interrupt is
// pending. Context cancellation also unblocks it.
func (s *Surface) Poll(ctx context.Context, point Point) error {
	s.drain()
	if point == LoopTop && s.stepping {
		s.stepping = false
		s.paused = true
		s.state.Store(StateStepBoundary)
	}
	if s.Interrupted() {
		return agenterr.New(agenterr.KindInterrupted, "control", "interrupted at "+string(point))
	}
	if !s.paused {
		return nil
	}

	if s.observer != nil {
		s.observer(point, true)
	}
	for s.paused {
		select {
		case sig := <-s.signals:
			s.apply(sig)
		case <-s.interrupt:
		case <-ctx.Done():
			return ctx.Err()
		}
		if s.Interrupted() {
			return agenterr.New(agenterr.KindInterrupted, "control", "interrupted while paused at "+string(point))
		}
	}
	if s.observer != nil {
		s.observer(point, false)
	}
	return nil
}

// Paused reports whether the reader last saw a pause in effect. Reader-only.
func (s *Surface) Paused() bool { return s.paused }

func (s *Surface) drain() {
	for {
		select {
		case sig := <-s.signals:
			s.apply(sig)
		default:
			return
		}
	}
}

func (s *Surface) apply(sig Signal) {
	switch sig {
	case Pause:
		s.paused = true
		s.stepping = false
		s.state.Store(StatePauseRequest)
	case Resume:
		s.paused = false
		s.stepping = false
		s.state.Store(StateNone)
	case Step:
		s.paused = false
		s.stepping = true
		s.state.Store(StateNone)
	}
}
