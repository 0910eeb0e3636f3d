package engine

import (
	"time"

	"github.com/wvuRc2/rc2compute/internal/reactor"
)

// DefaultEchoWindow is how long filesystem events stay muted after the engine
// writes to the working directory itself.
const DefaultEchoWindow = 5 * time.Millisecond

type scheduler interface {
	AfterFunc(d time.Duration, prio reactor.Priority, fn func()) *reactor.Timer
}

// EchoSuppressor mutes filesystem events caused by the engine's own writes.
// Arm schedules the clear at low priority, so filesystem events already queued
// by the kernel are dispatched, and dropped, before it runs.
// It is only touched from the reactor goroutine.
type EchoSuppressor struct {
	sched  scheduler
	window time.Duration
	armed  bool
}

// NewEchoSuppressor creates an idle suppressor.
func NewEchoSuppressor(sched scheduler, window time.Duration) *EchoSuppressor {
	if window <= 0 {
		window = DefaultEchoWindow
	}
	return &EchoSuppressor{sched: sched, window: window}
}

// Arm mutes filesystem events until the window elapses. Arming while armed
// does not extend the window or schedule another clear.
func (s *EchoSuppressor) Arm() {
	if s.armed {
		return
	}
	s.armed = true
	s.sched.AfterFunc(s.window, reactor.PriorityLow, func() { s.armed = false })
}

// Armed reports whether filesystem events are currently muted.
func (s *EchoSuppressor) Armed() bool { return s.armed }
