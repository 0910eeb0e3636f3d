// Copyright 2024 Rc2Compute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reactor runs every sync handler on a single goroutine, ordering
// ready work by priority.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Priority orders ready work. Lower values run first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
	numPriorities
)

// ErrStopped is returned by Call once the loop has stopped.
var ErrStopped = errors.New("reactor stopped")

// Source is an event producer dispatched on the loop goroutine.
type Source interface {
	// Ready is signalled when Dispatch has work to do.
	Ready() <-chan struct{}
	// Dispatch handles everything that is ready. It must not block.
	Dispatch()
}

// PendingSource is a Source that can report queued work without a signal.
// Before low priority work runs, higher priority PendingSources are drained first.
type PendingSource interface {
	Source
	Pending() bool
}

type sourceState struct {
	src      Source
	prio     Priority
	signaled atomic.Bool
}

// Loop is a single goroutine dispatcher.
type Loop struct {
	mu      sync.Mutex
	queues  [numPriorities][]func()
	sources []*sourceState

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool
}

// New creates an idle loop.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// AddSource registers src at the given priority. A goroutine forwards its
// ready signals until the loop stops.
func (l *Loop) AddSource(src Source, prio Priority) {
	st := &sourceState{src: src, prio: prio}
	l.mu.Lock()
	l.sources = append(l.sources, st)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-src.Ready():
				st.signaled.Store(true)
				l.signal()
			case <-l.quit:
				return
			}
		}
	}()
}

// Post queues fn to run on the loop.
func (l *Loop) Post(prio Priority, fn func()) {
	l.mu.Lock()
	l.queues[prio] = append(l.queues[prio], fn)
	l.mu.Unlock()
	l.signal()
}

// Timer is a pending AfterFunc.
type Timer struct {
	t *time.Timer
}

// Stop prevents the callback from being queued. It has no effect once queued.
func (t *Timer) Stop() bool { return t.t.Stop() }

// AfterFunc queues fn at prio once d elapses.
func (l *Loop) AfterFunc(d time.Duration, prio Priority, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() { l.Post(prio, fn) })}
}

// Call runs fn on the loop and waits for its result.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	select {
	case <-l.quit:
		return ErrStopped
	default:
	}

	done := make(chan error, 1)
	l.Post(PriorityNormal, func() { done <- fn() })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return ErrStopped
	}
}

// Run dispatches work until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("reactor already running")
	}
	defer func() {
		l.Stop()
		l.wg.Wait()
	}()

	for {
		// Stop wins over remaining work.
		select {
		case <-l.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if fn := l.next(); fn != nil {
			l.invoke(fn)
			continue
		}

		select {
		case <-l.wake:
		case <-l.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop asks Run to return. It is safe to call more than once.
func (l *Loop) Stop() {
	l.quitOnce.Do(func() { close(l.quit) })
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for p := PriorityHigh; p < numPriorities; p++ {
		for _, st := range l.sources {
			if st.prio == p && st.signaled.Swap(false) {
				return st.src.Dispatch
			}
		}
		if len(l.queues[p]) == 0 {
			continue
		}
		if p > PriorityHigh {
			if st := l.pendingAboveLocked(p); st != nil {
				return st.src.Dispatch
			}
		}
		fn := l.queues[p][0]
		l.queues[p][0] = nil
		l.queues[p] = l.queues[p][1:]
		return fn
	}
	return nil
}

// pendingAboveLocked catches work that is queued in a higher priority source
// whose ready signal has not been forwarded yet.
func (l *Loop) pendingAboveLocked(p Priority) *sourceState {
	for _, st := range l.sources {
		if st.prio >= p {
			continue
		}
		if ps, ok := st.src.(PendingSource); ok && ps.Pending() {
			return st
		}
	}
	return nil
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("reactor: handler panicked")
		}
	}()
	fn()
}
