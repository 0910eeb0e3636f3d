package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.order = append(r.order, s)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type fakeSource struct {
	ready   chan struct{}
	pending atomic.Int32
	onRun   func()
}

func newFakeSource(onRun func()) *fakeSource {
	return &fakeSource{ready: make(chan struct{}, 1), onRun: onRun}
}

func (f *fakeSource) Ready() <-chan struct{} { return f.ready }
func (f *fakeSource) Pending() bool          { return f.pending.Load() > 0 }
func (f *fakeSource) Dispatch() {
	f.pending.Store(0)
	f.onRun()
}

func runLoop(t *testing.T, l *Loop) (stop func()) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	return func() {
		l.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop")
		}
	}
}

func TestPriorityOrder(t *testing.T) {
	l := New()
	rec := &recorder{}
	finished := make(chan struct{})

	l.Post(PriorityLow, func() { rec.add("low"); close(finished) })
	l.Post(PriorityNormal, func() { rec.add("normal") })
	l.Post(PriorityHigh, func() { rec.add("high") })

	stop := runLoop(t, l)
	defer stop()

	<-finished
	assert.Equal(t, []string{"high", "normal", "low"}, rec.get())
}

func TestFIFOWithinPriority(t *testing.T) {
	l := New()
	rec := &recorder{}
	finished := make(chan struct{})

	l.Post(PriorityNormal, func() { rec.add("a") })
	l.Post(PriorityNormal, func() { rec.add("b") })
	l.Post(PriorityNormal, func() { rec.add("c"); close(finished) })

	stop := runLoop(t, l)
	defer stop()

	<-finished
	assert.Equal(t, []string{"a", "b", "c"}, rec.get())
}

func TestPendingSourceRunsBeforeLowWork(t *testing.T) {
	l := New()
	rec := &recorder{}
	finished := make(chan struct{})

	src := newFakeSource(func() { rec.add("fs") })
	// Queued events, but the ready signal has not been delivered.
	src.pending.Store(1)
	l.AddSource(src, PriorityHigh)
	l.Post(PriorityLow, func() { rec.add("timer"); close(finished) })

	stop := runLoop(t, l)
	defer stop()

	<-finished
	assert.Equal(t, []string{"fs", "timer"}, rec.get())
}

func TestSourceSignalDispatches(t *testing.T) {
	l := New()
	hits := make(chan struct{}, 4)
	src := newFakeSource(func() { hits <- struct{}{} })
	l.AddSource(src, PriorityHigh)

	stop := runLoop(t, l)
	defer stop()

	src.ready <- struct{}{}
	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("source not dispatched")
	}
}

func TestAfterFunc(t *testing.T) {
	l := New()
	stop := runLoop(t, l)
	defer stop()

	fired := make(chan time.Time, 1)
	start := time.Now()
	l.AfterFunc(10*time.Millisecond, PriorityLow, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 10*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestAfterFuncStop(t *testing.T) {
	l := New()
	stop := runLoop(t, l)
	defer stop()

	var fired atomic.Bool
	tm := l.AfterFunc(20*time.Millisecond, PriorityLow, func() { fired.Store(true) })
	assert.True(t, tm.Stop())
	time.Sleep(40 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestCall(t *testing.T) {
	l := New()
	stop := runLoop(t, l)
	defer stop()

	boom := errors.New("boom")
	assert.ErrorIs(t, l.Call(context.Background(), func() error { return boom }), boom)

	ran := false
	require.NoError(t, l.Call(context.Background(), func() error { ran = true; return nil }))
	assert.True(t, ran)
}

func TestCallAfterStop(t *testing.T) {
	l := New()
	stop := runLoop(t, l)
	stop()

	err := l.Call(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestCallHonorsContext(t *testing.T) {
	l := New()
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	// Loop is not running, so the call can only end through ctx.
	err := l.Call(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	l := New()
	stop := runLoop(t, l)
	defer stop()

	l.Post(PriorityNormal, func() { panic("bad event") })
	require.NoError(t, l.Call(context.Background(), func() error { return nil }))
}

func TestRunTwice(t *testing.T) {
	l := New()
	stop := runLoop(t, l)
	defer stop()

	require.NoError(t, l.Call(context.Background(), func() error { return nil }))
	assert.Error(t, l.Run(context.Background()))
}

func TestRunStopsOnContext(t *testing.T) {
	l := New()
	l.AddSource(newFakeSource(func() {}), PriorityHigh)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
