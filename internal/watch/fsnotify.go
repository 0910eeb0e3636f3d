package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wvuRc2/rc2compute/internal/common"
)

// DefaultSettle is how long a file must stay quiet after a write before the
// portable backend reports ClosedWrite.
const DefaultSettle = 50 * time.Millisecond

type fsWatch struct {
	path string
	mask Mask
	dir  bool
}

// fsnotifyBackend is the portable backend. fsnotify does not expose close
// events, so it watches parent directories only, attributes child events to
// registered file handles and synthesizes ClosedWrite once writes settle.
type fsnotifyBackend struct {
	w      *fsnotify.Watcher
	settle time.Duration

	mu       sync.Mutex
	next     Handle
	watches  map[Handle]*fsWatch
	byPath   map[string]Handle
	dirRefs  map[string]int
	settling map[Handle]*time.Timer
	queue    []ChangeEvent
	err      error

	ready chan struct{}
	done  chan struct{}
}

func newFsnotifyBackend(settle time.Duration) (Backend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &common.WatchError{Err: fmt.Errorf("fsnotify: %w", err)}
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	b := &fsnotifyBackend{
		w:        w,
		settle:   settle,
		watches:  make(map[Handle]*fsWatch),
		byPath:   make(map[string]Handle),
		dirRefs:  make(map[string]int),
		settling: make(map[Handle]*time.Timer),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.pump()
	return b, nil
}

func (b *fsnotifyBackend) Add(path string, mask Mask) (Handle, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return NoHandle, &common.WatchError{Path: path, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Same as inotify: re-adding a path replaces its mask and keeps the handle.
	if h, ok := b.byPath[path]; ok {
		b.watches[h].mask = mask
		return h, nil
	}

	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}
	if b.dirRefs[dir] == 0 {
		if err := b.w.Add(dir); err != nil {
			return NoHandle, &common.WatchError{Path: dir, Err: err}
		}
	}
	b.dirRefs[dir]++

	b.next++
	h := b.next
	b.watches[h] = &fsWatch{path: path, mask: mask, dir: info.IsDir()}
	b.byPath[path] = h
	return h, nil
}

func (b *fsnotifyBackend) Remove(h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.watches[h]
	if !ok {
		return fmt.Errorf("handle %d: %w", h, common.ErrWatchNotFound)
	}
	delete(b.watches, h)
	delete(b.byPath, w.path)
	if t, ok := b.settling[h]; ok {
		t.Stop()
		delete(b.settling, h)
	}

	dir := w.path
	if !w.dir {
		dir = filepath.Dir(w.path)
	}
	b.dirRefs[dir]--
	if b.dirRefs[dir] <= 0 {
		delete(b.dirRefs, dir)
		// The directory may already be gone, in which case fsnotify dropped it.
		if err := b.w.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			return &common.WatchError{Path: dir, Err: err}
		}
	}
	return nil
}

func (b *fsnotifyBackend) Read() ([]ChangeEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out, err := b.queue, b.err
	b.queue, b.err = nil, nil
	return out, err
}

func (b *fsnotifyBackend) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) > 0 || b.err != nil
}

func (b *fsnotifyBackend) Ready() <-chan struct{} { return b.ready }

func (b *fsnotifyBackend) Close() error {
	err := b.w.Close()
	<-b.done
	b.mu.Lock()
	for h, t := range b.settling {
		t.Stop()
		delete(b.settling, h)
	}
	b.mu.Unlock()
	return err
}

func (b *fsnotifyBackend) pump() {
	defer close(b.done)
	for {
		select {
		case ev, ok := <-b.w.Events:
			if !ok {
				return
			}
			b.translate(ev)
		case err, ok := <-b.w.Errors:
			if !ok {
				return
			}
			b.mu.Lock()
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				b.queueLocked(ChangeEvent{Handle: -1, Kind: Overflow})
			} else {
				b.err = &common.WatchError{Err: err}
				b.signal()
			}
			b.mu.Unlock()
		}
	}
}

func (b *fsnotifyBackend) translate(ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)

	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.byPath[name]; ok {
		w := b.watches[h]
		switch {
		case ev.Has(fsnotify.Write) && !w.dir:
			if w.mask&OnModify != 0 {
				b.queueLocked(ChangeEvent{Handle: h, Kind: Modified})
			}
			if w.mask&OnCloseWrite != 0 {
				b.settleLocked(h)
			}
		case ev.Has(fsnotify.Remove) && w.mask&OnDeleteSelf != 0:
			b.queueLocked(ChangeEvent{Handle: h, Kind: DeletedSelf})
		case ev.Has(fsnotify.Rename) && w.mask&OnMoveSelf != 0:
			b.queueLocked(ChangeEvent{Handle: h, Kind: MovedSelf})
		}
	}

	h, ok := b.byPath[filepath.Dir(name)]
	if !ok || !b.watches[h].dir {
		return
	}
	w := b.watches[h]
	base := filepath.Base(name)
	switch {
	case ev.Has(fsnotify.Create) && w.mask&OnCreate != 0:
		isDir := false
		if info, err := os.Lstat(name); err == nil {
			isDir = info.IsDir()
		}
		b.queueLocked(ChangeEvent{Handle: h, Kind: Created, Name: base, IsDir: isDir})
	case ev.Has(fsnotify.Remove) && w.mask&OnDelete != 0:
		b.queueLocked(ChangeEvent{Handle: h, Kind: Deleted, Name: base})
	case ev.Has(fsnotify.Rename) && w.mask&OnMove != 0:
		b.queueLocked(ChangeEvent{Handle: h, Kind: MovedFrom, Name: base})
	}
}

func (b *fsnotifyBackend) settleLocked(h Handle) {
	if t, ok := b.settling[h]; ok {
		t.Reset(b.settle)
		return
	}
	b.settling[h] = time.AfterFunc(b.settle, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.settling, h)
		if _, ok := b.watches[h]; ok {
			b.queueLocked(ChangeEvent{Handle: h, Kind: ClosedWrite})
		}
	})
}

func (b *fsnotifyBackend) queueLocked(ev ChangeEvent) {
	b.queue = append(b.queue, ev)
	b.signal()
}

func (b *fsnotifyBackend) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
