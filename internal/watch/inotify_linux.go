//go:build linux

package watch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wvuRc2/rc2compute/internal/common"
)

var errTruncated = errors.New("truncated inotify record")

type inotifyBackend struct {
	fd   int
	wake [2]int
	buf  []byte

	ready   chan struct{}
	drained chan struct{}
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newInotifyBackend() (Backend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, &common.WatchError{Err: fmt.Errorf("inotify_init1: %w", err)}
	}
	b := &inotifyBackend{
		fd:      fd,
		buf:     make([]byte, unix.SizeofInotifyEvent*4096),
		ready:   make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := unix.Pipe2(b.wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, &common.WatchError{Err: fmt.Errorf("pipe2: %w", err)}
	}
	go b.watchReadiness()
	return b, nil
}

// watchReadiness turns fd readability into Ready signals. After each signal it
// waits for Read to drain the queue so a level-triggered poll does not spin.
func (b *inotifyBackend) watchReadiness() {
	defer close(b.done)
	fds := []unix.PollFd{
		{Fd: int32(b.fd), Events: unix.POLLIN},
		{Fd: int32(b.wake[0]), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil || fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		select {
		case b.ready <- struct{}{}:
		default:
		}
		select {
		case <-b.drained:
		case <-b.closing:
			return
		}
	}
}

func (b *inotifyBackend) Add(path string, mask Mask) (Handle, error) {
	wd, err := unix.InotifyAddWatch(b.fd, path, inotifyMask(mask))
	if err != nil {
		return NoHandle, &common.WatchError{Path: path, Err: err}
	}
	return Handle(wd), nil
}

func (b *inotifyBackend) Remove(h Handle) error {
	if _, err := unix.InotifyRmWatch(b.fd, uint32(h)); err != nil {
		if err == unix.EINVAL {
			return fmt.Errorf("wd %d: %w", h, common.ErrWatchNotFound)
		}
		return &common.WatchError{Err: err}
	}
	return nil
}

func (b *inotifyBackend) Read() ([]ChangeEvent, error) {
	defer func() {
		select {
		case b.drained <- struct{}{}:
		default:
		}
	}()

	var out []ChangeEvent
	for {
		n, err := unix.Read(b.fd, b.buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return out, nil
		case err != nil:
			return out, &common.WatchError{Err: fmt.Errorf("read inotify: %w", err)}
		case n <= 0:
			return out, nil
		}
		events, derr := DecodeInotify(b.buf[:n])
		out = append(out, events...)
		if derr != nil {
			return out, &common.WatchError{Err: derr}
		}
	}
}

func (b *inotifyBackend) Pending() bool {
	fds := []unix.PollFd{{Fd: int32(b.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	return err == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
}

func (b *inotifyBackend) Ready() <-chan struct{} { return b.ready }

func (b *inotifyBackend) Close() error {
	var err error
	b.once.Do(func() {
		close(b.closing)
		_, _ = unix.Write(b.wake[1], []byte{0})
		<-b.done
		unix.Close(b.wake[0])
		unix.Close(b.wake[1])
		err = unix.Close(b.fd)
	})
	return err
}

// DecodeInotify decodes a buffer of raw inotify_event records. Events decoded
// before a truncated record are returned together with the error.
func DecodeInotify(buf []byte) ([]ChangeEvent, error) {
	var events []ChangeEvent
	off := 0
	for off < len(buf) {
		if len(buf)-off < unix.SizeofInotifyEvent {
			return events, errTruncated
		}
		wd := int32(binary.NativeEndian.Uint32(buf[off:]))
		mask := binary.NativeEndian.Uint32(buf[off+4:])
		cookie := binary.NativeEndian.Uint32(buf[off+8:])
		nameLen := int(binary.NativeEndian.Uint32(buf[off+12:]))
		off += unix.SizeofInotifyEvent
		if nameLen > len(buf)-off {
			return events, errTruncated
		}
		name := buf[off : off+nameLen]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		off += nameLen

		events = append(events, ChangeEvent{
			Handle: Handle(wd),
			Kind:   kindFromInotify(mask),
			Name:   string(name),
			IsDir:  mask&unix.IN_ISDIR != 0,
			Cookie: cookie,
		})
	}
	return events, nil
}

func kindFromInotify(mask uint32) Kind {
	switch {
	case mask&unix.IN_Q_OVERFLOW != 0:
		return Overflow
	case mask&unix.IN_IGNORED != 0:
		return Ignored
	case mask&unix.IN_CREATE != 0:
		return Created
	case mask&unix.IN_CLOSE_WRITE != 0:
		return ClosedWrite
	case mask&unix.IN_CLOSE_NOWRITE != 0:
		return ClosedNoWrite
	case mask&unix.IN_DELETE_SELF != 0:
		return DeletedSelf
	case mask&unix.IN_DELETE != 0:
		return Deleted
	case mask&unix.IN_MODIFY != 0:
		return Modified
	case mask&unix.IN_MOVE_SELF != 0:
		return MovedSelf
	case mask&unix.IN_MOVED_FROM != 0:
		return MovedFrom
	case mask&unix.IN_MOVED_TO != 0:
		return MovedTo
	}
	return Unknown
}

func inotifyMask(m Mask) uint32 {
	var out uint32
	bits := []struct {
		m Mask
		v uint32
	}{
		{OnCreate, unix.IN_CREATE},
		{OnDelete, unix.IN_DELETE},
		{OnDeleteSelf, unix.IN_DELETE_SELF},
		{OnMoveSelf, unix.IN_MOVE_SELF},
		{OnMove, unix.IN_MOVE},
		{OnCloseWrite, unix.IN_CLOSE_WRITE},
		{OnCloseNoWrite, unix.IN_CLOSE_NOWRITE},
		{OnModify, unix.IN_MODIFY},
	}
	for _, b := range bits {
		if m&b.m != 0 {
			out |= b.v
		}
	}
	return out
}
