package watch

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/wvuRc2/rc2compute/internal/common"
)

// Backend names accepted by NewBackend.
const (
	BackendAuto     = "auto"
	BackendInotify  = "inotify"
	BackendFsnotify = "fsnotify"
)

// NewBackend creates a backend by name. auto prefers inotify and falls back
// to fsnotify where inotify is unavailable.
func NewBackend(kind string) (Backend, error) {
	switch kind {
	case "", BackendAuto:
		b, err := newInotifyBackend()
		if err == nil {
			return b, nil
		}
		log.WithError(err).Debug("inotify unavailable, using fsnotify")
		return newFsnotifyBackend(DefaultSettle)
	case BackendInotify:
		return newInotifyBackend()
	case BackendFsnotify:
		return newFsnotifyBackend(DefaultSettle)
	}
	return nil, fmt.Errorf("unknown watch backend %q", kind)
}

// Manager owns the watch backend for one session.
// It is not safe for concurrent use; the reactor goroutine is its only caller.
type Manager struct {
	backend Backend
	root    Handle
	rootDir string
}

// NewManager creates a Manager with the named backend.
func NewManager(kind string) (*Manager, error) {
	b, err := NewBackend(kind)
	if err != nil {
		return nil, err
	}
	return NewManagerWithBackend(b), nil
}

// NewManagerWithBackend wraps an existing backend.
func NewManagerWithBackend(b Backend) *Manager {
	return &Manager{backend: b}
}

// WatchRoot watches the working directory for creates, deletes and moves.
func (m *Manager) WatchRoot(path string) (Handle, error) {
	if m.root != NoHandle {
		return m.root, nil
	}
	h, err := m.backend.Add(path, RootMask)
	if err != nil {
		return NoHandle, err
	}
	m.root, m.rootDir = h, path
	return h, nil
}

// RootHandle returns the working directory handle, or NoHandle before WatchRoot.
func (m *Manager) RootHandle() Handle { return m.root }

// RootDir returns the watched working directory.
func (m *Manager) RootDir() string { return m.rootDir }

// WatchFile watches a tracked file for completed writes and self deletion.
func (m *Manager) WatchFile(path string) (Handle, error) {
	if _, err := os.Stat(path); err != nil {
		return NoHandle, &common.StatError{Path: path, Err: err}
	}
	return m.backend.Add(path, FileMask)
}

// WatchImage watches an image file that is still being written.
func (m *Manager) WatchImage(path string) (Handle, error) {
	if _, err := os.Stat(path); err != nil {
		return NoHandle, &common.StatError{Path: path, Err: err}
	}
	return m.backend.Add(path, ImageMask)
}

// Unwatch removes a watch. Removing the root handle clears it.
func (m *Manager) Unwatch(h Handle) error {
	if h == NoHandle {
		return fmt.Errorf("handle %d: %w", h, common.ErrWatchNotFound)
	}
	if h == m.root {
		m.root, m.rootDir = NoHandle, ""
	}
	return m.backend.Remove(h)
}

// Poll returns every queued event without blocking.
func (m *Manager) Poll() ([]ChangeEvent, error) { return m.backend.Read() }

// Pending reports whether events are queued.
func (m *Manager) Pending() bool { return m.backend.Pending() }

// Ready is signalled when Poll may return events.
func (m *Manager) Ready() <-chan struct{} { return m.backend.Ready() }

// Close releases the backend.
func (m *Manager) Close() error { return m.backend.Close() }
