package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/wvuRc2/rc2compute/internal/common"
	"github.com/wvuRc2/rc2compute/internal/reactor"
	"github.com/wvuRc2/rc2compute/internal/records"
	"github.com/wvuRc2/rc2compute/internal/storage"
	"github.com/wvuRc2/rc2compute/internal/watch"
)

// fsSource adapts the watch manager to the loop.
type fsSource struct{ e *Engine }

func (s *fsSource) Ready() <-chan struct{} { return s.e.watcher.Ready() }

// Pending is false while suspended so queued events cannot hold up other work.
func (s *fsSource) Pending() bool { return !s.e.fsPaused && s.e.watcher.Pending() }
func (s *fsSource) Dispatch()     { s.e.dispatchFilesystem() }

// notifySource adapts a change listener to the loop.
type notifySource struct {
	e *Engine
	l storage.Listener
}

func (s *notifySource) Ready() <-chan struct{} { return s.l.Ready() }

func (s *notifySource) Dispatch() {
	e := s.e
	batch, err := s.l.Drain(e.ctx)
	if err != nil {
		e.logger.WithError(err).Warn("engine: failed to drain notifications")
	}
	if len(batch) == 0 {
		return
	}
	e.echo.Arm()
	for _, n := range batch {
		if err := e.HandleExternalChangeNotification(e.ctx, n.Payload); err != nil {
			e.logger.WithError(err).WithField("payload", n.Payload).Warn("engine: notification not applied")
		}
	}
}

// dispatchFilesystem reads every queued event. While echo suppression is
// armed the whole batch is dropped. Nothing is read while file events are
// suspended.
func (e *Engine) dispatchFilesystem() {
	if e.fsPaused {
		return
	}
	events, err := e.watcher.Poll()
	if err != nil {
		e.logger.WithError(err).Warn("engine: failed to read filesystem events")
	}
	if len(events) == 0 {
		return
	}
	if e.echo.Armed() {
		e.logger.WithField("events", len(events)).Trace("engine: dropped echoed events")
		return
	}
	for _, ev := range events {
		if err := e.handleEvent(e.ctx, ev); err != nil {
			e.logger.WithError(err).WithField("event", ev.String()).Warn("engine: failed to handle filesystem event")
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev watch.ChangeEvent) error {
	if ev.Kind == watch.Overflow {
		e.scheduleReconcile()
		return nil
	}
	if ev.Handle == e.watcher.RootHandle() {
		switch ev.Kind {
		case watch.Created:
			return e.handleCreated(ctx, ev)
		case watch.MovedTo:
			return e.handleMovedTo(ctx, ev)
		case watch.DeletedSelf, watch.MovedSelf:
			e.logger.WithField("dir", e.workDir).Error("engine: working directory went away")
		}
		return nil
	}
	if handled, err := e.images.handle(ctx, ev); handled {
		return err
	}

	switch ev.Kind {
	case watch.ClosedWrite:
		rec, ok := e.store.LookupByHandle(ev.Handle)
		if !ok {
			return nil
		}
		// Writes made by the engine carry the row's size and mtime, so a
		// close reported after the echo window still matches the record.
		return e.uploadIfChanged(ctx, rec)
	case watch.DeletedSelf:
		return e.handleDeletedSelf(ctx, ev.Handle)
	case watch.Ignored:
		e.store.UnbindHandle(ev.Handle)
	}
	return nil
}

// handleCreated inserts a new top level file, or starts an image capture.
func (e *Engine) handleCreated(ctx context.Context, ev watch.ChangeEvent) error {
	name := ev.Name
	if ev.IsDir || name == "" || common.IsDotfile(name) {
		return nil
	}
	if e.opts.Ignore != nil && e.opts.Ignore(name, false) {
		e.logger.WithField("name", name).Debug("engine: ignored new file")
		return nil
	}
	if m := e.imageRE.FindStringSubmatch(name); m != nil {
		return e.images.start(name)
	}
	if _, ok := e.manuallyAdded[name]; ok {
		return nil
	}
	if _, ok := e.store.LookupByName(name, false); ok {
		return nil
	}
	_, err := e.addLocalFile(ctx, name, false)
	return err
}

// handleMovedTo treats a file renamed over a tracked name as new content for
// that record, and any other arrival as a create.
func (e *Engine) handleMovedTo(ctx context.Context, ev watch.ChangeEvent) error {
	if ev.IsDir {
		return nil
	}
	rec, ok := e.store.LookupByName(ev.Name, false)
	if !ok {
		return e.handleCreated(ctx, ev)
	}
	if h, bound := e.store.Unbind(rec.ID); bound {
		e.unwatch(h)
	}
	e.watchRecord(rec)
	return e.uploadIfChanged(ctx, rec)
}

// handleDeletedSelf deletes the row of a tracked file removed from disk. The
// record is kept when the database refuses. A file that still exists was
// replaced by an atomic save and is re-watched and uploaded instead.
func (e *Engine) handleDeletedSelf(ctx context.Context, h watch.Handle) error {
	rec, ok := e.store.LookupByHandle(h)
	if !ok {
		return nil
	}
	e.store.Unbind(rec.ID)
	e.unwatch(h)

	path := filepath.Join(e.workDir, rec.Path)
	if _, err := os.Stat(path); err == nil {
		e.watchRecord(rec)
		return e.uploadIfChanged(ctx, rec)
	} else if !errors.Is(err, os.ErrNotExist) {
		return &common.IOError{Op: "stat", Path: path, Err: err}
	}

	if err := e.gw.DeleteFile(ctx, rec.ID); err != nil {
		return err
	}
	_, _ = e.store.Remove(rec.ID, nil)
	e.logger.WithFields(log.Fields{"id": rec.ID, "name": rec.Name}).Info("engine: deleted file")
	return nil
}

// uploadIfChanged uploads rec unless the file on disk still matches it on
// size and mtime. An atomic save reports both a rename and a self deletion.
func (e *Engine) uploadIfChanged(ctx context.Context, rec records.FileRecord) error {
	info, err := os.Stat(filepath.Join(e.workDir, rec.Path))
	if err == nil && info.Size() == rec.Size && info.ModTime().Unix() == rec.LastModified {
		return nil
	}
	return e.upload(ctx, rec)
}

// scheduleReconcile queues one LoadAll after the kernel dropped events.
func (e *Engine) scheduleReconcile() {
	if e.reconciling {
		return
	}
	e.reconciling = true
	e.logger.Warn("engine: event queue overflowed, reconciling")
	e.loop.Post(reactor.PriorityNormal, func() {
		e.reconciling = false
		if err := e.LoadAll(e.ctx); err != nil {
			e.logger.WithError(err).Warn("engine: reconcile failed")
		}
	})
}
