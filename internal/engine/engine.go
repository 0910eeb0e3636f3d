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

// Package engine keeps a session working directory and the database file
// rows of its workspace in sync. Every method that touches engine state must
// run on the reactor goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wvuRc2/rc2compute/internal/common"
	"github.com/wvuRc2/rc2compute/internal/reactor"
	"github.com/wvuRc2/rc2compute/internal/records"
	"github.com/wvuRc2/rc2compute/internal/storage"
	"github.com/wvuRc2/rc2compute/internal/watch"
)

// WorkspaceDataFile is the saved environment image restored into the working directory.
const WorkspaceDataFile = ".RData"

// DefaultImagePrefix names the files a session's graphics device writes.
const DefaultImagePrefix = "rc2img"

// Gateway is the database surface the engine needs. *storage.Gateway implements it.
type Gateway interface {
	LoadFiles(ctx context.Context, f storage.Filter) ([]storage.FileRow, error)
	WriteFileToDisk(row storage.FileRow, path string) error
	InsertFile(ctx context.Context, nf storage.NewFile) (storage.FileRow, error)
	UpdateFileContent(ctx context.Context, fileID int64, content []byte, modTime int64) (int64, error)
	DeleteFile(ctx context.Context, fileID int64) error
	NextSequenceValue(ctx context.Context, name string) (int64, error)
	MaxImageBatch(ctx context.Context, sessionID int64) (int64, error)
	InsertSessionImage(ctx context.Context, img storage.SessionImage) error
	LoadWorkspaceData(ctx context.Context, workspaceID int64) ([]byte, error)
	SaveWorkspaceData(ctx context.Context, workspaceID int64, data []byte) error
}

// Options configures an Engine.
type Options struct {
	ProjectID   int64
	SessionID   int64
	ImagePrefix string
	EchoWindow  time.Duration
	// Ignore reports whether a working directory entry should never be
	// inserted. Nil ignores nothing beyond dotfiles.
	Ignore func(name string, isDir bool) bool
}

// Stats is a point in time view of the engine.
type Stats struct {
	WorkingDir              string `json:"working_dir"`
	WorkspaceID             int64  `json:"workspace_id"`
	Files                   int    `json:"files"`
	Watched                 int    `json:"watched"`
	PendingImages           int    `json:"pending_images"`
	CapturedImages          int    `json:"captured_images"`
	ImageBatch              int64  `json:"image_batch"`
	EchoArmed               bool   `json:"echo_armed"`
	NotificationsSuppressed bool   `json:"notifications_suppressed"`
	FileEventsPaused        bool   `json:"file_events_paused"`
}

// Engine owns the record store, the watches and the image pipeline for one session.
type Engine struct {
	loop    *reactor.Loop
	watcher *watch.Manager
	gw      Gateway
	store   *records.Store
	echo    *EchoSuppressor
	images  *imagePipeline
	imageRE *regexp.Regexp
	opts    Options
	logger  *log.Entry

	ctx                 context.Context
	workspaceID         int64
	workDir             string
	started             bool
	reconciling         bool
	ignoreNotifications bool
	fsPaused            bool
	manuallyAdded       map[string]struct{}
}

// New creates an engine bound to loop and watcher. Initialize and
// SetWorkingDirectory must be called before LoadAll.
func New(loop *reactor.Loop, watcher *watch.Manager, opts Options) *Engine {
	if opts.ImagePrefix == "" {
		opts.ImagePrefix = DefaultImagePrefix
	}
	e := &Engine{
		loop:          loop,
		watcher:       watcher,
		store:         records.NewStore(),
		echo:          NewEchoSuppressor(loop, opts.EchoWindow),
		imageRE:       regexp.MustCompile(`^` + regexp.QuoteMeta(opts.ImagePrefix) + `(\d+)\.png$`),
		opts:          opts,
		logger:        log.WithField("component", "engine"),
		ctx:           context.Background(),
		manuallyAdded: make(map[string]struct{}),
	}
	e.images = newImagePipeline(e)
	return e
}

// Initialize binds the database gateway and the workspace being synced.
func (e *Engine) Initialize(gw Gateway, workspaceID int64) {
	e.gw = gw
	e.workspaceID = workspaceID
	e.logger = e.logger.WithField("workspace", workspaceID)
}

// SetWorkingDirectory sets the directory files are materialized into,
// creating it when missing.
func (e *Engine) SetWorkingDirectory(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return &common.IOError{Op: "resolve", Path: path, Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return &common.IOError{Op: "mkdir", Path: abs, Err: err}
	}
	// inotify reports names relative to the resolved directory
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	e.workDir = abs
	return nil
}

// WorkingDirectory returns the absolute working directory.
func (e *Engine) WorkingDirectory() string { return e.workDir }

// WorkspaceID returns the synced workspace.
func (e *Engine) WorkspaceID() int64 { return e.workspaceID }

// Start watches the working directory and every materialized file, then
// registers the filesystem source with the loop. ctx scopes the database
// calls made from loop callbacks.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	if e.workDir == "" {
		return fmt.Errorf("engine: working directory not set: %w", common.ErrInvalidPath)
	}
	if _, err := e.watcher.WatchRoot(e.workDir); err != nil {
		return err
	}
	e.ctx = ctx
	e.started = true
	e.watchAll()
	e.loop.AddSource(&fsSource{e: e}, reactor.PriorityHigh)
	e.logger.WithField("dir", e.workDir).Info("engine: watching working directory")
	return nil
}

// AttachListener feeds change notifications into the engine at low priority.
func (e *Engine) AttachListener(l storage.Listener) {
	e.loop.AddSource(&notifySource{e: e, l: l}, reactor.PriorityLow)
}

// LoadAll materializes every workspace file, plus the project's shared files
// under shared/, and removes records whose rows are gone. Calling it again
// with nothing changed writes nothing. Per file failures are logged and the
// first one is returned after every row was attempted.
func (e *Engine) LoadAll(ctx context.Context) error {
	rows, err := e.gw.LoadFiles(ctx, storage.Filter{WorkspaceID: e.workspaceID})
	if err != nil {
		return err
	}
	if e.opts.ProjectID != 0 {
		shared, err := e.gw.LoadFiles(ctx, storage.Filter{ProjectID: e.opts.ProjectID, SharedOnly: true})
		if err != nil {
			return err
		}
		rows = append(rows, shared...)
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	seen := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		seen[row.ID] = struct{}{}
		if err := e.materialize(ctx, row, true); err != nil {
			e.logger.WithError(err).WithField("id", row.ID).Warn("engine: failed to materialize file")
			keep(err)
		}
	}
	for _, rec := range e.store.Snapshot() {
		if _, ok := seen[rec.ID]; !ok {
			keep(e.removeLocal(rec.ID))
		}
	}
	if e.started {
		e.watchAll()
	}
	e.logger.WithField("files", e.store.Len()).Debug("engine: loaded files")
	return firstErr
}

// materialize brings the local copy of row up to date. A record whose version
// is unchanged and whose file matches on size and mtime is left alone. With
// reconcile set, a local file that differs at the same version holds edits
// whose events were lost, and is uploaded instead of overwritten.
func (e *Engine) materialize(ctx context.Context, row storage.FileRow, reconcile bool) error {
	cur, known := e.store.Lookup(row.ID)
	rec := e.store.Upsert(e.recordFromRow(row))
	path := filepath.Join(e.workDir, rec.Path)

	if known && cur.Version == row.Version {
		if info, err := os.Stat(path); err == nil {
			if info.Size() == row.Size && info.ModTime().Unix() == row.LastModified {
				return nil
			}
			if reconcile {
				return e.upload(ctx, rec)
			}
		}
	}
	e.echo.Arm()
	return e.gw.WriteFileToDisk(row, path)
}

func (e *Engine) recordFromRow(row storage.FileRow) records.FileRecord {
	return records.FileRecord{
		ID:           row.ID,
		Version:      row.Version,
		Name:         row.Name,
		LastModified: row.LastModified,
		Size:         row.Size,
		Shared:       row.Shared(),
		WorkspaceID:  row.WorkspaceID,
		ProjectID:    row.ProjectID,
	}
}

func (e *Engine) watchAll() {
	for _, rec := range e.store.Snapshot() {
		e.watchRecord(rec)
	}
}

// watchRecord places a file watch for rec unless it already has one. A file
// missing on disk is skipped.
func (e *Engine) watchRecord(rec records.FileRecord) {
	if _, ok := e.store.HandleFor(rec.ID); ok {
		return
	}
	h, err := e.watcher.WatchFile(filepath.Join(e.workDir, rec.Path))
	if err != nil {
		var statErr *common.StatError
		if errors.As(err, &statErr) {
			e.logger.WithField("path", rec.Path).Debug("engine: file missing, not watching")
			return
		}
		e.logger.WithError(err).WithField("path", rec.Path).Warn("engine: failed to watch file")
		return
	}
	if err := e.store.Bind(rec.ID, h); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{"id": rec.ID, "handle": h}).Warn("engine: failed to bind watch")
	}
}

func (e *Engine) unwatch(h watch.Handle) {
	if err := e.watcher.Unwatch(h); err != nil && !errors.Is(err, common.ErrWatchNotFound) {
		e.logger.WithError(err).WithField("handle", h).Debug("engine: unwatch failed")
	}
}

// upload sends the local content of a tracked file and refreshes its record.
// The record is left untouched when the update fails.
func (e *Engine) upload(ctx context.Context, rec records.FileRecord) error {
	path := filepath.Join(e.workDir, rec.Path)
	info, err := os.Stat(path)
	if err != nil {
		return &common.IOError{Op: "stat", Path: path, Err: err}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return &common.IOError{Op: "read", Path: path, Err: err}
	}
	modTime := info.ModTime().Unix()
	version, err := e.gw.UpdateFileContent(ctx, rec.ID, content, modTime)
	if err != nil {
		return err
	}
	if err := e.store.UpdateContent(rec.ID, version, modTime, int64(len(content))); err != nil {
		return err
	}
	e.logger.WithFields(log.Fields{"id": rec.ID, "version": version}).Debug("engine: uploaded local change")
	return nil
}

// removeLocal forgets a record and deletes its file from the working directory.
func (e *Engine) removeLocal(id int64) error {
	rec, ok := e.store.Lookup(id)
	if !ok {
		return nil
	}
	if _, err := e.store.Remove(id, e.watcher.Unwatch); err != nil && !errors.Is(err, common.ErrWatchNotFound) {
		e.logger.WithError(err).WithField("id", id).Debug("engine: unwatch on remove failed")
	}
	path := filepath.Join(e.workDir, rec.Path)
	e.echo.Arm()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &common.IOError{Op: "remove", Path: path, Err: err}
	}
	e.logger.WithField("id", id).Debug("engine: removed local file")
	return nil
}

// reload fetches one row by id and materializes it.
func (e *Engine) reload(ctx context.Context, id int64) error {
	rows, err := e.gw.LoadFiles(ctx, storage.Filter{FileID: id})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		e.logger.WithField("id", id).Debug("engine: notified file no longer exists")
		return nil
	}
	if err := e.materialize(ctx, rows[0], false); err != nil {
		return err
	}
	if e.started {
		if rec, ok := e.store.Lookup(id); ok {
			e.watchRecord(rec)
		}
	}
	return nil
}

// addLocalFile inserts name from the working directory. When the file is
// missing and allowMissing is set an empty file is inserted and written.
func (e *Engine) addLocalFile(ctx context.Context, name string, allowMissing bool) (records.FileRecord, error) {
	path, err := common.ResolveInDir(e.workDir, name)
	if err != nil {
		return records.FileRecord{}, err
	}

	var content []byte
	modTime := time.Now().Unix()
	missing := false
	info, err := os.Stat(path)
	switch {
	case err == nil:
		modTime = info.ModTime().Unix()
		if content, err = os.ReadFile(path); err != nil {
			return records.FileRecord{}, &common.IOError{Op: "read", Path: path, Err: err}
		}
	case allowMissing && errors.Is(err, os.ErrNotExist):
		missing = true
	default:
		return records.FileRecord{}, &common.IOError{Op: "stat", Path: path, Err: err}
	}

	row, err := e.gw.InsertFile(ctx, storage.NewFile{
		WorkspaceID:  e.workspaceID,
		ProjectID:    e.opts.ProjectID,
		Name:         name,
		Content:      content,
		LastModified: modTime,
	})
	if err != nil {
		return records.FileRecord{}, err
	}
	rec := e.store.Upsert(e.recordFromRow(row))
	if missing {
		e.echo.Arm()
		if err := e.gw.WriteFileToDisk(row, path); err != nil {
			return rec, err
		}
	}
	e.logger.WithFields(log.Fields{"id": rec.ID, "name": name}).Info("engine: added file")
	if e.started {
		e.watchRecord(rec)
		if !missing {
			// writes that finished before the watch was placed
			return rec, e.uploadIfChanged(ctx, rec)
		}
	}
	return rec, nil
}

// HandleLocalFileAdd returns the id of the workspace file called name,
// inserting it when unknown. Names added this way are skipped by the create
// handler until the next image batch reset.
func (e *Engine) HandleLocalFileAdd(ctx context.Context, name string) (int64, error) {
	name = common.NormalizePath(name)
	if rec, ok := e.store.LookupByName(name, false); ok {
		return rec.ID, nil
	}
	rec, err := e.addLocalFile(ctx, name, true)
	if err != nil {
		return 0, err
	}
	e.manuallyAdded[name] = struct{}{}
	return rec.ID, nil
}

// HandleExternalChangeNotification applies one change notification payload.
func (e *Engine) HandleExternalChangeNotification(ctx context.Context, payload string) error {
	if e.ignoreNotifications {
		e.logger.WithField("payload", payload).Trace("engine: notification ignored")
		return nil
	}
	n, err := ParseNotification(payload)
	if err != nil {
		return err
	}

	switch n.Kind {
	case NotifyDelete:
		return e.removeLocal(n.FileID)
	case NotifyInsert:
		if !e.accepts(n) {
			return nil
		}
		return e.reload(ctx, n.FileID)
	case NotifyUpdate:
		if _, ok := e.store.Lookup(n.FileID); !ok {
			return nil
		}
		return e.reload(ctx, n.FileID)
	}
	return nil
}

// accepts reports whether an insert belongs to this session: the workspace
// itself, or a shared file of its project.
func (e *Engine) accepts(n Notification) bool {
	if n.WorkspaceID == e.workspaceID {
		return true
	}
	return n.WorkspaceID == 0 && e.opts.ProjectID != 0 && n.ProjectID == e.opts.ProjectID
}

// SuppressNotifications turns the notification handler into a no-op while on.
func (e *Engine) SuppressNotifications(on bool) { e.ignoreNotifications = on }

// SuspendFileEvents stops reading filesystem events. The kernel keeps
// queueing them and they are handled after ResumeFileEvents.
func (e *Engine) SuspendFileEvents() { e.fsPaused = true }

// ResumeFileEvents handles events queued while suspended and continues
// reading.
func (e *Engine) ResumeFileEvents() {
	if !e.fsPaused {
		return
	}
	e.fsPaused = false
	if e.started {
		e.loop.Post(reactor.PriorityHigh, e.dispatchFilesystem)
	}
}

// CurrentFiles returns every record ordered by id.
func (e *Engine) CurrentFiles() []records.FileRecord { return e.store.Snapshot() }

// FilePathForID returns the absolute local path of a record.
func (e *Engine) FilePathForID(id int64) (string, bool) {
	rec, ok := e.store.Lookup(id)
	if !ok {
		return "", false
	}
	return filepath.Join(e.workDir, rec.Path), true
}

// LoadWorkspaceData restores the saved environment image into the working
// directory. It reports false when the workspace has none.
func (e *Engine) LoadWorkspaceData(ctx context.Context) (bool, error) {
	data, err := e.gw.LoadWorkspaceData(ctx, e.workspaceID)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	path := filepath.Join(e.workDir, WorkspaceDataFile)
	e.echo.Arm()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, &common.IOError{Op: "write", Path: path, Err: err}
	}
	return true, nil
}

// SaveWorkspaceData stores the working directory's environment image.
func (e *Engine) SaveWorkspaceData(ctx context.Context) error {
	path := filepath.Join(e.workDir, WorkspaceDataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return &common.IOError{Op: "read", Path: path, Err: err}
	}
	return e.gw.SaveWorkspaceData(ctx, e.workspaceID, data)
}

// Stats reports counters for status queries.
func (e *Engine) Stats() Stats {
	ids, batch := e.images.captured()
	return Stats{
		WorkingDir:              e.workDir,
		WorkspaceID:             e.workspaceID,
		Files:                   e.store.Len(),
		Watched:                 e.store.Bound(),
		PendingImages:           len(e.images.pending),
		CapturedImages:          len(ids),
		ImageBatch:              batch,
		EchoArmed:               e.echo.Armed(),
		NotificationsSuppressed: e.ignoreNotifications,
		FileEventsPaused:        e.fsPaused,
	}
}

// Close removes every watch the engine placed.
func (e *Engine) Close() {
	for _, rec := range e.store.Snapshot() {
		if h, ok := e.store.Unbind(rec.ID); ok {
			e.unwatch(h)
		}
	}
	e.images.unwatchAll()
	if root := e.watcher.RootHandle(); root != watch.NoHandle {
		e.unwatch(root)
	}
	e.started = false
}
