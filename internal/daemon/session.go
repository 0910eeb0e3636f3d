package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wvuRc2/rc2compute/internal/config"
	"github.com/wvuRc2/rc2compute/internal/engine"
	"github.com/wvuRc2/rc2compute/internal/reactor"
	"github.com/wvuRc2/rc2compute/internal/storage"
	"github.com/wvuRc2/rc2compute/internal/util"
	"github.com/wvuRc2/rc2compute/internal/watch"
)

// LockFileName is the per working directory lock held by a running session.
const LockFileName = ".rc2sync.lock"

// Session runs one sync engine for one working directory until stopped.
type Session struct {
	cfg    *config.Settings
	id     string
	logger *log.Entry

	// WritePidFile records the process id next to the settings while running.
	WritePidFile bool
	// Ready, when set, is closed once the control socket accepts requests.
	Ready chan struct{}

	loop   *reactor.Loop
	eng    *engine.Engine
	stopCh chan struct{}
	once   sync.Once
	start  time.Time
}

// NewSession creates a session for cfg. cfg must pass ValidateSession.
func NewSession(cfg *config.Settings) *Session {
	id := uuid.NewString()
	return &Session{
		cfg:    cfg,
		id:     id,
		logger: log.WithFields(log.Fields{"session": id, "workspace": cfg.WorkspaceID}),
		stopCh: make(chan struct{}),
	}
}

// ID returns the instance id of the session.
func (s *Session) ID() string { return s.id }

// Stop asks Run to return.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

// Run loads the workspace, then syncs until ctx is cancelled or Stop is
// called. Only failing to lock the directory, reach the database or watch
// the working directory is fatal.
func (s *Session) Run(ctx context.Context) error {
	cfg := s.cfg
	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.WorkingDir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another session is already syncing %s", cfg.WorkingDir)
	}
	defer lock.Unlock()

	gw, err := storage.Open(ctx, storage.Options{
		Driver:       storage.Dialect(cfg.Database.Driver),
		DSN:          cfg.Database.DSN,
		BusyTimeout:  cfg.Database.BusyTimeoutMS,
		Channel:      cfg.NotifyChannel,
		PollInterval: cfg.NotifyPollInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer gw.Close()
	if err := gw.InitSchema(ctx); err != nil {
		return err
	}

	watcher, err := watch.NewManager(cfg.WatchBackend)
	if err != nil {
		return err
	}
	defer watcher.Close()

	s.loop = reactor.New()
	s.eng = engine.New(s.loop, watcher, engine.Options{
		ProjectID:   cfg.ProjectID,
		SessionID:   cfg.SessionID,
		ImagePrefix: cfg.ImagePrefix,
		EchoWindow:  cfg.EchoWindow,
		Ignore:      BuildIgnoreFilter(cfg.WorkingDir, cfg.IgnoreFile, cfg.Excludes),
	})
	s.eng.Initialize(gw, cfg.WorkspaceID)
	if err := s.eng.SetWorkingDirectory(cfg.WorkingDir); err != nil {
		return err
	}

	listener, err := gw.Listen(ctx)
	if err != nil {
		return err
	}
	defer listener.Close()

	if err := s.eng.LoadAll(ctx); err != nil {
		s.logger.WithError(err).Warn("session: initial load incomplete")
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := s.eng.Start(gctx); err != nil {
		return err
	}
	s.eng.AttachListener(listener)

	server := NewServer(cfg.ControlSocket(), s.handleRequest)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	if s.WritePidFile {
		if err := writePidFile(cfg.PidPath()); err != nil {
			s.logger.WithError(err).Warn("session: failed to write pid file")
		}
		defer os.Remove(cfg.PidPath())
	}

	s.start = time.Now()
	s.logger.WithFields(log.Fields{"dir": cfg.WorkingDir, "socket": cfg.ControlSocket()}).Info("session: started")
	if s.Ready != nil {
		close(s.Ready)
	}

	g.Go(func() error {
		err := s.loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.stopCh:
		}
		s.loop.Stop()
		return nil
	})
	err = g.Wait()

	// The loop has exited, so engine state is safe to touch from here.
	if ferr := s.eng.FlushOrphans(context.Background()); ferr != nil {
		s.logger.WithError(ferr).Warn("session: failed to store pending images")
	}
	s.eng.Close()
	s.logger.Info("session: stopped")
	return err
}

// onLoop runs fn on the reactor and waits for it.
func (s *Session) onLoop(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return s.loop.Call(ctx, func() error { return fn(ctx) })
}

func (s *Session) handleRequest(req *Request) *Response {
	s.logger.WithField("type", req.Type).Debug("session: request")
	switch req.Type {
	case RequestStatus:
		return s.handleStatus()
	case RequestFiles:
		return s.handleFiles()
	case RequestAddFile:
		var id int64
		err := s.onLoop(func(ctx context.Context) (err error) {
			id, err = s.eng.HandleLocalFileAdd(ctx, req.Name)
			return err
		})
		if err != nil {
			return errorResponse(err)
		}
		return &Response{Success: true, FileID: id}
	case RequestNotify:
		err := s.onLoop(func(ctx context.Context) error {
			return s.eng.HandleExternalChangeNotification(ctx, req.Payload)
		})
		return simpleResponse(err)
	case RequestResetImages:
		var ids []int64
		var batch int64
		err := s.onLoop(func(context.Context) error {
			ids, batch = s.eng.ResetImageBatch()
			return nil
		})
		if err != nil {
			return errorResponse(err)
		}
		return &Response{Success: true, ImageIDs: ids, BatchID: batch}
	case RequestFlushImages:
		return simpleResponse(s.onLoop(s.eng.FlushOrphans))
	case RequestCheckImages:
		return simpleResponse(s.onLoop(s.eng.CheckImages))
	case RequestSuppress:
		return simpleResponse(s.onLoop(func(context.Context) error {
			s.eng.SuppressNotifications(req.On)
			return nil
		}))
	case RequestPauseEvents:
		return simpleResponse(s.onLoop(func(context.Context) error {
			if req.On {
				s.eng.SuspendFileEvents()
			} else {
				s.eng.ResumeFileEvents()
			}
			return nil
		}))
	case RequestReload:
		return simpleResponse(s.onLoop(s.eng.LoadAll))
	case RequestSaveData:
		return simpleResponse(s.onLoop(s.eng.SaveWorkspaceData))
	case RequestLoadData:
		var loaded bool
		err := s.onLoop(func(ctx context.Context) (err error) {
			loaded, err = s.eng.LoadWorkspaceData(ctx)
			return err
		})
		if err != nil {
			return errorResponse(err)
		}
		return &Response{Success: true, Loaded: loaded}
	case RequestStop:
		s.Stop()
		return &Response{Success: true, Message: "stopping"}
	}
	return &Response{Success: false, Error: fmt.Sprintf("unknown request type: %s", req.Type)}
}

func simpleResponse(err error) *Response {
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true}
}

func (s *Session) handleStatus() *Response {
	var stats engine.Stats
	if err := s.onLoop(func(context.Context) error { stats = s.eng.Stats(); return nil }); err != nil {
		return errorResponse(err)
	}
	return &Response{
		Success:   true,
		Message:   fmt.Sprintf("syncing %s for %s", stats.WorkingDir, time.Since(s.start).Round(time.Second)),
		PID:       os.Getpid(),
		SessionID: s.id,
		Stats:     &stats,
	}
}

func (s *Session) handleFiles() *Response {
	var files []FileInfo
	err := s.onLoop(func(context.Context) error {
		for _, rec := range s.eng.CurrentFiles() {
			files = append(files, FileInfo{
				ID:           rec.ID,
				Name:         rec.Name,
				Path:         rec.Path,
				Version:      rec.Version,
				Size:         rec.Size,
				LastModified: rec.LastModified,
				Shared:       rec.Shared,
			})
		}
		return nil
	})
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Files: files}
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// ReadPid reads the pid file of a detached session.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// CleanupStale removes the socket and pid file left by a session that died
// without shutting down. It reports what was removed.
func CleanupStale(cfg *config.Settings) (socket, pid bool) {
	sock := cfg.ControlSocket()
	if _, err := os.Stat(sock); err == nil && !IsRunning(sock) {
		socket = os.Remove(sock) == nil
	}
	if p, err := ReadPid(cfg.PidPath()); err == nil {
		if !util.IsProcessRunning(p) {
			pid = os.Remove(cfg.PidPath()) == nil
		}
	}
	return socket, pid
}
