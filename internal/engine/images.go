package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/wvuRc2/rc2compute/internal/common"
	"github.com/wvuRc2/rc2compute/internal/storage"
	"github.com/wvuRc2/rc2compute/internal/watch"
)

// imagePipeline turns graphics files written into the working directory
// into session image rows grouped by batch.
type imagePipeline struct {
	e       *Engine
	pending map[watch.Handle]string // handle -> file name
	ids     []int64
	batch   int64 // 0 until the first image of the session is stored
}

func newImagePipeline(e *Engine) *imagePipeline {
	return &imagePipeline{e: e, pending: make(map[watch.Handle]string)}
}

// start watches a freshly created image file until its writer closes it.
func (p *imagePipeline) start(name string) error {
	path := filepath.Join(p.e.workDir, name)
	h, err := p.e.watcher.WatchImage(path)
	if err != nil {
		var statErr *common.StatError
		if errors.As(err, &statErr) {
			return nil
		}
		return err
	}
	p.pending[h] = name
	p.e.logger.WithFields(log.Fields{"name": name, "handle": h}).Debug("engine: capturing image")
	return nil
}

// handle consumes events for pending captures. It reports false for handles
// it does not own.
func (p *imagePipeline) handle(ctx context.Context, ev watch.ChangeEvent) (bool, error) {
	name, ok := p.pending[ev.Handle]
	if !ok {
		return false, nil
	}
	switch ev.Kind {
	case watch.ClosedWrite:
		_, err := p.promote(ctx, ev.Handle, name)
		return true, err
	case watch.Ignored, watch.DeletedSelf:
		delete(p.pending, ev.Handle)
	}
	return true, nil
}

// promote stores a non-empty image file, then unwatches and deletes it.
// It reports false and keeps the capture when the file is empty.
func (p *imagePipeline) promote(ctx context.Context, h watch.Handle, name string) (bool, error) {
	e := p.e
	path := filepath.Join(e.workDir, name)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		delete(p.pending, h)
		e.unwatch(h)
		return false, nil
	}
	if err != nil {
		return false, &common.IOError{Op: "stat", Path: path, Err: err}
	}
	// an empty file is still being produced; keep waiting
	if info.Size() == 0 {
		e.logger.WithField("name", name).Debug("engine: image still empty")
		return false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, &common.IOError{Op: "read", Path: path, Err: err}
	}

	id, err := e.gw.NextSequenceValue(ctx, storage.ImageSequence)
	if err != nil {
		return false, err
	}
	if p.batch <= 0 {
		last, err := e.gw.MaxImageBatch(ctx, e.opts.SessionID)
		if err != nil {
			return false, err
		}
		p.batch = last + 1
	}
	img := storage.SessionImage{
		ID:        id,
		SessionID: e.opts.SessionID,
		BatchID:   p.batch,
		Name:      fmt.Sprintf("img%d.png", id),
		Data:      data,
	}
	if err := e.gw.InsertSessionImage(ctx, img); err != nil {
		return false, err
	}
	p.ids = append(p.ids, id)

	delete(p.pending, h)
	e.unwatch(h)
	e.echo.Arm()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.WithError(err).WithField("path", path).Warn("engine: failed to remove captured image")
	}
	e.logger.WithFields(log.Fields{"id": id, "batch": p.batch, "bytes": len(data)}).Info("engine: stored image")
	return true, nil
}

// check promotes every pending capture whose file has data.
func (p *imagePipeline) check(ctx context.Context) error {
	var firstErr error
	for _, h := range p.handles() {
		if _, err := p.promote(ctx, h, p.pending[h]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flush promotes what it can and abandons everything still pending.
func (p *imagePipeline) flush(ctx context.Context) error {
	err := p.check(ctx)
	p.unwatchAll()
	return err
}

func (p *imagePipeline) unwatchAll() {
	for h := range p.pending {
		p.e.unwatch(h)
	}
	p.pending = make(map[watch.Handle]string)
}

func (p *imagePipeline) handles() []watch.Handle {
	hs := make([]watch.Handle, 0, len(p.pending))
	for h := range p.pending {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

func (p *imagePipeline) captured() ([]int64, int64) {
	return append([]int64(nil), p.ids...), p.batch
}

// reset hands out the ids stored since the last reset. The batch only
// advances when the finished batch holds images.
func (p *imagePipeline) reset() ([]int64, int64) {
	ids, batch := p.ids, p.batch
	if len(ids) > 0 {
		p.batch++
	}
	p.ids = nil
	return ids, batch
}

// ResetImageBatch returns the images stored for the finished batch and its id,
// and starts the next batch. Names added with HandleLocalFileAdd are forgotten.
func (e *Engine) ResetImageBatch() ([]int64, int64) {
	clear(e.manuallyAdded)
	return e.images.reset()
}

// CapturedImages returns the images stored so far in the current batch.
func (e *Engine) CapturedImages() ([]int64, int64) { return e.images.captured() }

// CheckImages promotes pending captures that already hold data.
func (e *Engine) CheckImages(ctx context.Context) error { return e.images.check(ctx) }

// FlushOrphans promotes pending captures whose files have data and stops
// watching the rest.
func (e *Engine) FlushOrphans(ctx context.Context) error { return e.images.flush(ctx) }
