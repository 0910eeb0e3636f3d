package storage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun/driver/pgdriver"
)

// notifyRetention is how long SQLite notification rows are kept.
const notifyRetention = 10 * time.Minute

// Listener delivers change notifications published on the gateway's channel.
type Listener interface {
	// Ready is signalled when Drain may return notifications.
	Ready() <-chan struct{}
	// Drain returns every notification received since the previous call.
	// It runs on the caller's goroutine and must not be called concurrently.
	Drain(ctx context.Context) ([]Notification, error)
	Close() error
}

// Listen subscribes to the configured channel. Notifications published before
// Listen returns are not delivered.
func (g *Gateway) Listen(ctx context.Context) (Listener, error) {
	if g.dialect == DialectPostgres {
		return newPGListener(ctx, g)
	}
	return newPollListener(ctx, g)
}

// pgListener relays LISTEN/NOTIFY notifications from a dedicated connection.
type pgListener struct {
	ln    *pgdriver.Listener
	mu    sync.Mutex
	queue []Notification
	ready chan struct{}
	done  chan struct{}
}

func newPGListener(ctx context.Context, g *Gateway) (*pgListener, error) {
	ln := pgdriver.NewListener(g.db)
	if err := ln.Listen(ctx, g.opts.Channel); err != nil {
		_ = ln.Close()
		return nil, g.dbError("listen", 0, err)
	}
	l := &pgListener{
		ln:    ln,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go l.pump(ln.Channel())
	log.WithField("channel", g.opts.Channel).Debug("storage: listening for notifications")
	return l, nil
}

func (l *pgListener) pump(ch <-chan pgdriver.Notification) {
	defer close(l.done)
	for n := range ch {
		l.mu.Lock()
		l.queue = append(l.queue, Notification{Channel: n.Channel, Payload: n.Payload})
		l.mu.Unlock()
		select {
		case l.ready <- struct{}{}:
		default:
		}
	}
}

func (l *pgListener) Ready() <-chan struct{} { return l.ready }

func (l *pgListener) Drain(context.Context) ([]Notification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.queue
	l.queue = nil
	return out, nil
}

func (l *pgListener) Close() error {
	err := l.ln.Close()
	<-l.done
	return err
}

// pollListener reads the trigger-fed rcfile_notify table. A ticker only signals
// readiness; the query itself runs in Drain on the caller's goroutine so the
// gateway connection is never used from two goroutines.
type pollListener struct {
	g       *Gateway
	channel string

	cursor      int64
	dataVersion int64
	commits     int64
	lastPrune   time.Time

	ready chan struct{}
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newPollListener(ctx context.Context, g *Gateway) (*pollListener, error) {
	cursor, err := g.ScalarQuery(ctx, "SELECT COALESCE(MAX(id), 0) FROM rcfile_notify")
	if err != nil {
		return nil, err
	}
	dv, err := g.dataVersion(ctx)
	if err != nil {
		return nil, g.dbError("read data_version", 0, err)
	}
	l := &pollListener{
		g:           g,
		channel:     g.opts.Channel,
		cursor:      cursor,
		dataVersion: dv,
		commits:     g.commits.Load(),
		lastPrune:   time.Now(),
		ready:       make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go l.tick(g.opts.PollInterval)
	return l, nil
}

func (l *pollListener) tick(interval time.Duration) {
	defer close(l.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			select {
			case l.ready <- struct{}{}:
			default:
			}
		case <-l.stop:
			return
		}
	}
}

func (l *pollListener) Ready() <-chan struct{} { return l.ready }

func (l *pollListener) Drain(ctx context.Context) ([]Notification, error) {
	dv, err := l.g.dataVersion(ctx)
	if err != nil {
		return nil, l.g.dbError("read data_version", 0, err)
	}
	commits := l.g.commits.Load()
	if dv == l.dataVersion && commits == l.commits {
		return nil, nil
	}
	l.dataVersion, l.commits = dv, commits

	var rows []NotifyModel
	err = l.g.db.NewSelect().
		Model(&rows).
		Where("id > ?", l.cursor).
		Where("channel = ?", l.channel).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, l.g.dbError("read notifications", 0, err)
	}

	out := make([]Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, Notification{Channel: r.Channel, Payload: r.Payload})
		l.cursor = r.ID
	}
	l.prune(ctx)
	return out, nil
}

// prune drops old notification rows at most once a minute.
func (l *pollListener) prune(ctx context.Context) {
	if time.Since(l.lastPrune) < time.Minute {
		return
	}
	l.lastPrune = time.Now()
	cutoff := time.Now().Add(-notifyRetention).Unix()
	if _, err := l.g.db.NewDelete().Model((*NotifyModel)(nil)).Where("created_at < ?", cutoff).Exec(ctx); err != nil {
		log.WithError(err).Debug("storage: failed to prune notifications")
	}
}

func (l *pollListener) Close() error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
	})
	return nil
}
