// Package pglock provides a locking mechanism based on context cancellation
// and backed by a PostgreSQL engine, for hardening the per-endpoint storage
// task exclusion guard (§4.5/§5) beyond its best-effort query-based check.
//
// Contexts derived from a Locker are canceled when the underlying connection
// to the lock provider is gone, or when a parent context is canceled.
package pglock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quay/zlog"
)

// New creates a Locker that pulls connections from the provided pool.
//
// The provided context is only used for logging and initial setup. Close
// must be called to release held resources.
func New(ctx context.Context, cfg *pgxpool.Config) (*Locker, error) {
	cfg = cfg.Copy()
	cfg.MaxConns = 2
	cfg.MinConns = 1
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pglock: failed to create pool: %w", err)
	}
	l := &Locker{
		p:  p,
		rc: sync.NewCond(&sync.Mutex{}),
	}
	go l.run(ctx)
	go l.ping(ctx)

	ready := make(chan struct{})
	go func() {
		l.rc.L.Lock()
		defer l.rc.L.Unlock()
		for l.conn == nil && l.gen != -1 {
			l.rc.Wait()
		}
		close(ready)
	}()
	select {
	case <-ready:
	case <-ctx.Done():
		l.Close()
		return nil, ctx.Err()
	}
	return l, nil
}

// Locker provides context-scoped advisory locks.
type Locker struct {
	p    *pgxpool.Pool
	rc   *sync.Cond
	conn *pgconn.PgConn
	cur  map[string]struct{}
	gone chan struct{}
	gen  int
}

var (
	errExiting    = errors.New("pglock: exiting")
	errLockFail   = errors.New("pglock: lock acquisition failed")
	errDoubleLock = errors.New("pglock: lock already held")
	errConnGone   = errors.New("pglock: connection gone")
)

func (l *Locker) run(ctx context.Context) {
	ctx = zlog.ContextWithValues(ctx, "component", "locksource/pglock.(*Locker).run")
	for {
		tctx, done := context.WithTimeout(ctx, 5*time.Second)
		err := l.p.AcquireFunc(tctx, l.reconnect(ctx))
		done()
		switch {
		case errors.Is(err, errExiting):
			zlog.Debug(ctx).Msg("locker exiting")
			return
		case errors.Is(err, nil):
			return
		case errors.Is(err, context.DeadlineExceeded):
			zlog.Info(ctx).Err(err).Msg("retrying immediately")
		default:
			zlog.Warn(ctx).Err(err).Msg("unexpected error; retrying immediately")
		}
	}
}

// Close spins down background goroutines and frees resources.
func (l *Locker) Close() error {
	l.rc.L.Lock()
	defer l.rc.L.Unlock()
	l.gen = -1
	l.rc.Broadcast()
	return nil
}

func (l *Locker) reconnect(ctx context.Context) func(*pgxpool.Conn) error {
	ctx = zlog.ContextWithValues(ctx, "component", "locksource/pglock.(*Locker).reconnect")
	return func(c *pgxpool.Conn) error {
		l.rc.L.Lock()
		defer l.rc.L.Unlock()
		l.conn = c.Conn().PgConn()
		l.gone = make(chan struct{})
		l.cur = make(map[string]struct{}, 16)
		l.gen++
		defer func() {
			close(l.gone)
			l.gone = nil
			l.conn = nil
			l.cur = nil
		}()
		l.rc.Broadcast()

		for l.gen > 0 {
			pctx, done := context.WithTimeout(ctx, time.Second)
			err := c.Ping(pctx)
			done()
			if err != nil {
				zlog.Warn(ctx).Err(err).Msg("liveness check failed")
				return err
			}
			l.rc.Wait()
		}
		return errExiting
	}
}

func (l *Locker) ping(ctx context.Context) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	leave := false
	for !leave {
		<-t.C
		l.rc.L.Lock()
		leave = l.gen < 0
		l.rc.L.Unlock()
		l.rc.Broadcast()
	}
	_ = ctx
}

// TryLock attempts to lock on the provided key.
//
// If unsuccessful, an already-canceled Context is returned. If successful,
// the returned Context is parented to the passed-in Context and to the
// underlying connection used for the lock.
func (l *Locker) TryLock(parent context.Context, key string) (context.Context, context.CancelFunc) {
	child, done := context.WithCancel(parent)
	w, err := l.try(parent, key, done)
	switch {
	case errors.Is(err, nil):
		return child, w.Unwatch
	case errors.Is(err, errConnGone) || errors.Is(err, errLockFail) || errors.Is(err, errDoubleLock):
		zlog.Debug(parent).Err(err).Str("key", key).Msg("lock failed")
	default:
		zlog.Info(parent).Err(err).Msg("checking lock liveness")
		l.rc.Broadcast()
	}
	done()
	return child, done
}

// Lock attempts to obtain the named lock until it succeeds or the passed
// Context is canceled.
func (l *Locker) Lock(parent context.Context, key string) (context.Context, context.CancelFunc) {
	child, done := context.WithCancel(parent)
	for wait := 500 * time.Millisecond; ; backoff(&wait) {
		w, err := l.try(parent, key, done)
		switch {
		case errors.Is(err, nil):
			return child, w.Unwatch
		case errors.Is(err, errConnGone) || errors.Is(err, errLockFail) || errors.Is(err, errDoubleLock):
			zlog.Debug(parent).Err(err).Str("key", key).Msg("lock failed")
		default:
			zlog.Info(parent).Err(err).Msg("checking lock liveness")
			l.rc.Broadcast()
		}

		t := time.NewTimer(wait)
		select {
		case <-parent.Done():
			t.Stop()
			done()
			return parent, noop
		case <-t.C:
			t.Stop()
		}
	}
}

func noop() {}

// backoff implements a doubling backoff, capped at 10 seconds.
func backoff(w *time.Duration) {
	const max = 10 * time.Second
	*w *= 2
	if *w > max {
		*w = max
	}
}

func (l *Locker) try(ctx context.Context, key string, cf context.CancelFunc) (*watcher, error) {
	const query = `SELECT lock FROM pg_try_advisory_lock($1) lock WHERE lock = true;`
	kb := keyify(key)
	l.rc.L.Lock()
	defer l.rc.L.Unlock()
	if l.conn == nil {
		return nil, errConnGone
	}
	if _, ok := l.cur[key]; ok {
		return nil, errDoubleLock
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tag, err := l.conn.ExecParams(ctx, query, [][]byte{kb}, nil, []int16{1}, nil).Close()
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, errLockFail
	}
	l.cur[key] = struct{}{}
	w := newWatcher(l.unlock(ctx, key, kb, l.gen, cf))
	go w.Watch(l.gone)
	return w, nil
}

func (l *Locker) unlock(ctx context.Context, key string, kb []byte, gen int, next context.CancelFunc) context.CancelFunc {
	const query = `SELECT lock FROM pg_advisory_unlock($1) lock WHERE lock = true;`
	return func() {
		defer next()
		l.rc.L.Lock()
		defer l.rc.L.Unlock()

		switch {
		case gen < l.gen:
			return
		case l.conn == nil || l.gen < 0:
			return
		}

		var done context.CancelFunc
		if err := ctx.Err(); err != nil {
			ctx, done = context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
		}

		tag, err := l.conn.ExecParams(ctx, query, [][]byte{kb}, nil, []int16{1}, nil).Close()
		if err != nil {
			zlog.Debug(ctx).Err(err).Msg("error during unlock")
			l.rc.Broadcast()
			return
		}
		if _, ok := l.cur[key]; !ok || tag.RowsAffected() == 0 {
			zlog.Error(ctx).Str("key", key).Msg("lock protocol botch")
		}
		delete(l.cur, key)
	}
}

// keyify hashes key down to the int64 pg_advisory_lock expects, serialized
// big-endian into an 8-byte slice.
func keyify(key string) []byte {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum(make([]byte, 0, 8))
}

// watcher waits on connection loss and makes sure to call the wrapped
// unlock function exactly once, whichever happens first.
type watcher struct {
	once     sync.Once
	onCancel func()
	done     chan struct{}
}

func newWatcher(onCancel func()) *watcher {
	return &watcher{onCancel: onCancel, done: make(chan struct{})}
}

// Watch should be called as a new goroutine.
func (w *watcher) Watch(ch <-chan struct{}) {
	select {
	case <-ch:
		w.once.Do(w.onCancel)
		<-w.done
	case <-w.done:
	}
}

// Unwatch tears down the watch. It should be called unconditionally.
func (w *watcher) Unwatch() {
	w.once.Do(w.onCancel)
	close(w.done)
}
