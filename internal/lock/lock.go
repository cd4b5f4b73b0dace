// Package lock serializes conversation turns that touch the same session.
//
// Local is an in-process keyed mutex; Redis adds a distributed lock so several
// replicas can share one store. DirLock keeps two processes from sharing a
// state directory when no distributed lock is configured.
package lock

import (
	"context"
	"sync"
)

// UnlockFunc releases a lock obtained from a Locker. It is safe to call once.
type UnlockFunc func()

// Locker grants exclusive access to a key until the returned UnlockFunc is called.
type Locker interface {
	// Lock blocks until the key is free or ctx is done.
	Lock(ctx context.Context, key string) (UnlockFunc, error)
}

type entry struct {
	ch   chan struct{} // holds one token while the key is locked
	refs int
}

// Local is a Locker for a single process. Entries are reference counted and
// dropped once no goroutine holds or waits for the key.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewLocal creates an empty Local locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

func (l *Local) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Local) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(l.locks, key)
	}
}

func (l *Local) Lock(ctx context.Context, key string) (UnlockFunc, error) {
	e := l.acquire(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key)
		})
	}, nil
}

// active reports how many keys currently have holders or waiters.
func (l *Local) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
