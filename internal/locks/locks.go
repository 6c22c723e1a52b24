// Package locks provides the per-proposal exclusive sections that guard
// consent, execution and undo. Two backends exist: an in-process mutex map
// and a redis-based locker for multi-instance deployments, selected by
// configuration at startup.
package locks

import (
	"context"
	"sync"
)

// Locker acquires an exclusive section for one proposal id. The returned
// release function is safe to call exactly once on every exit path.
type Locker interface {
	Acquire(ctx context.Context, proposalID string) (release func(), err error)
}

// LocalLocker serializes by proposal id within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalLocker) Acquire(_ context.Context, proposalID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[proposalID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[proposalID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock, nil
}
