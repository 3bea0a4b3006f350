package memory

import (
	"context"
	"sync"
)

// keyLocks hands out one exclusive slot per entity key. Entries are
// reference counted and removed once nobody holds or waits on them.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	slot chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{m: make(map[string]*keyLock)}
}

func (l *keyLocks) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.m[key]
	if !ok {
		kl = &keyLock{slot: make(chan struct{}, 1)}
		l.m[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, kl)
		return ctx.Err()
	}
}

func (l *keyLocks) unlock(key string) {
	l.mu.Lock()
	kl := l.m[key]
	l.mu.Unlock()
	<-kl.slot
	l.release(key, kl)
}

func (l *keyLocks) release(key string, kl *keyLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.m, key)
	}
	l.mu.Unlock()
}

// lockAll acquires keys in the given order; on failure everything
// already taken is released.
func (l *keyLocks) lockAll(ctx context.Context, keys []string) error {
	for i, k := range keys {
		if err := l.lock(ctx, k); err != nil {
			for j := i - 1; j >= 0; j-- {
				l.unlock(keys[j])
			}
			return err
		}
	}
	return nil
}

func (l *keyLocks) unlockAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.unlock(keys[i])
	}
}
