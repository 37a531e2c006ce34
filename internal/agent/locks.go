package agent

import (
	"context"
	"sync"
)

// threadLocks serializes turns per thread. Entries are reference
// counted and dropped once no turn holds or waits for them.
type threadLocks struct {
	mu sync.Mutex
	m  map[string]*threadLock
}

type threadLock struct {
	ch   chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{m: make(map[string]*threadLock)}
}

// lock blocks until the thread is free or ctx is done. The returned
// func releases the lock.
func (l *threadLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.m[key]
	if !ok {
		tl = &threadLock{ch: make(chan struct{}, 1)}
		l.m[key] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-tl.ch
				l.release(key, tl)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, tl)
		return nil, ctx.Err()
	}
}

func (l *threadLocks) release(key string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.m, key)
	}
}

// size returns the number of tracked threads.
func (l *threadLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
