package lock

import (
	"context"
	"sync"
)

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrNotAcquired
	}
	l.held[key] = struct{}{}
	return &memLock{l: l, key: key}, nil
}

type memLock struct {
	l    *MemoryLocker
	key  string
	once sync.Once
}

func (m *memLock) Release(context.Context) error {
	m.once.Do(func() {
		m.l.mu.Lock()
		delete(m.l.held, m.key)
		m.l.mu.Unlock()
	})
	return nil
}
