// Package lock provides non-blocking keyed mutual exclusion, in process or across
// processes through Redis.
package lock

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("lock is held")

// Unlock releases a lock obtained from TryLock. Calling it more than once is a no-op.
type Unlock func()

// Locker acquires keyed locks without waiting.
type Locker interface {
	TryLock(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process keyed lock.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty in-process keyed lock.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock acquires key or returns ErrLocked immediately.
func (l *Local) TryLock(_ context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently locked.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
