// Package local provides in-process versions of the shared-state
// interfaces for single-node runs and tests.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

type heldLock struct {
	token   uint64
	expires time.Time
}

// KeyedLocker implements domain.LockManager with a map of held keys. An
// expired lock may be taken over, matching the TTL semantics of the redis
// implementation.
type KeyedLocker struct {
	mu   sync.Mutex
	held map[string]heldLock
	next uint64
	now  func() time.Time
}

// NewKeyedLocker returns an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{held: make(map[string]heldLock), now: time.Now}
}

// Acquire takes key for ttl or returns domain.ErrLockHeld.
func (l *KeyedLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, fmt.Errorf("local: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	l.next++
	token := l.next
	l.held[key] = heldLock{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*KeyedLocker)(nil)
