package generic

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// KEYED MUTEX - One holder per key, bounded wait
// =============================================================================

// KeyedMutex serializes work per key. Different keys never contend.
// Entries are reference counted and dropped once nobody holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

// Lock acquires key, waiting at most timeout (zero means wait for ctx only).
// It returns a release func on success. A cancelled ctx returns ctx.Err();
// an expired wait returns a *LockTimeoutError.
func (k *KeyedMutex) Lock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := k.acquireSlot(key)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				k.releaseSlot(key)
			})
		}, nil
	case <-ctx.Done():
		k.releaseSlot(key)
		return nil, ctx.Err()
	case <-expired:
		k.releaseSlot(key)
		return nil, &LockTimeoutError{Key: key, Waited: timeout}
	}
}

// Held reports whether key is currently locked. Intended for tests.
func (k *KeyedMutex) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	return ok && len(s.ch) > 0
}

func (k *KeyedMutex) acquireSlot(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *KeyedMutex) releaseSlot(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}
