package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a key cannot be acquired within the wait budget.
var ErrTimeout = errors.New("lock wait timeout")

// Keyed is a table of exclusive locks indexed by key. A slot exists only while
// somebody holds or waits for it, so the table does not grow with the catalog.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyed creates an empty lock table.
func NewKeyed() *Keyed {
	return &Keyed{slots: map[string]*slot{}}
}

// Acquire blocks until key is held, ctx is done or timeout elapses.
// A zero timeout waits only on ctx.
func (k *Keyed) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	s := k.ref(key)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(key)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.unref(key)
		})
	}, nil
}

// Held reports how many keys are currently tracked.
func (k *Keyed) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

func (k *Keyed) ref(key string) *slot {
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

func (k *Keyed) unref(key string) {
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
