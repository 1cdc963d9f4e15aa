package nonce

import (
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/chain"
)

// Locker is a table of per-key mutexes whose Lock can be abandoned through the context. Keys are created on demand
// and removed once nobody holds or waits for them.
type Locker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch      chan struct{}
	waiters int
}

func NewLocker() *Locker {
	return &Locker{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done. The returned func releases the key and is safe to call more than
// once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.waiters++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s, false)
		return nil, eris.Wrapf(ctx.Err(), "gave up waiting for %s", key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, s, true) })
	}, nil
}

func (l *Locker) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s.waiters--
	if s.waiters == 0 {
		delete(l.slots, key)
	}
}

// AccountKey names the (chain, account) pair that must be serialized. Accounts are compared case insensitively.
func AccountKey(id chain.ID, account string) string {
	return string(id) + "/" + strings.ToLower(account)
}
