package lock

import (
	"context"
	"sync"
)

// numShards spreads keys over independent maps so lookups for unrelated keys
// rarely contend.
const numShards = 128

// Sharded is an in-process lock. A shard mutex guards only the lookup of a
// per-key semaphore; holders of one key never block other keys.
type Sharded struct {
	shards [numShards]shard
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

// keyLock is a one-slot semaphore so waiting honours context cancellation.
// refs counts holders and waiters; the entry is dropped at zero.
type keyLock struct {
	slot chan struct{}
	refs int
}

func NewSharded() *Sharded {
	l := &Sharded{}
	for i := range l.shards {
		l.shards[i].keys = make(map[string]*keyLock)
	}
	return l
}

func (l *Sharded) Lock(ctx context.Context, key string) (Release, error) {
	ctx, cancel := withAcquireDeadline(ctx)
	defer cancel()

	sh := &l.shards[hashKey(key)%numShards]
	kl := sh.acquire(key)
	select {
	case kl.slot <- struct{}{}:
	case <-ctx.Done():
		sh.release(key)
		return nil, acquireTimeout(ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.slot
			sh.release(key)
		})
	}, nil
}

func (s *shard) acquire(key string) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl, ok := s.keys[key]
	if !ok {
		kl = &keyLock{slot: make(chan struct{}, 1)}
		s.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (s *shard) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl, ok := s.keys[key]
	if !ok {
		return
	}
	kl.refs--
	if kl.refs == 0 {
		delete(s.keys, key)
	}
}

// size reports how many keys are tracked.
func (l *Sharded) size() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.keys)
		sh.mu.Unlock()
	}
	return n
}

// hashKey is FNV-1a.
func hashKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
