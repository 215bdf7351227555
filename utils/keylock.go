package utils

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

type keyLock struct {
	ch   chan struct{}
	refs int
}

// KeyLocks is a table of mutexes, one per key, created on demand and
// dropped when the last holder or waiter leaves. Distinct keys never share
// a lock.
type KeyLocks struct {
	locks *xsync.MapOf[string, *keyLock]
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: xsync.NewMapOf[string, *keyLock]()}
}

func (kl *KeyLocks) ref(key string) *keyLock {
	l, _ := kl.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			old = &keyLock{ch: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	return l
}

func (kl *KeyLocks) unref(key string) {
	kl.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// Lock blocks until the key is free or ctx is done. On success the
// returned func releases the key.
func (kl *KeyLocks) Lock(ctx context.Context, key string) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := kl.ref(key)
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		kl.unref(key)
		return nil, ctx.Err()
	}
	return func() {
		<-l.ch
		kl.unref(key)
	}, nil
}

// TryLock takes the key only if nobody holds it.
func (kl *KeyLocks) TryLock(key string) (unlock func(), ok bool) {
	l := kl.ref(key)
	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			kl.unref(key)
		}, true
	default:
		kl.unref(key)
		return nil, false
	}
}

// Len is the number of keys currently locked or waited on.
func (kl *KeyLocks) Len() int {
	return kl.locks.Size()
}
