package utils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyLocks_Exclusive(t *testing.T) {
	kl := NewKeyLocks()
	ctx := context.Background()

	var counter, maxSeen int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := kl.Lock(ctx, "doc")
			assert.NoError(t, err)
			mu.Lock()
			counter++
			if counter > maxSeen {
				maxSeen = counter
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			counter--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, kl.Len())
}

func TestKeyLocks_DistinctKeys(t *testing.T) {
	kl := NewKeyLocks()
	ctx := context.Background()

	unlockA, err := kl.Lock(ctx, "a")
	assert.NoError(t, err)
	unlockB, ok := kl.TryLock("b")
	assert.True(t, ok)
	_, ok = kl.TryLock("a")
	assert.False(t, ok)
	unlockA()
	unlockB()
	assert.Equal(t, 0, kl.Len())
}

func TestKeyLocks_Cancel(t *testing.T) {
	kl := NewKeyLocks()
	unlock, err := kl.Lock(context.Background(), "k")
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = kl.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, kl.Len())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("Debug").String())
	assert.Equal(t, "WARN", ParseLevel("bogus").String())
}
