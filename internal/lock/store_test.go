package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/statestore"
)

func TestStoreLockManager_SecondAcquireIsDenied(t *testing.T) {
	lm := NewStoreLockManager(statestore.NewMemoryStore())
	ctx := context.Background()

	_, granted, err := lm.Acquire(ctx, "BTC-USD", time.Second, "holder-a")
	require.NoError(t, err)
	assert.True(t, granted)

	_, granted, err = lm.Acquire(ctx, "BTC-USD", time.Second, "holder-b")
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestStoreLockManager_FencingTokenIncreasesAcrossHolders(t *testing.T) {
	lm := NewStoreLockManager(statestore.NewMemoryStore())
	ctx := context.Background()

	token1, granted, err := lm.Acquire(ctx, "BTC-USD", time.Millisecond, "holder-a")
	require.NoError(t, err)
	require.True(t, granted)

	time.Sleep(5 * time.Millisecond)

	token2, granted, err := lm.Acquire(ctx, "BTC-USD", time.Second, "holder-b")
	require.NoError(t, err)
	require.True(t, granted)
	assert.Greater(t, token2, token1)
}

func TestStoreLockManager_ReleaseByNonHolderIsNoop(t *testing.T) {
	lm := NewStoreLockManager(statestore.NewMemoryStore())
	ctx := context.Background()

	_, _, err := lm.Acquire(ctx, "BTC-USD", time.Second, "holder-a")
	require.NoError(t, err)

	require.NoError(t, lm.Release(ctx, "BTC-USD", "holder-b"))

	_, granted, err := lm.Acquire(ctx, "BTC-USD", time.Second, "holder-c")
	require.NoError(t, err)
	assert.False(t, granted, "lock must still be held by holder-a")
}

func TestStoreLockManager_RenewExtendsLeaseForCurrentHolder(t *testing.T) {
	lm := NewStoreLockManager(statestore.NewMemoryStore())
	ctx := context.Background()

	_, _, err := lm.Acquire(ctx, "BTC-USD", 20*time.Millisecond, "holder-a")
	require.NoError(t, err)

	lost, err := lm.Renew(ctx, "BTC-USD", "holder-a", time.Second)
	require.NoError(t, err)
	assert.False(t, lost)

	time.Sleep(30 * time.Millisecond)

	_, granted, err := lm.Acquire(ctx, "BTC-USD", time.Second, "holder-b")
	require.NoError(t, err)
	assert.False(t, granted, "renewed lease should not have expired yet")
}

func TestStoreLockManager_ConcurrentAcquireOnlyOneWinner(t *testing.T) {
	lm := NewStoreLockManager(statestore.NewMemoryStore())
	ctx := context.Background()

	const workers = 20
	var wins int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			defer wg.Done()
			_, granted, err := lm.Acquire(ctx, "same-symbol", time.Second, "holder")
			assert.NoError(t, err)
			if granted {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
}
