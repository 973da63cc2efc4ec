package ledger_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-ledger/ledger"
)

func TestLocks_SerializesSameMembership(t *testing.T) {
	locks := ledger.NewLocks()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(ctx, "m1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, locks.Len(), "entries are dropped when unused")
}

func TestLocks_DifferentMembershipsIndependent(t *testing.T) {
	locks := ledger.NewLocks()
	ctx := context.Background()

	r1, err := locks.Acquire(ctx, "m1")
	require.NoError(t, err)
	defer r1()

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	r2, err := locks.Acquire(ctx2, "m2")
	require.NoError(t, err)
	r2()
}

func TestLocks_AcquireHonorsContext(t *testing.T) {
	locks := ledger.NewLocks()

	release, err := locks.Acquire(context.Background(), "m1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "m1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	assert.Equal(t, 0, locks.Len())
}
