package future_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SamGoody/require-esm-in-cjs/lib/future"
)

func TestFuture_Resolve(t *testing.T) {
	f := future.New[int]()

	assert.Equal(t, future.Pending, f.State())
	assert.False(t, f.Settled())

	assert.True(t, f.Resolve(42))
	assert.Equal(t, future.Fulfilled, f.State())

	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFuture_Reject(t *testing.T) {
	f := future.New[int]()
	cause := errors.New("not found")

	assert.True(t, f.Reject(cause))
	assert.Equal(t, future.Rejected, f.State())

	v, err := f.Result()
	assert.Equal(t, 0, v)
	assert.ErrorIs(t, err, cause)
}

func TestFuture_SettleOnce(t *testing.T) {
	f := future.New[string]()

	assert.True(t, f.Resolve("first"))
	assert.False(t, f.Resolve("second"))
	assert.False(t, f.Reject(errors.New("late failure")))

	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", v)
	assert.Equal(t, future.Fulfilled, f.State())
}

func TestFuture_ZeroValueDistinctFromPending(t *testing.T) {
	f := future.New[int]()

	_, _, state := f.Peek()
	assert.Equal(t, future.Pending, state)

	assert.True(t, f.Resolve(0))

	v, err, state := f.Peek()
	assert.Equal(t, future.Fulfilled, state)
	assert.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestFuture_EmptyStringValue(t *testing.T) {
	f := future.New[string]()
	f.Resolve("")

	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, "", v)
	assert.Equal(t, future.Fulfilled, f.State())
}

func TestFuture_Wait(t *testing.T) {
	f := future.New[int]()

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.Resolve(7)
	}()

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFuture_WaitContextCancelled(t *testing.T) {
	f := future.New[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The slot itself is untouched by the abandoned wait.
	assert.Equal(t, future.Pending, f.State())
	assert.True(t, f.Resolve(1))
}

func TestFuture_ConcurrentSettlement(t *testing.T) {
	f := future.New[int]()

	const racers = 32
	var (
		wins  int
		winMu sync.Mutex
		wg    sync.WaitGroup
	)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var won bool
			if n%2 == 0 {
				won = f.Resolve(n)
			} else {
				won = f.Reject(errors.New("race"))
			}
			if won {
				winMu.Lock()
				wins++
				winMu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.True(t, f.Settled())
}

func TestFuture_DoneClosesOnSettle(t *testing.T) {
	f := future.New[int]()

	select {
	case <-f.Done():
		t.Fatal("done channel closed before settlement")
	default:
	}

	f.Resolve(1)

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed after settlement")
	}
}
