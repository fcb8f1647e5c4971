package watch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscuratun/tunnelcore/internal/watch"
)

func TestValue_GetReturnsInitialAtVersionZero(t *testing.T) {
	v := watch.New(42)
	val, ver := v.Get()
	assert.Equal(t, 42, val)
	assert.Equal(t, uint64(0), ver)
}

func TestValue_WaitChangedReturnsImmediatelyOnStaleVersion(t *testing.T) {
	v := watch.New("a")
	v.Set("b")

	val, ver, err := v.WaitChanged(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "b", val)
	assert.Equal(t, uint64(1), ver)
}

func TestValue_WaitChangedBlocksUntilSet(t *testing.T) {
	v := watch.New(0)
	done := make(chan int, 1)

	go func() {
		val, _, err := v.WaitChanged(context.Background(), 0)
		if err == nil {
			done <- val
		}
	}()

	time.Sleep(20 * time.Millisecond)
	v.Set(7)

	select {
	case val := <-done:
		assert.Equal(t, 7, val)
	case <-time.After(time.Second):
		t.Fatal("WaitChanged never woke up")
	}
}

func TestValue_WaitChangedRespectsContextCancellation(t *testing.T) {
	v := watch.New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := v.WaitChanged(ctx, 0)
	assert.Error(t, err)
}

func TestValue_MultipleWaitersAllWake(t *testing.T) {
	v := watch.New(0)
	const n = 5
	results := make(chan int, n)

	for i := 0; i < n; i++ {
		go func() {
			val, _, err := v.WaitChanged(context.Background(), 0)
			if err == nil {
				results <- val
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	v.Set(99)

	for i := 0; i < n; i++ {
		select {
		case val := <-results:
			assert.Equal(t, 99, val)
		case <-time.After(time.Second):
			t.Fatal("not all waiters woke up")
		}
	}
}
