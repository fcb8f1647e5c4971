package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscuratun/tunnelcore/internal/backoff"
)

func TestSchedule_TenAttemptTrace(t *testing.T) {
	sched := backoff.Schedule{Base: time.Second, Max: 60 * time.Second}
	it := sched.Iterator(10)

	d, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	prevUpper := time.Second
	for i := 1; i <= 6; i++ {
		d, ok := it.Next()
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, prevUpper/2)
		assert.LessOrEqual(t, d, prevUpper)
		prevUpper *= 2
		if prevUpper > sched.Max {
			prevUpper = sched.Max
		}
	}

	for i := 7; i <= 9; i++ {
		d, ok := it.Next()
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, 30*time.Second)
		assert.LessOrEqual(t, d, 60*time.Second)
	}

	_, ok = it.Next()
	assert.False(t, ok)
}

func TestSchedule_ZeroFirstWait(t *testing.T) {
	it := backoff.Background.Iterator(1)
	d, ok := it.Next()
	require.True(t, ok)
	assert.Zero(t, d)
}

func TestSchedule_BoundsForAllAttempts(t *testing.T) {
	sched := backoff.Schedule{Base: 100 * time.Millisecond, Max: time.Second}
	for trial := 0; trial < 50; trial++ {
		it := sched.Iterator(20)
		prev := time.Duration(0)
		for i := 0; ; i++ {
			d, ok := it.Next()
			if !ok {
				break
			}
			if i == 0 {
				assert.Zero(t, d)
				prev = sched.Base
				continue
			}
			assert.GreaterOrEqual(t, d, prev/2)
			assert.LessOrEqual(t, d, prev)
			prev *= 2
			if prev > sched.Max {
				prev = sched.Max
			}
		}
	}
}
