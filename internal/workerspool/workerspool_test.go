package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunAll(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New().SetMaxParallelism(parallelism)
		var count, maxSeen, running atomic.Int32
		results := make([]int, 10)
		err := pool.RunAll(len(results), func(i int) error {
			current := running.Add(1)
			defer running.Add(-1)
			for {
				prev := maxSeen.Load()
				if current <= prev || maxSeen.CompareAndSwap(prev, current) {
					break
				}
			}
			count.Add(1)
			results[i] = i * i
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(10), count.Load())
		for i, v := range results {
			assert.Equal(t, i*i, v)
		}
		if parallelism > 0 {
			assert.LessOrEqual(t, int(maxSeen.Load()), parallelism)
		}
	}
}

func TestPool_RunAllErrors(t *testing.T) {
	pool := New().SetMaxParallelism(2)
	var count atomic.Int32
	err := pool.RunAll(5, func(i int) error {
		count.Add(1)
		switch i {
		case 1:
			return errors.New("first")
		case 3:
			panic("boom")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, "first", err.Error())
	assert.Equal(t, int32(5), count.Load())

	err = pool.RunAll(2, func(i int) error {
		if i == 1 {
			panic("boom")
		}
		return nil
	})
	require.ErrorContains(t, err, "boom")
}
