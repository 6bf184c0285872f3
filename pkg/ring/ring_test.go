package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediadriver/errors"
)

func TestQueue_OfferPoll(t *testing.T) {
	q := New[int](4)

	require.NoError(t, q.Offer(1))
	require.NoError(t, q.Offer(2))
	assert.Equal(t, 2, q.Size())

	v, ok := q.Poll()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = q.Poll()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = q.Poll()
	assert.False(t, ok)
}

func TestQueue_FullReturnsBackpressure(t *testing.T) {
	q := New[int](2)

	require.NoError(t, q.Offer(1))
	require.NoError(t, q.Offer(2))

	err := q.Offer(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCommandQueueFull)

	// Space frees after a poll.
	_, ok := q.Poll()
	require.True(t, ok)
	assert.NoError(t, q.Offer(3))
}

func TestQueue_CapacityRoundsUp(t *testing.T) {
	assert.Equal(t, 8, New[int](5).Capacity())
	assert.Equal(t, 1, New[int](0).Capacity())
	assert.Equal(t, 16, New[int](16).Capacity())
}

func TestQueue_Drain(t *testing.T) {
	q := New[int](8)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Offer(i))
	}

	var got []int
	n := q.Drain(3, func(v int) { got = append(got, v) })
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{0, 1, 2}, got)

	n = q.Drain(0, func(v int) { got = append(got, v) })
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

// One producer goroutine, one consumer goroutine, every value delivered
// exactly once and in order.
func TestQueue_SPSCOrdering(t *testing.T) {
	const count = 100_000
	q := New[int](1024)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			for q.Offer(i) != nil {
				// spin until space
			}
		}
	}()

	next := 0
	for next < count {
		v, ok := q.Poll()
		if !ok {
			continue
		}
		require.Equal(t, next, v)
		next++
	}

	wg.Wait()
	assert.Equal(t, 0, q.Size())
}
