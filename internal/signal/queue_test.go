package signal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, q.Push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, time.Second, 5*time.Millisecond)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueueCloseDropsPending(t *testing.T) {
	q := NewQueue()
	block := make(chan struct{})
	ran := make(chan int, 2)

	q.Push(func() { <-block; ran <- 1 })
	q.Push(func() { ran <- 2 })
	q.Close()
	close(block)

	assert.False(t, q.Push(func() {}))
	select {
	case v := <-ran:
		assert.Equal(t, 1, v)
	case <-time.After(time.Second):
	}
	select {
	case <-ran:
		t.Fatal("pending item ran after Close")
	case <-time.After(20 * time.Millisecond):
	}
}
