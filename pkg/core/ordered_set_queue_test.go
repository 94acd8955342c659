package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedSetQueuePutGetOrder(t *testing.T) {
	q := NewOrderedSetQueue[int]()
	q.Put(1)
	q.Put(2)
	q.Put(3)
	assert.Equal(t, 3, q.Len())

	v, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = q.Get()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestOrderedSetQueueDedup(t *testing.T) {
	q := NewOrderedSetQueue[int]()
	q.Put(1)
	q.Put(1)
	q.Put(1)
	assert.Equal(t, 1, q.Len())
}

func TestOrderedSetQueueGetBlocksUntilPut(t *testing.T) {
	q := NewOrderedSetQueue[string]()
	done := make(chan string, 1)
	go func() {
		v, ok := q.Get()
		if !ok {
			done <- ""
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	q.Put("worker-1")

	select {
	case v := <-done:
		assert.Equal(t, "worker-1", v)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Put")
	}
}

func TestOrderedSetQueueCloseUnblocksWaiters(t *testing.T) {
	q := NewOrderedSetQueue[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Get()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Close")
	}
}

func TestOrderedSetQueueGetAfterCloseWithItemsStillDrains(t *testing.T) {
	q := NewOrderedSetQueue[int]()
	q.Put(42)
	q.Close()

	v, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = q.Get()
	assert.False(t, ok)
}
