package framebus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packet(payload string) Packet {
	return Packet{Timestamp: time.Now(), Payload: []byte(payload)}
}

func TestDropOldestEvictsSingleOldest(t *testing.T) {
	q := NewQueue(2, DropOldest)
	q.Put(packet("a"))
	q.Put(packet("b"))
	q.Put(packet("c"))

	first, ok := q.Get(time.Second)
	require.True(t, ok)
	assert.Equal(t, "b", string(first.Payload))

	second, ok := q.Get(time.Second)
	require.True(t, ok)
	assert.Equal(t, "c", string(second.Payload))

	assert.Equal(t, uint64(1), q.Dropped())
}

func TestDropOldestKeepsLastKInOrder(t *testing.T) {
	const n, k = 10, 4
	q := NewQueue(k, DropOldest)
	payloads := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8", "p9"}
	for _, p := range payloads {
		q.Put(packet(p))
	}

	assert.Equal(t, uint64(n-k), q.Dropped())
	for _, want := range payloads[n-k:] {
		got, ok := q.Get(time.Second)
		require.True(t, ok)
		assert.Equal(t, want, string(got.Payload))
	}
	assert.Equal(t, 0, q.Len())
}

func TestLastOnlyAlwaysSizeOne(t *testing.T) {
	q := NewQueue(8, LastOnly)
	for i := 0; i < 5; i++ {
		q.Put(packet("frame"))
		assert.Equal(t, 1, q.Len())
	}

	latest, ok := q.PeekLatest()
	require.True(t, ok)
	assert.Equal(t, "frame", string(latest.Payload))
	assert.Equal(t, uint64(4), q.Dropped())
}

func TestGetTimesOutOnEmptyQueue(t *testing.T) {
	q := NewQueue(4, DropOldest)

	start := time.Now()
	_, ok := q.Get(50 * time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestGetWakesOnPut(t *testing.T) {
	q := NewQueue(4, DropOldest)

	done := make(chan Packet, 1)
	go func() {
		p, ok := q.Get(2 * time.Second)
		if ok {
			done <- p
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Put(packet("wake"))

	select {
	case p := <-done:
		assert.Equal(t, "wake", string(p.Payload))
	case <-time.After(time.Second):
		t.Fatal("blocked Get never woke after Put")
	}
}

func TestPeekLatestIsNonDestructive(t *testing.T) {
	q := NewQueue(4, DropOldest)
	q.Put(packet("a"))
	q.Put(packet("b"))

	latest, ok := q.PeekLatest()
	require.True(t, ok)
	assert.Equal(t, "b", string(latest.Payload))
	assert.Equal(t, 2, q.Len())
}

func TestClearMarksStale(t *testing.T) {
	q := NewQueue(4, DropOldest)
	q.Put(packet("a"))
	q.Clear(true)

	assert.Equal(t, 0, q.Len())
	assert.True(t, q.Stale())
	_, ok := q.PeekLatest()
	assert.False(t, ok)
}

func TestConcurrentProducerConsumer(t *testing.T) {
	q := NewQueue(8, DropOldest)
	const total = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			q.Put(packet("x"))
		}
	}()

	received := 0
	for {
		_, ok := q.Get(100 * time.Millisecond)
		if !ok {
			break
		}
		received++
	}
	wg.Wait()

	assert.Equal(t, uint64(total-received), q.Dropped())
}
