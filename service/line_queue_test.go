package service

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineQueueFIFO(t *testing.T) {
	q := newLineQueue(0)
	for i := 0; i < 5; i++ {
		require.True(t, q.push(fmt.Sprintf("l%d", i)))
	}
	assert.Equal(t, 5, q.len())

	for i := 0; i < 5; i++ {
		line, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("l%d", i), line)
	}
	_, ok := q.pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.len())
}

func TestLineQueueDrainCap(t *testing.T) {
	q := newLineQueue(0)
	for i := 0; i < 10; i++ {
		q.push(fmt.Sprintf("l%d", i))
	}

	first := q.drain(4)
	require.Len(t, first, 4)
	assert.Equal(t, "l0", first[0])
	assert.Equal(t, "l3", first[3])

	rest := q.drain(0) // unlimited
	require.Len(t, rest, 6)
	assert.Equal(t, "l4", rest[0])
	assert.Equal(t, "l9", rest[5])
}

func TestLineQueueBoundDropsInsteadOfBlocking(t *testing.T) {
	q := newLineQueue(3)
	assert.True(t, q.push("a"))
	assert.True(t, q.push("b"))
	assert.True(t, q.push("c"))
	assert.False(t, q.push("d"), "over capacity: dropped, never blocked")
	assert.Equal(t, int64(1), q.droppedCount())
	assert.Equal(t, 3, q.len())

	q.drain(0)
	assert.True(t, q.push("e"), "capacity freed by the consumer")
}

func TestLineQueueConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 500

	q := newLineQueue(0)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.push(fmt.Sprintf("p%d-%d", p, i))
			}
		}(p)
	}
	wg.Wait()

	got := q.drain(0)
	assert.Len(t, got, producers*perProducer, "no pushed line may vanish")

	// Per-producer order must hold even though global interleaving is free.
	lastSeen := make(map[string]int)
	for _, line := range got {
		var p, i int
		_, err := fmt.Sscanf(line, "p%d-%d", &p, &i)
		require.NoError(t, err)
		key := fmt.Sprintf("p%d", p)
		if prev, ok := lastSeen[key]; ok {
			assert.Greater(t, i, prev)
		}
		lastSeen[key] = i
	}
}
