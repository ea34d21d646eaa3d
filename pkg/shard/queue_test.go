package shard_test

import (
	"sync"
	"testing"

	"github.com/absmach/paramserver/pkg/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeShards(n int) []shard.Shard {
	out := make([]shard.Shard, n)
	for i := range out {
		out[i] = shard.Shard{ID: i}
	}

	return out
}

func TestQueueFIFO(t *testing.T) {
	q := shard.NewQueue(makeShards(3))
	assert.False(t, q.IsEmpty())
	assert.Equal(t, 3, q.Len())

	for want := 0; want < 3; want++ {
		s, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, s.ID)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok)
	assert.True(t, q.IsEmpty())

	q.Requeue(shard.Shard{ID: 7})
	s, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 7, s.ID)
}

func TestQueueEmptyStart(t *testing.T) {
	q := shard.NewQueue(nil)
	assert.True(t, q.IsEmpty())
	_, ok := q.TryDequeue()
	assert.False(t, ok)

	q.EnqueueAll(makeShards(2))
	assert.Equal(t, 2, q.Len())
}

func TestQueueConcurrentDispatchExactlyOnce(t *testing.T) {
	cases := []struct {
		desc      string
		shards    int
		consumers int
	}{
		{desc: "more shards than consumers", shards: 2000, consumers: 16},
		{desc: "more consumers than shards", shards: 5, consumers: 64},
		{desc: "single consumer", shards: 100, consumers: 1},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			q := shard.NewQueue(makeShards(tc.shards))

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				seen = make(map[int]int)
			)
			for c := 0; c < tc.consumers; c++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						s, ok := q.TryDequeue()
						if !ok {
							return
						}
						mu.Lock()
						seen[s.ID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Len(t, seen, tc.shards)
			for id, n := range seen {
				assert.Equal(t, 1, n, "shard %d dispatched %d times", id, n)
			}
			assert.True(t, q.IsEmpty())
		})
	}
}
