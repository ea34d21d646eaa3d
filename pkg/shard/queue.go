package shard

import "sync"

// Queue hands shards to whichever caller asks next. It never blocks: an empty
// result means no work right now, and the coordinator alone decides whether more
// work can ever arrive.
type Queue struct {
	mu      sync.Mutex
	pending []Shard
}

func NewQueue(shards []Shard) *Queue {
	q := &Queue{}
	q.EnqueueAll(shards)

	return q
}

func (q *Queue) EnqueueAll(shards []Shard) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, shards...)
}

// Requeue puts a dispatched shard back at the tail.
func (q *Queue) Requeue(s Shard) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, s)
}

// TryDequeue removes and returns the head shard. Each shard is returned to
// exactly one caller.
func (q *Queue) TryDequeue() (Shard, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Shard{}, false
	}
	s := q.pending[0]
	q.pending[0] = Shard{}
	q.pending = q.pending[1:]

	return s, true
}

func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}
