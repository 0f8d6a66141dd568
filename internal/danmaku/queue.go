package danmaku

import (
	"context"
	"sync"
)

// Event is one normalized chat message, immutable after creation and owned
// by the queue until the broadcast side dequeues it.
type Event struct {
	RoomID int64  `json:"room_id"`
	Uname  string `json:"uname"`
	Msg    string `json:"msg"`
	TsMS   int64  `json:"ts_ms"`
	Color  string `json:"color"`
}

// Queue is a fixed-capacity FIFO that drops its oldest entry when full, so
// producers never block and staleness stays bounded. Eviction and insert
// happen under one lock, keeping order intact with producers on many
// goroutines. It is written for a single consumer.
type Queue struct {
	mu    sync.Mutex
	buf   []Event
	head  int
	count int

	wake chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		buf:  make([]Event, capacity),
		wake: make(chan struct{}, 1),
	}
}

// Enqueue inserts e, evicting the oldest entry first when the queue is at
// capacity.
func (q *Queue) Enqueue(e Event) {
	q.mu.Lock()
	if q.count == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.count--
	}
	q.buf[(q.head+q.count)%len(q.buf)] = e
	q.count++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Dequeue removes the oldest event, blocking while the queue is empty.
// Cancellation wins over queued data, so a cancelled consumer never drains
// a leftover backlog.
func (q *Queue) Dequeue(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		q.mu.Lock()
		if q.count > 0 {
			e := q.buf[q.head]
			q.head = (q.head + 1) % len(q.buf)
			q.count--
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// Len reports the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap reports the fixed capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}
