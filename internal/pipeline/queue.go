package pipeline

import (
	"sync"

	"github.com/google/uuid"

	"siphon/internal/storage"
)

// workItem is one post moving through a stage, with a stable id for logs.
type workItem struct {
	ID    string
	Video storage.Video
}

func newWorkItem(video storage.Video) workItem {
	return workItem{ID: uuid.NewString(), Video: video}
}

// fifoQueue is a multi-producer/multi-consumer FIFO. Workers poll it rather
// than block, so there is no condition variable here.
type fifoQueue struct {
	mu    sync.Mutex
	items []workItem
}

func newFifoQueue() *fifoQueue {
	return &fifoQueue{}
}

func (q *fifoQueue) Enqueue(items ...workItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
}

// TryDequeue pops the oldest item, if any.
func (q *fifoQueue) TryDequeue() (workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return workItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *fifoQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
