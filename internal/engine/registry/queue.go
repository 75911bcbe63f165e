package registry

import "container/heap"

// queuedRun is a run waiting for a worker slot.
type queuedRun struct {
	id       string
	priority int
	seq      int64
	index    int
}

// runQueue orders waiting runs by priority, then submission order.
// It implements heap.Interface; callers go through push/pop.
type runQueue struct {
	items []*queuedRun
	seq   int64
}

func newRunQueue() *runQueue {
	q := &runQueue{}
	heap.Init(q)
	return q
}

func (q *runQueue) push(id string, priority int) {
	q.seq++
	heap.Push(q, &queuedRun{id: id, priority: priority, seq: q.seq})
}

// pop returns the next run id, or false when the queue is empty.
func (q *runQueue) pop() (string, bool) {
	if q.Len() == 0 {
		return "", false
	}
	item := heap.Pop(q).(*queuedRun)
	return item.id, true
}

// remove drops a queued run by id, for cancellation before start.
func (q *runQueue) remove(id string) bool {
	for _, item := range q.items {
		if item.id == id {
			heap.Remove(q, item.index)
			return true
		}
	}
	return false
}

func (q *runQueue) Len() int { return len(q.items) }

func (q *runQueue) Less(i, j int) bool {
	if q.items[i].priority != q.items[j].priority {
		return q.items[i].priority > q.items[j].priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *runQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *runQueue) Push(x any) {
	item := x.(*queuedRun)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *runQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	return item
}
