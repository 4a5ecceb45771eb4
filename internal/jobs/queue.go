package jobs

import "container/heap"

// pendingQueue orders pending jobs by priority, then by submission order
type pendingQueue []*handler

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *pendingQueue) Push(x interface{}) {
	h := x.(*handler)
	h.heapIndex = len(*q)
	*q = append(*q, h)
}

func (q *pendingQueue) Pop() interface{} {
	old := *q
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	h.heapIndex = -1
	*q = old[:n-1]
	return h
}

func (q *pendingQueue) push(h *handler) {
	heap.Push(q, h)
}

func (q *pendingQueue) pop() *handler {
	return heap.Pop(q).(*handler)
}

func (q *pendingQueue) remove(h *handler) {
	if h.heapIndex >= 0 && h.heapIndex < len(*q) && (*q)[h.heapIndex] == h {
		heap.Remove(q, h.heapIndex)
	}
}

func (q *pendingQueue) fix(h *handler) {
	if h.heapIndex >= 0 && h.heapIndex < len(*q) && (*q)[h.heapIndex] == h {
		heap.Fix(q, h.heapIndex)
	}
}
