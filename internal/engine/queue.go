package engine

// opHeap orders ready operations by descending priority, then ascending
// sequence number so equal priorities run in submission (FIFO) order.
// It implements container/heap.Interface.
type opHeap []*operation

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *opHeap) Push(x interface{}) {
	*h = append(*h, x.(*operation))
}

func (h *opHeap) Pop() interface{} {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return op
}
