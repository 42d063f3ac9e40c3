package crashstore

import "container/heap"

// shardHead is the next unconsumed row of one shard cursor.
type shardHead struct {
	row   *Row
	shard int
}

func (h *shardHead) less(o *shardHead) bool {
	a, b := Unsalted(h.row.Key), Unsalted(o.row.Key)
	if a != b {
		return a < b
	}
	return h.shard < o.shard
}

// headHeap keeps shard heads ordered by unsalted row key.
type headHeap []*shardHead

var _ heap.Interface = &headHeap{}

// Implements sort.Interface.
func (h headHeap) Len() int           { return len(h) }
func (h headHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h headHeap) Less(i, j int) bool { return h[i].less(h[j]) }

// Implements heap.Interface.
func (h *headHeap) Push(itm interface{}) { *h = append(*h, itm.(*shardHead)) }
func (h *headHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// PushHead pushes a head into the heap.
func (h *headHeap) PushHead(head *shardHead) { heap.Push(h, head) }

// Top returns the smallest head without removing it.
func (h headHeap) Top() *shardHead { return h[0] }

// ReplaceTop swaps in the next row of the top shard.
func (h *headHeap) ReplaceTop(row *Row) {
	(*h)[0].row = row
	heap.Fix(h, 0)
}

// DropTop removes the smallest head.
func (h *headHeap) DropTop() { heap.Remove(h, 0) }
