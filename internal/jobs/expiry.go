package jobs

import "container/heap"

// expiryQueue is a min-heap of records ordered by deadline, then submission
// order. Records without a deadline never enter it. Each record tracks its
// heap position so removal of a job that finished early is O(log n).
type expiryQueue []*Record

func (q expiryQueue) Len() int { return len(q) }

func (q expiryQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q expiryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

// Push is called by heap.Push; use push instead.
func (q *expiryQueue) Push(x any) {
	rec := x.(*Record)
	rec.heapIndex = len(*q)
	*q = append(*q, rec)
}

// Pop is called by heap.Pop/heap.Remove; use pop or remove instead.
func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.heapIndex = -1
	*q = old[:n-1]
	return rec
}

// push inserts rec if it has a deadline and reports whether it became the head.
func (q *expiryQueue) push(rec *Record) bool {
	if !rec.hasDeadline() {
		return false
	}
	heap.Push(q, rec)
	return rec.heapIndex == 0
}

func (q expiryQueue) peek() *Record {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *expiryQueue) pop() *Record {
	if len(*q) == 0 {
		return nil
	}
	return heap.Pop(q).(*Record)
}

func (q *expiryQueue) remove(rec *Record) {
	i := rec.heapIndex
	if i < 0 || i >= len(*q) || (*q)[i] != rec {
		return
	}
	heap.Remove(q, i)
}
