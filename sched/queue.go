package sched

import (
	"container/heap"

	"smpkern/proc"
)

// runQueue is a FIFO/LIFO hybrid over one MLFQ level: get_next_thread
// takes from the front (oldest-ready-first), try_steal takes from the
// back of a victim's queue to minimize cache thrashing for threads the
// victim is about to run itself.
type runQueue struct {
	items []*proc.Thread
}

func (q *runQueue) empty() bool { return len(q.items) == 0 }

func (q *runQueue) pushBack(t *proc.Thread) {
	q.items = append(q.items, t)
}

func (q *runQueue) popFront() *proc.Thread {
	t := q.items[0]
	q.items = q.items[1:]
	return t
}

func (q *runQueue) popBack() *proc.Thread {
	n := len(q.items) - 1
	t := q.items[n]
	q.items = q.items[:n]
	return t
}

// sleepHeap orders sleeping threads by wake time, breaking ties by
// insertion order so two threads woken on the same tick run in the order
// they fell asleep.
type sleepHeap []*proc.Thread

func (h sleepHeap) Len() int { return len(h) }

func (h sleepHeap) Less(i, j int) bool {
	if h[i].WakeTimeTicks != h[j].WakeTimeTicks {
		return h[i].WakeTimeTicks < h[j].WakeTimeTicks
	}
	return h[i].SeqNum < h[j].SeqNum
}

func (h sleepHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sleepHeap) Push(x any) { *h = append(*h, x.(*proc.Thread)) }

func (h *sleepHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (h *sleepHeap) peek() *proc.Thread {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

var _ heap.Interface = (*sleepHeap)(nil)
