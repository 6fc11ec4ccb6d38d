package scheduler

import (
	"container/heap"
	"sort"
)

// jobHeap orders jobs by (priority, seq). Implements heap.Interface.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, k int) bool {
	if h[i].priority != h[k].priority {
		return h[i].priority < h[k].priority
	}
	return h[i].seq < h[k].seq
}

func (h jobHeap) Swap(i, k int) {
	h[i], h[k] = h[k], h[i]
	h[i].index = i
	h[k].index = k
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// priorityQueue is a jobHeap tagged with the location it represents.
type priorityQueue struct {
	loc  location
	jobs jobHeap
}

func (q *priorityQueue) Len() int { return q.jobs.Len() }

func (q *priorityQueue) push(j *Job) {
	heap.Push(&q.jobs, j)
	j.loc = q.loc
}

func (q *priorityQueue) pop() *Job {
	if q.jobs.Len() == 0 {
		return nil
	}
	j := heap.Pop(&q.jobs).(*Job)
	j.loc = locNone
	return j
}

func (q *priorityQueue) remove(j *Job) bool {
	if j.loc != q.loc || j.index < 0 || j.index >= q.jobs.Len() || q.jobs[j.index] != j {
		return false
	}
	heap.Remove(&q.jobs, j.index)
	j.loc = locNone
	return true
}

// snapshot returns the queued jobs in dispatch order.
func (q *priorityQueue) snapshot() []*Job {
	out := append([]*Job(nil), q.jobs...)
	sort.Slice(out, func(i, k int) bool {
		if out[i].priority != out[k].priority {
			return out[i].priority < out[k].priority
		}
		return out[i].seq < out[k].seq
	})
	return out
}
