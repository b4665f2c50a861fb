package queue

import "github.com/fairyhunter13/ai-answer-grader/internal/domain"

// pendingJob is one heap entry. seq breaks rank ties so jobs within a
// priority tier dispatch FIFO.
type pendingJob struct {
	job  *domain.BatchJob
	rank int
	seq  uint64
}

// jobHeap orders pending jobs by priority rank, then submission order.
type jobHeap []*pendingJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank > h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*pendingJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
