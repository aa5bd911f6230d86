package queue

import (
	"container/heap"
	"time"
)

// entry is a waiting job or a task keyed by its due time
type entry struct {
	due  time.Time
	seq  uint64
	job  *Job
	task *Task
}

func (e *entry) campaignID() string {
	if e.job != nil {
		return e.job.CampaignID
	}
	return e.task.CampaignID
}

// waitHeap orders entries by due time, then insertion order
type waitHeap []*entry

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}

func (h waitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (h waitHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// readyHeap orders eligible jobs by priority (highest first), then
// NotBefore, then insertion order
type readyHeap []*Job

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	return a.seq < b.seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

func (h readyHeap) peek() *Job {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// removeJobs drops the jobs matching fn and restores heap order
func (h *readyHeap) removeJobs(fn func(*Job) bool) []*Job {
	var removed []*Job
	kept := (*h)[:0]
	for _, j := range *h {
		if fn(j) {
			removed = append(removed, j)
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(*h); i++ {
		(*h)[i] = nil
	}
	*h = kept
	heap.Init(h)
	return removed
}

// removeEntries drops the entries matching fn and restores heap order
func (h *waitHeap) removeEntries(fn func(*entry) bool) []*entry {
	var removed []*entry
	kept := (*h)[:0]
	for _, e := range *h {
		if fn(e) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(*h); i++ {
		(*h)[i] = nil
	}
	*h = kept
	heap.Init(h)
	return removed
}
