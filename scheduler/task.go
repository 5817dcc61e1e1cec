// Package scheduler implements the bounded-concurrency renewal scheduler
// (spec.md section 4.7): a priority queue of RenewalTasks, drained by a
// fixed-size worker pool, with retry/backoff and caller-supplied hooks.
package scheduler

import (
	"container/heap"
	"time"
)

// Priority is the RenewalTask data model's priority field (spec.md section
// 3): an ordered enum, not a raw timestamp, so callers can express how
// urgently a task should be serviced independent of its expiry bookkeeping.
// Grounded on original_source's renewal_scheduler.rs
// (`enum Priority { Low, Normal, High, Urgent }`, ordered by discriminant).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// RenewalTask describes one certificate due for issuance or renewal.
type RenewalTask struct {
	ID       string
	Domains  []string
	NotAfter time.Time
	// Priority is the heap's primary ordering key (spec.md section 4.7:
	// "a max-heap ordered by priority"). NotAfter only breaks ties between
	// tasks of equal priority.
	Priority  Priority
	Attempts  int
	LastError error

	index int // heap bookkeeping, maintained by container/heap
}

// NewTask builds a RenewalTask for domains expiring at notAfter, at the
// given priority.
func NewTask(id string, domains []string, notAfter time.Time, priority Priority) *RenewalTask {
	return &RenewalTask{ID: id, Domains: domains, NotAfter: notAfter, Priority: priority}
}

// taskHeap is a container/heap.Interface max-heap ordered by Priority
// (urgent tasks pop first), with NotAfter as a tie-break between tasks of
// equal priority (the soonest-expiring of two equally-prioritized tasks
// goes first). No pack repo implements a custom priority queue;
// container/heap is the standard, idiomatic way to get one in Go and is a
// handful of methods wrapping a slice, so it is used directly rather than
// reached for through a third-party priority-queue package (none of which
// appear anywhere in the retrieval pack).
type taskHeap []*RenewalTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].NotAfter.Before(h[j].NotAfter)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) {
	t := x.(*RenewalTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

var _ heap.Interface = (*taskHeap)(nil)
