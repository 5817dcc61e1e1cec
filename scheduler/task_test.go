package scheduler

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskHeapOrdersByPriorityThenExpiry(t *testing.T) {
	now := time.Now()
	var h taskHeap
	heap.Init(&h)

	heap.Push(&h, NewTask("normal-soon", []string{"a.example"}, now.Add(1*time.Hour), PriorityNormal))
	heap.Push(&h, NewTask("urgent-far", []string{"b.example"}, now.Add(72*time.Hour), PriorityUrgent))
	heap.Push(&h, NewTask("low", []string{"c.example"}, now.Add(2*time.Hour), PriorityLow))
	heap.Push(&h, NewTask("high", []string{"d.example"}, now.Add(3*time.Hour), PriorityHigh))

	var order []string
	for h.Len() > 0 {
		task := heap.Pop(&h).(*RenewalTask)
		order = append(order, task.ID)
	}
	require.Equal(t, []string{"urgent-far", "high", "normal-soon", "low"}, order,
		"priority must be the primary sort key, regardless of expiry")
}

func TestTaskHeapBreaksTiesByExpiry(t *testing.T) {
	now := time.Now()
	var h taskHeap
	heap.Init(&h)

	heap.Push(&h, NewTask("later", []string{"a.example"}, now.Add(72*time.Hour), PriorityNormal))
	heap.Push(&h, NewTask("sooner", []string{"b.example"}, now.Add(1*time.Hour), PriorityNormal))

	first := heap.Pop(&h).(*RenewalTask)
	require.Equal(t, "sooner", first.ID, "equal priority must fall back to soonest expiry")
}

func TestPriorityString(t *testing.T) {
	require.Equal(t, "low", PriorityLow.String())
	require.Equal(t, "normal", PriorityNormal.String())
	require.Equal(t, "high", PriorityHigh.String())
	require.Equal(t, "urgent", PriorityUrgent.String())
}
