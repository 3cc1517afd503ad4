package queue

import (
	"container/heap"
	"time"
)

// EventType is the kind of file change an event carries
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Priority orders events; higher runs first
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Urgent
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Urgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Event is a file change to apply for one tenant
type Event struct {
	ID       string
	Type     EventType
	TenantID string
	Folder   string
	Path     string // logical path
	AbsPath  string
}

// Key identifies events that describe the same change
func (e Event) Key() string {
	return string(e.Type) + "|" + e.TenantID + "|" + e.Path
}

// PrioritizedEvent is an Event waiting in the queue
type PrioritizedEvent struct {
	Event
	Priority   Priority
	EnqueuedAt time.Time
	Attempts   int

	seq   uint64
	index int
}

// eventHeap orders by priority desc, enqueue time asc, sequence asc
type eventHeap []*PrioritizedEvent

var _ heap.Interface = (*eventHeap)(nil)

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	pe := x.(*PrioritizedEvent)
	pe.index = len(*h)
	*h = append(*h, pe)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	pe := old[n-1]
	old[n-1] = nil
	pe.index = -1
	*h = old[:n-1]
	return pe
}
