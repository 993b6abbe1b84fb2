package lib

import (
	"container/heap"
	"time"
)

type timerKind int

const (
	timerRetransmit timerKind = iota
	timerKeepalive
	timerDelayedAck
	timerTimeWait
	timerConnSignal // SYN / FIN retransmission during open and close
	timerPersist    // zero-window probing
)

// timerEntry is one scheduled deadline. Connections hold only deadline
// values; entries are validated against the connection's current deadline
// when they fire, so cancellation is just overwriting the deadline and
// letting the stale entry pop as a no-op.
type timerEntry struct {
	deadline time.Time
	kind     timerKind
	conn     *Connection
	index    int
}

// timerQueue is a deadline-ordered min-heap scanned by the engine's
// driver loop. One queue serves every connection; no per-connection OS
// timers exist.
type timerQueue struct {
	entries timerHeap
}

func newTimerQueue() *timerQueue {
	return &timerQueue{}
}

func (tq *timerQueue) schedule(conn *Connection, kind timerKind, deadline time.Time) {
	heap.Push(&tq.entries, &timerEntry{
		deadline: deadline,
		kind:     kind,
		conn:     conn,
	})
}

// popDue removes and returns the next entry due at or before now.
func (tq *timerQueue) popDue(now time.Time) *timerEntry {
	if len(tq.entries) == 0 {
		return nil
	}
	if tq.entries[0].deadline.After(now) {
		return nil
	}
	return heap.Pop(&tq.entries).(*timerEntry)
}

// nextDeadline returns the earliest scheduled deadline.
func (tq *timerQueue) nextDeadline() (time.Time, bool) {
	if len(tq.entries) == 0 {
		return time.Time{}, false
	}
	return tq.entries[0].deadline, true
}

func (tq *timerQueue) size() int { return len(tq.entries) }

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	entry := x.(*timerEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}
