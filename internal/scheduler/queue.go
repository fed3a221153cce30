package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
)

type outcome struct {
	result *fetch.Result
	err    error
}

// entry is one queued request. It is completed exactly once through done.
type entry struct {
	ctx      context.Context
	url      string
	site     string
	priority int
	seq      uint64
	opts     fetch.Options
	enqueued time.Time

	index      int // heap position; -1 once removed
	dispatched atomic.Bool
	done       chan outcome
}

// entryHeap orders by priority (lower first), then enqueue sequence.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
