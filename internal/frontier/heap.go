package frontier

import "github.com/JakeFAU/newsfrontier/internal/crawler"

type item struct {
	entry crawler.FrontierEntry
	seq   uint64
}

func (i *item) before(o *item) bool {
	if i.entry.Priority != o.entry.Priority {
		return i.entry.Priority < o.entry.Priority
	}
	return i.seq < o.seq
}

// entryHeap implements heap.Interface: ascending priority, then discovery
// sequence.
type entryHeap []*item

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return h[i].before(h[j]) }

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(*item))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
