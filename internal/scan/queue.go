package scan

import (
	"container/heap"

	"shingle/internal/cfg"
	"shingle/internal/image"
)

// Exploration order inside one procedure: local jump targets first, then
// entries, then plain fall-through.
const (
	prioJump = iota
	prioEntry
	prioFall
)

func priority(k cfg.EdgeKind) int {
	switch k {
	case cfg.DirectJump, cfg.IndirectJump:
		return prioJump
	case cfg.FallThrough:
		return prioFall
	}
	return prioEntry
}

type pending struct {
	addr image.Addr
	prio int
	seq  uint64
}

// queue is a min-heap on (prio, seq): FIFO within a priority.
type queue struct {
	items []pending
	seq   uint64
}

func (q *queue) Len() int { return len(q.items) }

func (q *queue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.prio != b.prio {
		return a.prio < b.prio
	}
	return a.seq < b.seq
}

func (q *queue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *queue) Push(x any) { q.items = append(q.items, x.(pending)) }

func (q *queue) Pop() any {
	n := len(q.items)
	it := q.items[n-1]
	q.items = q.items[:n-1]
	return it
}

func (q *queue) push(addr image.Addr, prio int) {
	q.seq++
	heap.Push(q, pending{addr: addr, prio: prio, seq: q.seq})
}

func (q *queue) pop() image.Addr {
	return heap.Pop(q).(pending).addr
}
