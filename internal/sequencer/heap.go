package sequencer

import (
	"container/heap"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// reorderHeap orders held observations by observed time, then source
// priority, then fingerprint.
type reorderHeap []domain.TradeObservation

func (h reorderHeap) Len() int { return len(h) }

func (h reorderHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.Before(b.ObservedAt)
	}
	if pa, pb := a.Source.Priority(), b.Source.Priority(); pa != pb {
		return pa < pb
	}
	return a.Fingerprint < b.Fingerprint
}

func (h reorderHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *reorderHeap) Push(x any) { *h = append(*h, x.(domain.TradeObservation)) }

func (h *reorderHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = domain.TradeObservation{}
	*h = old[:n-1]
	return x
}

func (h *reorderHeap) push(obs domain.TradeObservation) { heap.Push(h, obs) }

func (h *reorderHeap) pop() domain.TradeObservation { return heap.Pop(h).(domain.TradeObservation) }

func (h reorderHeap) peek() domain.TradeObservation { return h[0] }
