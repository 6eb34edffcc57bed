package trader

import (
	"sort"
	"sync"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Book holds the last published snapshot of every trader for readers outside
// the owning partition.
type Book struct {
	states sync.Map // domain.Address -> Snapshot
}

// NewBook creates an empty book.
func NewBook() *Book { return &Book{} }

// Publish replaces the snapshot for s.Address.
func (b *Book) Publish(s Snapshot) { b.states.Store(s.Address, s) }

// Get returns the snapshot for addr.
func (b *Book) Get(addr domain.Address) (Snapshot, bool) {
	v, ok := b.states.Load(addr)
	if !ok {
		return Snapshot{}, false
	}
	return v.(Snapshot), true
}

// Delete drops addr from the book.
func (b *Book) Delete(addr domain.Address) { b.states.Delete(addr) }

// All returns every snapshot ordered by address.
func (b *Book) All() []Snapshot {
	var out []Snapshot
	b.states.Range(func(_, v any) bool {
		out = append(out, v.(Snapshot))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// CountByStatus tallies the book.
func (b *Book) CountByStatus() map[domain.TraderStatus]int {
	out := make(map[domain.TraderStatus]int)
	b.states.Range(func(_, v any) bool {
		out[v.(Snapshot).Status]++
		return true
	})
	return out
}
