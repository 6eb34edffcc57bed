package decision

import (
	"sort"
	"sync"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
)

// Portfolio is the set of traders currently being mirrored. It is shared by
// every partition.
type Portfolio struct {
	mu       sync.Mutex
	mirrored map[domain.Address]struct{}
	metrics  *metrics.Registry
}

// NewPortfolio creates an empty portfolio.
func NewPortfolio(m *metrics.Registry) *Portfolio {
	return &Portfolio{mirrored: make(map[domain.Address]struct{}), metrics: m}
}

// View is the decision input for addr.
func (p *Portfolio) View(addr domain.Address) PortfolioView {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.mirrored[addr]
	return PortfolioView{MirroredCount: len(p.mirrored), IsMirrored: ok}
}

// Admit adds addr unless limit traders are already mirrored. Admitting an
// address that is already held always succeeds.
func (p *Portfolio) Admit(addr domain.Address, limit int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mirrored[addr]; ok {
		return true
	}
	if len(p.mirrored) >= limit {
		return false
	}
	p.mirrored[addr] = struct{}{}
	p.metrics.Set(metrics.MirroredTraders, int64(len(p.mirrored)))
	return true
}

// Release frees addr's slot. It reports whether addr was held.
func (p *Portfolio) Release(addr domain.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mirrored[addr]; !ok {
		return false
	}
	delete(p.mirrored, addr)
	p.metrics.Set(metrics.MirroredTraders, int64(len(p.mirrored)))
	return true
}

// Addresses lists the mirrored traders in order.
func (p *Portfolio) Addresses() []domain.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Address, 0, len(p.mirrored))
	for a := range p.mirrored {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
