// Package registry holds the curated set of monitored traders as immutable,
// versioned snapshots that are swapped atomically on reload.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Snapshot is one published version of the roster. It is never mutated after
// Publish returns it.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	digest   string
	entries  map[domain.Address]domain.RosterEntry
	sorted   []domain.Address
}

func newSnapshot(version uint64, loadedAt time.Time, digest string, entries []domain.RosterEntry) *Snapshot {
	s := &Snapshot{
		version:  version,
		loadedAt: loadedAt,
		digest:   digest,
		entries:  make(map[domain.Address]domain.RosterEntry, len(entries)),
		sorted:   make([]domain.Address, 0, len(entries)),
	}
	for _, e := range entries {
		s.entries[e.Address] = e
		s.sorted = append(s.sorted, e.Address)
	}
	sort.Slice(s.sorted, func(i, j int) bool { return s.sorted[i] < s.sorted[j] })
	return s
}

// Version increases by one with every publish.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is when the snapshot was published.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Digest identifies the source content the snapshot was built from.
func (s *Snapshot) Digest() string { return s.digest }

// Len is the number of entries, excluded ones included.
func (s *Snapshot) Len() int { return len(s.sorted) }

// Lookup returns the entry for addr.
func (s *Snapshot) Lookup(addr domain.Address) (domain.RosterEntry, bool) {
	e, ok := s.entries[addr]
	return e, ok
}

// Addresses returns every address in ascending order.
func (s *Snapshot) Addresses() []domain.Address {
	out := make([]domain.Address, len(s.sorted))
	copy(out, s.sorted)
	return out
}

// Active returns the included addresses in ascending order.
func (s *Snapshot) Active() []domain.Address {
	out := make([]domain.Address, 0, len(s.sorted))
	for _, a := range s.sorted {
		if !s.entries[a].Excluded() {
			out = append(out, a)
		}
	}
	return out
}

// Entries returns every entry in address order.
func (s *Snapshot) Entries() []domain.RosterEntry {
	out := make([]domain.RosterEntry, 0, len(s.sorted))
	for _, a := range s.sorted {
		out = append(out, s.entries[a])
	}
	return out
}

// Registry publishes roster snapshots. Readers call Current and keep the
// pointer for as long as they need a consistent view.
type Registry struct {
	current atomic.Pointer[Snapshot]
	now     func() time.Time

	mu   sync.Mutex
	subs []chan *Snapshot
}

// New creates a registry holding an empty version-0 snapshot.
func New() *Registry {
	r := &Registry{now: time.Now}
	r.current.Store(newSnapshot(0, time.Time{}, "", nil))
	return r
}

// Current returns the latest published snapshot.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Publish installs entries as the next version and notifies subscribers.
// Entries must already be validated.
func (r *Registry) Publish(entries []domain.RosterEntry, digest string) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := newSnapshot(r.current.Load().version+1, r.now(), digest, entries)
	r.current.Store(next)

	for _, ch := range r.subs {
		// Coalesce: a slow subscriber only ever sees the newest snapshot.
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return next
}

// Subscribe returns a channel that receives every newly published snapshot.
// Unread snapshots are replaced by newer ones.
func (r *Registry) Subscribe() <-chan *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan *Snapshot, 1)
	r.subs = append(r.subs, ch)
	return ch
}
