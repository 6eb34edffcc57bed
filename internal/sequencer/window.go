package sequencer

import "time"

// Window is a bounded recency set of fingerprints for one address. It
// forgets entries beyond size, and entries older than age relative to the
// newest observation it holds.
type Window struct {
	size   int
	age    time.Duration
	seen   map[string]time.Time
	ring   []string
	head   int
	newest time.Time
}

// NewWindow creates a window. A non-positive size or age disables that bound.
func NewWindow(size int, age time.Duration) *Window {
	return &Window{
		size: size,
		age:  age,
		seen: make(map[string]time.Time),
	}
}

// Seen reports whether fp is still remembered.
func (w *Window) Seen(fp string) bool {
	_, ok := w.seen[fp]
	return ok
}

// Len is the number of remembered fingerprints.
func (w *Window) Len() int { return len(w.seen) }

// Insert remembers fp observed at t and trims the window.
func (w *Window) Insert(fp string, t time.Time) {
	if _, ok := w.seen[fp]; ok {
		return
	}
	w.seen[fp] = t
	w.ring = append(w.ring, fp)
	if t.After(w.newest) {
		w.newest = t
	}
	w.trim()
}

func (w *Window) trim() {
	for w.head < len(w.ring) {
		fp := w.ring[w.head]
		t := w.seen[fp]
		overCount := w.size > 0 && len(w.seen) > w.size
		overAge := w.age > 0 && w.newest.Sub(t) > w.age
		if !overCount && !overAge {
			break
		}
		delete(w.seen, fp)
		w.ring[w.head] = ""
		w.head++
	}
	// compact once the dead prefix dominates
	if w.head > 64 && w.head*2 > len(w.ring) {
		w.ring = append([]string(nil), w.ring[w.head:]...)
		w.head = 0
	}
}
