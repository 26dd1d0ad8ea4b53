package training

import "sync"

// History is a fixed-capacity FIFO of training pairs. Once full, every Add
// evicts the oldest entries. It is safe for concurrent use.
type History struct {
	mu    sync.Mutex
	buf   []Pair
	start int
	n     int
}

// NewHistory creates a history holding at most capacity pairs. Capacities
// below one are raised to one.
func NewHistory(capacity int) *History {
	return &History{buf: make([]Pair, max(capacity, 1))}
}

// Add appends pairs in order, evicting the oldest entries when full.
func (h *History) Add(pairs ...Pair) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range pairs {
		h.push(p)
	}
}

func (h *History) push(p Pair) {
	c := len(h.buf)
	if h.n < c {
		h.buf[(h.start+h.n)%c] = p
		h.n++
		return
	}
	h.buf[h.start] = p
	h.start = (h.start + 1) % c
}

// Len returns the number of stored pairs.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// Cap returns the capacity.
func (h *History) Cap() int { return len(h.buf) }

// Recent returns up to n of the newest pairs, oldest first.
func (h *History) Recent(n int) []Pair {
	h.mu.Lock()
	defer h.mu.Unlock()
	n = min(max(n, 0), h.n)
	out := make([]Pair, n)
	c := len(h.buf)
	offset := h.n - n
	for i := range out {
		out[i] = h.buf[(h.start+offset+i)%c]
	}
	return out
}

// All returns every stored pair, oldest first.
func (h *History) All() []Pair {
	return h.Recent(h.Cap())
}

// Reset drops every stored pair.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.buf)
	h.start, h.n = 0, 0
}

// Backfill pads every pair whose vectors are shorter than width with the
// matching trailing entries of defaults. It returns how many pairs changed.
func (h *History) Backfill(width int, defaults []float64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	changed := 0
	c := len(h.buf)
	for i := 0; i < h.n; i++ {
		idx := (h.start + i) % c
		p := h.buf[idx]
		if len(p.positive) >= width && len(p.negative) >= width {
			continue
		}
		h.buf[idx] = p.extended(width, defaults)
		changed++
	}
	return changed
}
