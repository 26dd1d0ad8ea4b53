package notify

import (
	"context"
	"sync"
)

// DefaultRecorderSize is the number of notices a Recorder keeps by default.
const DefaultRecorderSize = 100

// Recorder keeps the most recent notices in memory.
type Recorder struct {
	mu      sync.RWMutex
	max     int
	notices []Notice
}

// NewRecorder keeps up to size notices; size <= 0 uses DefaultRecorderSize.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultRecorderSize
	}
	return &Recorder{max: size}
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == r.max {
		copy(r.notices, r.notices[1:])
		r.notices = r.notices[:r.max-1]
	}
	r.notices = append(r.notices, n)
}

// Notices returns recorded notices, oldest first. A non-empty ranker filters
// by ranker name.
func (r *Recorder) Notices(ranker string) []Notice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Notice, 0, len(r.notices))
	for _, n := range r.notices {
		if ranker == "" || n.Ranker == ranker {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of recorded notices.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.notices)
}
