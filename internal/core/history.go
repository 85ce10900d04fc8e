package core

import "sync"

// DefaultHistorySize is the number of run summaries kept in memory.
const DefaultHistorySize = 50

// RunHistory keeps the most recent run summaries.
type RunHistory struct {
	mu   sync.RWMutex
	size int
	runs []RunSummary
}

// NewRunHistory returns a history holding at most size summaries.
func NewRunHistory(size int) *RunHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &RunHistory{size: size}
}

// Add records a finished run, dropping the oldest when full.
func (h *RunHistory) Add(r RunSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs = append(h.runs, r)
	if over := len(h.runs) - h.size; over > 0 {
		h.runs = append(h.runs[:0:0], h.runs[over:]...)
	}
}

// Recent returns up to n summaries, newest first. n <= 0 returns all.
func (h *RunHistory) Recent(n int) []RunSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > len(h.runs) {
		n = len(h.runs)
	}
	out := make([]RunSummary, 0, n)
	for i := len(h.runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.runs[i])
	}
	return out
}

// Last returns the most recent summary.
func (h *RunHistory) Last() (RunSummary, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.runs) == 0 {
		return RunSummary{}, false
	}
	return h.runs[len(h.runs)-1], true
}
