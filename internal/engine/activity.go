package engine

import "sync"

// activityLog keeps the most recent loop events, oldest evicted first.
type activityLog struct {
	mu      sync.Mutex
	entries []Activity
	max     int
}

func newActivityLog(max int) *activityLog {
	if max <= 0 {
		max = 100
	}
	return &activityLog{entries: make([]Activity, 0, max), max: max}
}

func (a *activityLog) add(e Activity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == a.max {
		copy(a.entries, a.entries[1:])
		a.entries = a.entries[:a.max-1]
	}
	a.entries = append(a.entries, e)
}

// recent returns up to n entries, newest first. n <= 0 returns all.
func (a *activityLog) recent(n int) []Activity {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.entries) {
		n = len(a.entries)
	}
	out := make([]Activity, 0, n)
	for i := len(a.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.entries[i])
	}
	return out
}
