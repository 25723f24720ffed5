// Package audit keeps a bounded in-memory trail of recent relay activity
// for admin views. It is intentionally not persisted; once the cap is
// reached the oldest entries are silently dropped.
package audit

import (
	"sync"
	"time"
)

// DefaultCap is the number of entries retained when no cap is given.
const DefaultCap = 1000

// Entry is one recorded event.
type Entry struct {
	Type    string    `json:"type"`
	Details string    `json:"details"`
	At      time.Time `json:"at"`
}

// Log is a fixed-capacity ring buffer of entries.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewLog creates a log retaining at most capacity entries.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Log{entries: make([]Entry, capacity)}
}

// Record appends an entry, overwriting the oldest one once full.
func (l *Log) Record(eventType, details string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = Entry{Type: eventType, Details: details, At: time.Now().UTC()}
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.entries)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := l.next - i
		if idx < 0 {
			idx += len(l.entries)
		}
		out = append(out, l.entries[idx])
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.full {
		return len(l.entries)
	}
	return l.next
}
