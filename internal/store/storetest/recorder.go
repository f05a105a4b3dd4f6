package storetest

import (
	"sync"
	"time"

	"github.com/danmuck/intentflow/internal/intent"
	"github.com/danmuck/intentflow/internal/progress"
	"github.com/danmuck/intentflow/internal/store"
)

// Entry is one applied intent and the ledger it produced.
type Entry struct {
	Intent intent.Intent
	Ledger progress.Ledger
}

// Recorder records applied intents for tests and diagnostics.
//
// Recorder is safe under concurrent Dispatch calls.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	notify  chan struct{}
}

// Attach subscribes a new Recorder to s.
func Attach(s *store.Store) (*Recorder, func()) {
	r := &Recorder{notify: make(chan struct{}, 1)}
	return r, s.Subscribe(r.Listen)
}

func (r *Recorder) Listen(in intent.Intent, state store.State) {
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Intent: in, Ledger: state.Progress})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Entries returns a snapshot copy of recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]Entry, len(r.entries))
	copy(cp, r.entries)
	return cp
}

// Kinds returns recorded intent kinds in dispatch order.
func (r *Recorder) Kinds() []string {
	entries := r.Entries()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Intent.Kind)
	}
	return out
}

// OfKind returns recorded intents matching kind.
func (r *Recorder) OfKind(kind string) []intent.Intent {
	var out []intent.Intent
	for _, e := range r.Entries() {
		if e.Intent.Kind == kind {
			out = append(out, e.Intent)
		}
	}
	return out
}

// WaitFor blocks until match returns true for the recorded entries or timeout elapses.
func (r *Recorder) WaitFor(timeout time.Duration, match func([]Entry) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if match(r.Entries()) {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return match(r.Entries())
		}
	}
}

// WaitForKind blocks until n intents of kind are recorded.
func (r *Recorder) WaitForKind(kind string, n int, timeout time.Duration) bool {
	return r.WaitFor(timeout, func(entries []Entry) bool {
		count := 0
		for _, e := range entries {
			if e.Intent.Kind == kind {
				count++
			}
		}
		return count >= n
	})
}
