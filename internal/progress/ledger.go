// Package progress tracks in-flight, completed, and failed status per operation kind.
//
// A Ledger is a value: transitions return a new ledger and never mutate their input.
// A nil Ledger means the ledger was never initialized; a kind missing from a non-nil
// Ledger means that operation never started or was reset.
package progress

import (
	"fmt"
	"maps"
	"strings"

	"github.com/danmuck/intentflow/internal/intent"
)

var ErrInvalidEvent = intent.ErrInvalidEvent

// Progress is the status of one operation kind.
type Progress struct {
	InProgress bool    `json:"in_progress"`
	Error      *string `json:"error,omitempty"`
}

// Failed reports whether the last run recorded an error.
func (p Progress) Failed() bool {
	return p.Error != nil
}

// ErrorMessage returns the recorded error or "".
func (p Progress) ErrorMessage() string {
	if p.Error == nil {
		return ""
	}
	return *p.Error
}

// Ledger maps operation kind to its progress.
type Ledger map[string]Progress

// Start marks kind in progress and clears any previous error.
func Start(l Ledger, kind string) (Ledger, error) {
	return set(l, kind, Progress{InProgress: true})
}

// End marks kind finished without error.
func End(l Ledger, kind string) (Ledger, error) {
	return set(l, kind, Progress{})
}

// Fail marks kind finished with msg.
func Fail(l Ledger, kind, msg string) (Ledger, error) {
	return set(l, kind, Progress{Error: &msg})
}

// Reset removes kind so it reads as never started.
func Reset(l Ledger, kind string) (Ledger, error) {
	if err := checkKind(kind); err != nil {
		return l, err
	}
	out := l.Clone()
	delete(out, kind)
	return out, nil
}

// Clone returns a copy that is always non-nil.
func (l Ledger) Clone() Ledger {
	out := make(Ledger, len(l)+1)
	maps.Copy(out, l)
	return out
}

func set(l Ledger, kind string, p Progress) (Ledger, error) {
	if err := checkKind(kind); err != nil {
		return l, err
	}
	out := l.Clone()
	out[kind] = p
	return out, nil
}

func checkKind(kind string) error {
	if strings.TrimSpace(kind) == "" {
		return fmt.Errorf("%w: missing operation kind", ErrInvalidEvent)
	}
	return nil
}
