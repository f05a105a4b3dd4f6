package intent

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidEvent = errors.New("intent: invalid event")

const (
	SuffixSuccess = "_SUCCESS"
	SuffixError   = "_ERROR"
	SuffixFail    = "_FAIL"
)

// Intent is one typed request flowing through the store intake.
type Intent struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
	// Error is set on failure intents emitted by dispatch tasks.
	Error string `json:"error,omitempty"`
}

func New(kind string, payload any) Intent {
	return Intent{Kind: kind, Payload: payload}
}

// Validate rejects intents without a kind.
func (i Intent) Validate() error {
	if strings.TrimSpace(i.Kind) == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	return nil
}

func (i Intent) String() string {
	if i.Error != "" {
		return fmt.Sprintf("%s(error=%q)", i.Kind, i.Error)
	}
	return i.Kind
}

// SuccessKind is the default follow-up kind for a successful dispatch.
func SuccessKind(kind string) string {
	return kind + SuffixSuccess
}

// ErrorKind is the default follow-up kind for a failed dispatch.
func ErrorKind(kind string) string {
	return kind + SuffixError
}

// AsyncIntent pairs a request with constructors for its outcome intents.
type AsyncIntent struct {
	Intent
}

func Async(kind string, payload any) AsyncIntent {
	return AsyncIntent{Intent: New(kind, payload)}
}

func (a AsyncIntent) OnSuccess(result any) Intent {
	return New(a.Kind+SuffixSuccess, result)
}

func (a AsyncIntent) OnFail(msg string) Intent {
	return Intent{Kind: a.Kind + SuffixFail, Payload: msg, Error: msg}
}
