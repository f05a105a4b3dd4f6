package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/intentflow/internal/intent"
	"github.com/danmuck/intentflow/internal/store"
)

var (
	ErrConfiguration = errors.New("dispatch: configuration error")
	ErrCanceled      = errors.New("dispatch: task canceled")
)

// Processor performs the asynchronous work for one dispatch.
//
// ctx is canceled when the task is superseded or the scheduler shuts down; a
// canceled task's result is discarded.
type Processor func(ctx context.Context, payload any, state store.State) (any, error)

// Policy selects how concurrent intents of the same kind are scheduled.
type Policy uint8

const (
	// Latest cancels the in-flight task for a kind before starting a new one.
	Latest Policy = iota
	// Every starts an independent task per intent.
	Every
)

func (p Policy) String() string {
	switch p {
	case Latest:
		return "latest"
	case Every:
		return "every"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// Rule binds an operation kind to its processor and follow-up kinds.
type Rule struct {
	Kind        string
	Processor   Processor
	SuccessKind string
	FailureKind string
	Policy      Policy
}

// WithDefaults fills unset follow-up kinds with <KIND>_SUCCESS and <KIND>_ERROR.
func (r Rule) WithDefaults() Rule {
	r.Kind = strings.TrimSpace(r.Kind)
	if strings.TrimSpace(r.SuccessKind) == "" {
		r.SuccessKind = intent.SuccessKind(r.Kind)
	}
	if strings.TrimSpace(r.FailureKind) == "" {
		r.FailureKind = intent.ErrorKind(r.Kind)
	}
	return r
}

// Validate checks a rule at registration time.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Kind) == "" {
		return fmt.Errorf("%w: missing operation kind", ErrConfiguration)
	}
	if r.Processor == nil {
		return missingProcessor(r.Kind)
	}
	if r.Policy != Latest && r.Policy != Every {
		return fmt.Errorf("%w: unknown policy %s for %s", ErrConfiguration, r.Policy, r.Kind)
	}
	if r.SuccessKind == r.Kind || r.FailureKind == r.Kind {
		return fmt.Errorf("%w: follow-up kind for %s re-triggers itself", ErrConfiguration, r.Kind)
	}
	return nil
}

func missingProcessor(kind string) error {
	return fmt.Errorf("%w: no processor function found for %s", ErrConfiguration, kind)
}
