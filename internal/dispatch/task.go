// Package dispatch runs one asynchronous processor per intent with progress tracking.
//
// A Task emits a start transition, takes a state snapshot, runs the processor, then
// emits the optional follow-up intent and an end or fail transition. Once Cancel
// returns, the task emits nothing further.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/intentflow/internal/intent"
	"github.com/danmuck/intentflow/internal/observability"
	"github.com/danmuck/intentflow/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Intake is the store surface a task writes through.
type Intake interface {
	Dispatch(in intent.Intent) error
	State() store.State
}

// Info is a read-only view of a running task.
type Info struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Policy    string    `json:"policy"`
	StartedAt time.Time `json:"started_at"`
}

type Task struct {
	ID      string
	Rule    Rule
	Request intent.Intent

	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes output against Cancel.
	mu       sync.Mutex
	canceled bool

	startedAt time.Time
	logger    zerolog.Logger
}

type TaskOption func(*Task)

func WithLogger(logger zerolog.Logger) TaskOption {
	return func(t *Task) {
		t.logger = logger
	}
}

// NewTask prepares a task for rule. Rule defaults are not applied here; callers pass
// the rule they registered.
func NewTask(parent context.Context, rule Rule, req intent.Intent, opts ...TaskOption) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		ID:      uuid.NewString(),
		Rule:    rule,
		Request: req,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("kind", rule.Kind).Str("task_id", t.ID).Logger()
	return t
}

func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{ID: t.ID, Kind: t.Rule.Kind, Policy: t.Rule.Policy.String(), StartedAt: t.startedAt}
}

// Cancel abandons the task. After Cancel returns no further intent is emitted.
func (t *Task) Cancel() {
	t.cancel()
	t.mu.Lock()
	t.canceled = true
	t.mu.Unlock()
}

// Canceled reports whether the task was canceled directly or through its parent.
func (t *Task) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.liveLocked() != nil
}

func (t *Task) liveLocked() error {
	if t.canceled || t.ctx.Err() != nil {
		return ErrCanceled
	}
	return nil
}

// Begin emits the start transition and returns the snapshot taken after it.
func (t *Task) Begin(in Intake) (store.State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.liveLocked(); err != nil {
		return store.State{}, err
	}
	t.startedAt = time.Now()
	if err := in.Dispatch(intent.StartAction(t.Rule.Kind)); err != nil {
		return store.State{}, fmt.Errorf("dispatch: start %s: %w", t.Rule.Kind, err)
	}
	t.logger.Debug().Msg("dispatch started")
	return in.State(), nil
}

// Execute runs the processor. This is the task's suspension point.
func (t *Task) Execute(state store.State) (result any, err error) {
	if t.Rule.Processor == nil {
		return nil, missingProcessor(t.Rule.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: processor for %s panicked: %v", t.Rule.Kind, r)
		}
	}()
	return t.Rule.Processor(t.ctx, payloadOf(t.Request), state)
}

// Finish applies the outcome unless the task was canceled. It returns ErrCanceled
// when the outcome was discarded.
func (t *Task) Finish(in Intake, result any, runErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.startedAt)
	if err := t.liveLocked(); err != nil {
		observability.RecordDispatch(t.Rule.Kind, observability.OutcomeCanceled, elapsed)
		t.logger.Debug().Msg("dispatch canceled; outcome discarded")
		return err
	}

	if runErr == nil {
		runErr = t.succeedLocked(in, result)
		if runErr == nil {
			observability.RecordDispatch(t.Rule.Kind, observability.OutcomeSuccess, elapsed)
			t.logger.Debug().Dur("duration", elapsed).Msg("dispatch completed")
			return nil
		}
	}

	t.failLocked(in, runErr)
	observability.RecordDispatch(t.Rule.Kind, observability.OutcomeFailure, elapsed)
	t.logger.Warn().Dur("duration", elapsed).Err(runErr).Msg("dispatch failed")
	return runErr
}

// Run executes the whole task: Begin, Execute, Finish.
func (t *Task) Run(in Intake) error {
	defer t.cancel()
	state, err := t.Begin(in)
	if errors.Is(err, ErrCanceled) {
		return err
	}
	var result any
	if err == nil {
		result, err = t.Execute(state)
	}
	return t.Finish(in, result, err)
}

func (t *Task) succeedLocked(in Intake, result any) error {
	if t.Rule.SuccessKind != "" {
		if err := in.Dispatch(intent.New(t.Rule.SuccessKind, result)); err != nil {
			return fmt.Errorf("dispatch: emit %s: %w", t.Rule.SuccessKind, err)
		}
	}
	if err := in.Dispatch(intent.EndAction(t.Rule.Kind)); err != nil {
		return fmt.Errorf("dispatch: end %s: %w", t.Rule.Kind, err)
	}
	return nil
}

func (t *Task) failLocked(in Intake, runErr error) {
	msg := runErr.Error()
	if t.Rule.FailureKind != "" {
		failure := intent.Intent{
			Kind:    t.Rule.FailureKind,
			Payload: map[string]any{"error": msg},
			Error:   msg,
		}
		if err := in.Dispatch(failure); err != nil {
			t.logger.Error().Err(err).Str("failure_kind", t.Rule.FailureKind).Msg("failure intent rejected")
		}
	}
	if err := in.Dispatch(intent.FailAction(t.Rule.Kind, msg)); err != nil {
		t.logger.Error().Err(err).Msg("fail transition rejected")
	}
}

// Run executes one dispatch of rule for req without a scheduler.
func Run(ctx context.Context, in Intake, rule Rule, req intent.Intent, opts ...TaskOption) error {
	return NewTask(ctx, rule, req, opts...).Run(in)
}

// payloadOf normalizes an absent payload to an empty map, matching the intake contract.
func payloadOf(in intent.Intent) any {
	if in.Payload == nil {
		return map[string]any{}
	}
	return in.Payload
}
