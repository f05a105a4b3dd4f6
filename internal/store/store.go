// Package store is the host-side state container the orchestration core runs inside.
//
// Dispatch is the single serialized path for state changes: reducers run one intent at
// a time, the new snapshot is published, then listeners are notified in dispatch order.
package store

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/danmuck/intentflow/internal/intent"
	"github.com/danmuck/intentflow/internal/progress"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSliceExists  = errors.New("store: slice already registered")
	ErrInvalidSlice = errors.New("store: invalid slice")
)

// State is an immutable point-in-time snapshot.
type State struct {
	Progress progress.Ledger
	Slices   map[string]any
}

// Slice returns the value of a named reducer slice.
func (s State) Slice(name string) (any, bool) {
	v, ok := s.Slices[name]
	return v, ok
}

// Reducer folds one intent into a slice value. It must not mutate prev.
type Reducer func(prev any, in intent.Intent) (any, error)

// Listener observes every applied intent with the state it produced.
// Listeners run on the dispatch path and must not block or call Dispatch.
type Listener func(in intent.Intent, state State)

type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

type Store struct {
	dispatchMu sync.Mutex
	reducers   map[string]Reducer

	stateMu sync.RWMutex
	state   State

	listenersMu sync.RWMutex
	listeners   map[uint64]Listener
	listenerSeq uint64

	logger zerolog.Logger
}

func New(opts ...Option) *Store {
	s := &Store{
		reducers:  make(map[string]Reducer),
		listeners: make(map[uint64]Listener),
		state: State{
			Progress: progress.Ledger{},
			Slices:   map[string]any{},
		},
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a named slice with its initial value.
func (s *Store) Register(name string, initial any, r Reducer) error {
	key := strings.TrimSpace(name)
	if key == "" || r == nil {
		return fmt.Errorf("%w: name and reducer are required", ErrInvalidSlice)
	}
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if _, ok := s.reducers[key]; ok {
		return fmt.Errorf("%w: %s", ErrSliceExists, key)
	}
	s.reducers[key] = r

	s.stateMu.Lock()
	next := maps.Clone(s.state.Slices)
	next[key] = initial
	s.state.Slices = next
	s.stateMu.Unlock()
	return nil
}

// State returns the latest snapshot.
func (s *Store) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Dispatch applies in to every reducer and notifies listeners.
// On a reducer error the state is left unchanged and listeners are not called.
func (s *Store) Dispatch(in intent.Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	prev := s.State()
	ledger, err := progress.Reduce(prev.Progress, in)
	if err != nil {
		s.logger.Warn().Str("kind", in.Kind).Err(err).Msg("progress reducer rejected intent")
		return err
	}
	values := prev.Slices
	if len(s.reducers) > 0 {
		values = make(map[string]any, len(prev.Slices))
		for name, value := range prev.Slices {
			r, ok := s.reducers[name]
			if !ok {
				values[name] = value
				continue
			}
			next, err := r(value, in)
			if err != nil {
				s.logger.Warn().Str("kind", in.Kind).Str("slice", name).Err(err).Msg("reducer rejected intent")
				return fmt.Errorf("store: slice %s: %w", name, err)
			}
			values[name] = next
		}
	}

	next := State{Progress: ledger, Slices: values}
	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()

	for _, l := range s.snapshotListeners() {
		l(in, next)
	}
	return nil
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.listenersMu.Lock()
	s.listenerSeq++
	id := s.listenerSeq
	s.listeners[id] = l
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

func (s *Store) snapshotListeners() []Listener {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}
