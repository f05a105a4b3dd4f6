// Package scheduler routes applied intents to dispatch rules and supervised channels.
//
// The scheduler listens to a store. Every applied intent is queued without blocking
// the store, then handled in order by a single loop goroutine: a rule's kind starts a
// dispatch task, a channel's start kind (re)binds its stream, and a channel's stop kind
// closes it. Processors run on their own goroutines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/intentflow/internal/dispatch"
	"github.com/danmuck/intentflow/internal/intent"
	"github.com/danmuck/intentflow/internal/observability"
	"github.com/danmuck/intentflow/internal/store"
	"github.com/danmuck/intentflow/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicate = errors.New("scheduler: kind already registered")
	ErrClosed    = errors.New("scheduler: closed")
	ErrRunning   = errors.New("scheduler: already running")
)

const defaultQueueSize = 256

type Option func(*Scheduler)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithQueueSize sets the backlog above which the loop logs that it is falling behind.
// The queue itself is unbounded so the store never blocks on the scheduler.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

type route struct {
	rule    *dispatch.Rule
	channel *supervisor.Channel
	stop    bool
}

type Scheduler struct {
	store     *store.Store
	logger    zerolog.Logger
	queueSize int

	ctx    context.Context
	cancel context.CancelFunc
	sup    *supervisor.Supervisor

	mu      sync.Mutex
	routes  map[string]route
	tasks   map[string]*dispatch.Task
	latest  map[string]*dispatch.Task
	running bool
	closed  bool
	wg      sync.WaitGroup

	qmu         sync.Mutex
	queue       []intent.Intent
	pending     chan struct{}
	warned      bool
	unsubscribe func()
}

// New returns a scheduler attached to st. Intents applied before Run starts are
// queued and handled once it does.
func New(st *store.Store, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:     st,
		logger:    log.Logger,
		queueSize: defaultQueueSize,
		ctx:       ctx,
		cancel:    cancel,
		routes:    make(map[string]route),
		tasks:     make(map[string]*dispatch.Task),
		latest:    make(map[string]*dispatch.Task),
		pending:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "scheduler").Logger()
	s.sup = supervisor.New(ctx, st, supervisor.WithLogger(s.logger))
	s.unsubscribe = st.Subscribe(s.enqueue)
	return s
}

// Handle registers rule after applying its defaults.
func (s *Scheduler) Handle(rule dispatch.Rule) error {
	rule = rule.WithDefaults()
	if err := rule.Validate(); err != nil {
		return err
	}
	if intent.IsProgress(rule.Kind) {
		return fmt.Errorf("%w: %s is reserved for progress transitions", dispatch.ErrConfiguration, rule.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.routes[rule.Kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rule.Kind)
	}
	s.routes[rule.Kind] = route{rule: &rule}
	s.logger.Debug().Str("kind", rule.Kind).Str("policy", rule.Policy.String()).Msg("rule registered")
	return nil
}

// HandleLatest registers an exclusive rule: a new intent cancels the running task.
// Empty follow-up kinds take their defaults.
func (s *Scheduler) HandleLatest(kind string, p dispatch.Processor, successKind, failureKind string) error {
	return s.Handle(dispatch.Rule{Kind: kind, Processor: p, SuccessKind: successKind, FailureKind: failureKind, Policy: dispatch.Latest})
}

// HandleEvery registers a concurrent rule: every intent gets its own task.
func (s *Scheduler) HandleEvery(kind string, p dispatch.Processor, successKind, failureKind string) error {
	return s.Handle(dispatch.Rule{Kind: kind, Processor: p, SuccessKind: successKind, FailureKind: failureKind, Policy: dispatch.Every})
}

// Supervise registers a subscription channel.
func (s *Scheduler) Supervise(ch supervisor.Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, kind := range ch.Key.Kinds() {
		if intent.IsProgress(kind) {
			return fmt.Errorf("%w: %s is reserved for progress transitions", supervisor.ErrInvalidChannel, kind)
		}
		if _, ok := s.routes[kind]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, kind)
		}
	}
	s.routes[ch.Key.Start] = route{channel: &ch}
	if ch.Key.Stop != "" {
		s.routes[ch.Key.Stop] = route{channel: &ch, stop: true}
	}
	s.logger.Debug().Str("channel", ch.Key.String()).Msg("channel registered")
	return nil
}

// Dispatch applies in to the store the scheduler listens to.
func (s *Scheduler) Dispatch(in intent.Intent) error {
	return s.store.Dispatch(in)
}

// State returns the current store snapshot.
func (s *Scheduler) State() store.State {
	return s.store.State()
}

// Run handles queued intents until ctx is canceled, then cancels every running task,
// closes every stream and waits for them.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.running:
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info().Msg("scheduler started")
	defer s.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.pending:
		}
		for _, in := range s.drain() {
			if ctx.Err() != nil {
				return nil
			}
			s.handle(in)
		}
	}
}

func (s *Scheduler) enqueue(in intent.Intent, _ store.State) {
	if intent.IsProgress(in.Kind) {
		return
	}
	s.qmu.Lock()
	s.queue = append(s.queue, in)
	backlog := len(s.queue)
	warn := backlog > s.queueSize && !s.warned
	if warn {
		s.warned = true
	}
	s.qmu.Unlock()
	observability.SetSchedulerBacklog(backlog)
	if warn {
		s.logger.Warn().Int("backlog", backlog).Int("queue_size", s.queueSize).Msg("scheduler falling behind")
	}

	select {
	case s.pending <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drain() []intent.Intent {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	out := s.queue
	s.queue = nil
	s.warned = false
	observability.SetSchedulerBacklog(0)
	return out
}

func (s *Scheduler) handle(in intent.Intent) {
	s.mu.Lock()
	r, ok := s.routes[in.Kind]
	s.mu.Unlock()
	if !ok {
		return
	}
	switch {
	case r.rule != nil:
		s.startTask(*r.rule, in)
	case r.stop:
		if s.sup.Stop(r.channel.Key) {
			s.logger.Debug().Str("channel", r.channel.Key.String()).Msg("stream stopped")
		}
	default:
		if err := s.sup.Start(*r.channel, in); err != nil && !errors.Is(err, supervisor.ErrClosed) {
			s.logger.Warn().Err(err).Str("channel", r.channel.Key.String()).Msg("stream start failed")
		}
	}
}

func (s *Scheduler) startTask(rule dispatch.Rule, in intent.Intent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	task := dispatch.NewTask(s.ctx, rule, in, dispatch.WithLogger(s.logger))
	s.tasks[task.ID] = task
	var prev *dispatch.Task
	if rule.Policy == dispatch.Latest {
		prev = s.latest[rule.Kind]
		s.latest[rule.Kind] = task
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if prev != nil {
		prev.Cancel()
		s.logger.Debug().Str("kind", rule.Kind).Str("task_id", prev.ID).Msg("superseded running task")
	}

	state, err := task.Begin(s.store)
	if errors.Is(err, dispatch.ErrCanceled) {
		s.forget(task)
		return
	}
	go func() {
		defer s.forget(task)
		var result any
		if err == nil {
			result, err = task.Execute(state)
		}
		_ = task.Finish(s.store, result, err)
	}()
}

func (s *Scheduler) forget(task *dispatch.Task) {
	task.Cancel()
	s.mu.Lock()
	delete(s.tasks, task.ID)
	if s.latest[task.Rule.Kind] == task {
		delete(s.latest, task.Rule.Kind)
	}
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Scheduler) shutdown() {
	s.unsubscribe()

	s.mu.Lock()
	s.closed = true
	tasks := make([]*dispatch.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	for _, task := range tasks {
		task.Cancel()
	}
	s.cancel()
	s.sup.Close()
	s.wg.Wait()
	s.drain()
	s.logger.Info().Int("canceled_tasks", len(tasks)).Msg("scheduler stopped")
}

// Inflight lists running tasks grouped by kind, each group ordered by start time.
func (s *Scheduler) Inflight() map[string][]dispatch.Info {
	s.mu.Lock()
	tasks := make([]*dispatch.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	out := make(map[string][]dispatch.Info)
	for _, task := range tasks {
		info := task.Info()
		out[info.Kind] = append(out[info.Kind], info)
	}
	for kind := range out {
		infos := out[kind]
		sort.Slice(infos, func(i, j int) bool {
			return infos[i].StartedAt.Before(infos[j].StartedAt)
		})
	}
	return out
}

// Streams lists live supervised streams.
func (s *Scheduler) Streams() []supervisor.StreamInfo {
	return s.sup.Active()
}
