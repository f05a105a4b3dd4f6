// Package supervisor keeps at most one live update stream per channel.
//
// A start intent for a channel closes the running stream, if any, before the new
// source is bound. A stop intent closes the running stream without starting another.
// Every bound source is closed exactly once, whichever of stop, supersession,
// supervisor shutdown, or the source ending itself comes first.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/intentflow/internal/intent"
	"github.com/danmuck/intentflow/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Intake is where forwarded updates and progress transitions are dispatched.
type Intake interface {
	Dispatch(in intent.Intent) error
}

// StreamInfo is a read-only view of one live stream.
type StreamInfo struct {
	Channel   string    `json:"channel"`
	StartedAt time.Time `json:"started_at"`
	Updates   uint64    `json:"updates"`
}

type Option func(*Supervisor)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

type Supervisor struct {
	ctx    context.Context
	intake Intake
	logger zerolog.Logger

	mu      sync.Mutex
	streams map[ChannelKey]*stream
	closed  bool
	wg      sync.WaitGroup
}

// New returns a supervisor whose streams are torn down when ctx is canceled.
func New(ctx context.Context, intake Intake, opts ...Option) *Supervisor {
	s := &Supervisor{
		ctx:     ctx,
		intake:  intake,
		logger:  log.Logger,
		streams: make(map[ChannelKey]*stream),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start replaces the running stream for ch with a new one bound to start.Payload.
// The previous source is closed before the binder runs.
func (s *Supervisor) Start(ch Channel, start intent.Intent) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return ErrClosed
	}

	if old, ok := s.streams[ch.Key]; ok {
		delete(s.streams, ch.Key)
		old.shutdown(observability.StreamSuperseded)
		<-old.done
	}

	logger := s.logger.With().Str("channel", ch.Key.String()).Logger()
	st := newStream(s.ctx, ch, s.intake, logger)
	if ch.Progress != "" {
		st.dispatch(intent.StartAction(ch.Progress))
	}

	source, err := s.bind(st, start.Payload)
	if err != nil {
		st.cancel()
		observability.RecordStream(ch.Key.String(), observability.StreamFailed)
		if ch.Progress != "" {
			st.dispatch(intent.FailAction(ch.Progress, err.Error()))
		}
		logger.Warn().Err(err).Msg("source bind failed")
		return err
	}
	st.source = source

	s.streams[ch.Key] = st
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		st.pump()
	}()
	observability.RecordStream(ch.Key.String(), observability.StreamOpened)
	logger.Debug().Msg("stream opened")
	return nil
}

func (s *Supervisor) bind(st *stream, payload any) (src Source, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor: binder for %s panicked: %v", st.channel.Key, r)
		}
	}()
	if payload == nil {
		payload = map[string]any{}
	}
	src, err = st.channel.Binder(st.ctx, st, payload)
	if err != nil {
		return nil, fmt.Errorf("supervisor: bind %s: %w", st.channel.Key, err)
	}
	if src == nil {
		src = SourceFunc(nil)
	}
	return src, nil
}

// Stop closes the running stream for key, if any. It reports whether a stream was live.
func (s *Supervisor) Stop(key ChannelKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return false
	}
	delete(s.streams, key)
	live := !st.isClosed()
	st.shutdown(observability.StreamStopped)
	<-st.done
	return live
}

// Close shuts every stream down and waits for their pumps to exit.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	streams := s.streams
	s.streams = make(map[ChannelKey]*stream)
	s.mu.Unlock()

	for _, st := range streams {
		st.shutdown(observability.StreamShutdown)
	}
	s.wg.Wait()
}

// Active lists live streams ordered by channel.
func (s *Supervisor) Active() []StreamInfo {
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	out := make([]StreamInfo, 0, len(streams))
	for _, st := range streams {
		if st.isClosed() {
			continue
		}
		out = append(out, StreamInfo{
			Channel:   st.channel.Key.String(),
			StartedAt: st.startedAt,
			Updates:   st.updates.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Channel < out[j].Channel
	})
	return out
}
