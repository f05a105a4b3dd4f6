package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/intentflow/internal/intent"
	"github.com/danmuck/intentflow/internal/observability"
	"github.com/rs/zerolog"
)

type message struct {
	update any
	end    bool
	err    error
}

// stream is one live subscription. The pump goroutine delivers queued updates in
// order; delivery and close both hold mu, so nothing is delivered after close.
type stream struct {
	channel   Channel
	intake    Intake
	logger    zerolog.Logger
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	reason atomic.Value

	mu        sync.Mutex
	closed    bool
	opened    bool
	source    Source
	closeOnce sync.Once

	qmu     sync.Mutex
	queue   []message
	ended   bool
	pending chan struct{}

	updates atomic.Uint64
	done    chan struct{}
}

func newStream(parent context.Context, ch Channel, intake Intake, logger zerolog.Logger) *stream {
	ctx, cancel := context.WithCancel(parent)
	return &stream{
		channel:   ch,
		intake:    intake,
		logger:    logger,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Emit implements Emitter.
func (st *stream) Emit(update any) bool {
	return st.enqueue(message{update: update})
}

// End implements Emitter.
func (st *stream) End(err error) {
	st.enqueue(message{end: true, err: err})
}

func (st *stream) enqueue(m message) bool {
	if st.ctx.Err() != nil {
		return false
	}
	st.qmu.Lock()
	if st.ended {
		st.qmu.Unlock()
		return false
	}
	if m.end {
		st.ended = true
	}
	st.queue = append(st.queue, m)
	st.qmu.Unlock()

	select {
	case st.pending <- struct{}{}:
	default:
	}
	return true
}

func (st *stream) drain() []message {
	st.qmu.Lock()
	defer st.qmu.Unlock()
	out := st.queue
	st.queue = nil
	return out
}

func (st *stream) pump() {
	defer close(st.done)
	for {
		select {
		case <-st.ctx.Done():
			st.shutdown(st.stopReason())
			return
		case <-st.pending:
		}
		for _, m := range st.drain() {
			if m.end {
				st.finish(m.err)
				return
			}
			if !st.deliver(m.update) {
				st.shutdown(st.stopReason())
				return
			}
		}
	}
}

// stopReason is the reason recorded by an external shutdown, or shutdown when the
// parent context was canceled.
func (st *stream) stopReason() string {
	reason, _ := st.reason.Load().(string)
	if reason == "" {
		return observability.StreamShutdown
	}
	return reason
}

func (st *stream) deliver(update any) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || st.ctx.Err() != nil {
		return false
	}

	err := st.consume(update)
	st.updates.Add(1)
	observability.RecordStreamUpdate(st.channel.Key.String(), err == nil)
	if err != nil {
		st.logger.Warn().Err(err).Msg("update consumer failed; stream kept open")
		if st.channel.Progress != "" {
			st.dispatch(intent.FailAction(st.channel.Progress, err.Error()))
		}
		return true
	}
	if !st.opened {
		st.opened = true
		if st.channel.Progress != "" {
			st.dispatch(intent.EndAction(st.channel.Progress))
		}
	}
	return true
}

func (st *stream) consume(update any) (err error) {
	c := st.channel.Consumer
	if c.kind != "" {
		return st.intake.Dispatch(intent.New(c.kind, update))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor: handler for %s panicked: %v", st.channel.Key, r)
		}
	}()
	return c.handle(st.ctx, update)
}

// finish handles a source that ended itself.
func (st *stream) finish(srcErr error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	reason := observability.StreamEnded
	if srcErr != nil {
		reason = observability.StreamFailed
		st.logger.Warn().Err(srcErr).Msg("source failed")
	}
	if st.channel.Progress != "" {
		switch {
		case srcErr != nil:
			st.dispatch(intent.FailAction(st.channel.Progress, srcErr.Error()))
		case !st.opened:
			st.dispatch(intent.EndAction(st.channel.Progress))
		}
	}
	st.closeLocked(reason)
}

// shutdown tears the stream down for an external trigger. It returns once the
// source has been closed and no delivery is in progress.
func (st *stream) shutdown(reason string) {
	st.reason.CompareAndSwap(nil, reason)
	st.cancel()
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closeLocked(reason)
}

func (st *stream) closeLocked(reason string) {
	st.closed = true
	st.cancel()
	st.qmu.Lock()
	st.ended = true
	st.queue = nil
	st.qmu.Unlock()

	st.closeOnce.Do(func() {
		if st.source == nil {
			return
		}
		if err := st.source.Close(); err != nil {
			st.logger.Warn().Err(err).Msg("source close failed")
		}
	})
	observability.RecordStream(st.channel.Key.String(), reason)
	st.logger.Debug().Str("reason", reason).Uint64("updates", st.updates.Load()).Msg("stream closed")
}

func (st *stream) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

func (st *stream) dispatch(in intent.Intent) {
	if err := st.intake.Dispatch(in); err != nil {
		st.logger.Error().Err(err).Str("intent", in.Kind).Msg("stream intent rejected")
	}
}
