package sources

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/intentflow/internal/supervisor"
)

var ErrRetriesExhausted = errors.New("sources: bind retries exhausted")

func errInterval(d time.Duration) error {
	return fmt.Errorf("sources: ticker interval must be positive, got %s", d)
}

// Retry wraps binder so a failing bind is retried with backoff instead of failing the
// stream. The first attempt runs inline; when it succeeds the inner source is returned
// as is. Later attempts run in the background and end the stream with
// ErrRetriesExhausted once MaxAttempts binds have failed.
func Retry(binder supervisor.Binder, cfg BackoffConfig) supervisor.Binder {
	return func(ctx context.Context, emit supervisor.Emitter, payload any) (supervisor.Source, error) {
		if binder == nil {
			return nil, errors.New("sources: retry requires a binder")
		}
		src, err := binder(ctx, emit, payload)
		if err == nil {
			return src, nil
		}
		if cfg.MaxAttempts == 1 {
			return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}

		r := &retrying{binder: binder, cfg: cfg, emit: emit, payload: payload}
		r.ctx, r.cancel = context.WithCancel(ctx)
		r.wg.Add(1)
		go r.loop(err)
		return r, nil
	}
}

type retrying struct {
	binder  supervisor.Binder
	cfg     BackoffConfig
	emit    supervisor.Emitter
	payload any

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	inner supervisor.Source
}

func (r *retrying) loop(lastErr error) {
	defer r.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 2; r.cfg.MaxAttempts <= 0 || attempt <= r.cfg.MaxAttempts; attempt++ {
		timer := time.NewTimer(NextBackoffDelay(r.cfg, attempt-1, rng))
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		src, err := r.binder(r.ctx, r.emit, r.payload)
		if err != nil {
			lastErr = err
			continue
		}
		r.mu.Lock()
		if r.ctx.Err() != nil {
			r.mu.Unlock()
			if src != nil {
				_ = src.Close()
			}
			return
		}
		r.inner = src
		r.mu.Unlock()
		return
	}
	r.emit.End(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.cfg.MaxAttempts, lastErr))
}

func (r *retrying) Close() error {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	inner := r.inner
	r.inner = nil
	r.mu.Unlock()
	if inner == nil {
		return nil
	}
	return inner.Close()
}
