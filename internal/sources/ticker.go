// Package sources provides stock binders for supervised channels.
package sources

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/intentflow/internal/supervisor"
)

// TickFunc builds the update for tick n (1-based) of a stream started with payload.
type TickFunc func(n int, payload any) any

// Ticker returns a binder that emits fn(n, payload) every interval until the stream
// is closed. A nil fn emits the tick number.
func Ticker(interval time.Duration, fn TickFunc) supervisor.Binder {
	if fn == nil {
		fn = func(n int, _ any) any { return n }
	}
	return func(ctx context.Context, emit supervisor.Emitter, payload any) (supervisor.Source, error) {
		if interval <= 0 {
			return nil, errInterval(interval)
		}
		ctx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for n := 1; ; n++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				if !emit.Emit(fn(n, payload)) {
					return
				}
			}
		}()
		return supervisor.SourceFunc(func() error {
			cancel()
			wg.Wait()
			return nil
		}), nil
	}
}
