package main

import (
	"context"
	"time"

	"github.com/danmuck/intentflow/internal/config"
	"github.com/danmuck/intentflow/internal/scheduler"
	"github.com/danmuck/intentflow/internal/sources"
	"github.com/danmuck/intentflow/internal/store"
	"github.com/danmuck/intentflow/internal/supervisor"
)

const (
	kindLoad       = "LOAD"
	kindWatchStart = "WATCH_START"
	kindWatchStop  = "WATCH_STOP"
	kindUpdate     = "UPDATE"
)

// registerDemo wires a LOAD rule and a ticker-backed WATCH channel so a fresh
// server has something to dispatch against.
func registerDemo(sched *scheduler.Scheduler, cfg config.DemoConfig) error {
	load := func(ctx context.Context, payload any, _ store.State) (any, error) {
		timer := time.NewTimer(cfg.LoadDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		return map[string]any{
			"items":   []int{1, 2},
			"request": payload,
		}, nil
	}
	if err := sched.HandleLatest(kindLoad, load, "", ""); err != nil {
		return err
	}

	tick := sources.Ticker(cfg.TickInterval, func(n int, payload any) any {
		update := map[string]any{"seq": n}
		if m, ok := payload.(map[string]any); ok {
			if topic, ok := m["topic"]; ok {
				update["topic"] = topic
			}
		}
		return update
	})
	watch := supervisor.NewChannel(
		supervisor.Pair(kindWatchStart, kindWatchStop),
		sources.Retry(tick, sources.DefaultBackoff()),
		supervisor.ForwardAs(kindUpdate),
	)
	return sched.Supervise(watch)
}
