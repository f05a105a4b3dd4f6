package sources

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/intentflow/internal/intent"
	"github.com/danmuck/intentflow/internal/store"
	"github.com/danmuck/intentflow/internal/store/storetest"
	"github.com/danmuck/intentflow/internal/supervisor"
	"github.com/danmuck/intentflow/internal/testutil/testlog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu      sync.Mutex
	updates []any
	endErr  error
	ended   chan struct{}
	closed  atomic.Bool
}

func newCollector() *collector {
	return &collector{ended: make(chan struct{})}
}

func (c *collector) Emit(update any) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	c.updates = append(c.updates, update)
	c.mu.Unlock()
	return true
}

func (c *collector) End(err error) {
	c.mu.Lock()
	c.endErr = err
	c.mu.Unlock()
	close(c.ended)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got %s", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got %s", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got %s", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got %s", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for attempt := 2; attempt < 6; attempt++ {
		base := float64(cfg.InitialDelay) * float64(int(1)<<(attempt-1))
		got := NextBackoffDelay(cfg, attempt, rng)
		if float64(got) < base*0.5 || float64(got) >= base*1.5 {
			t.Fatalf("attempt %d: delay %s outside jitter range of %s", attempt, got, time.Duration(base))
		}
	}
}

func TestTickerEmitsUntilClosed(t *testing.T) {
	testlog.Start(t)
	c := newCollector()
	bind := Ticker(5*time.Millisecond, func(n int, payload any) any {
		return map[string]any{"n": n, "topic": payload}
	})
	src, err := bind(context.Background(), c, "prices")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	n := c.count()
	if n < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", n)
	}
	time.Sleep(20 * time.Millisecond)
	if c.count() != n {
		t.Fatalf("ticks emitted after close")
	}
	first := c.updates[0].(map[string]any)
	if first["n"] != 1 || first["topic"] != "prices" {
		t.Fatalf("unexpected first tick: %v", first)
	}
}

func TestTickerRejectsNonPositiveInterval(t *testing.T) {
	testlog.Start(t)
	if _, err := Ticker(0, nil)(context.Background(), newCollector(), nil); err == nil {
		t.Fatalf("expected interval error")
	}
}

func TestRetryBindsAfterFailures(t *testing.T) {
	testlog.Start(t)
	var attempts atomic.Int32
	var closes atomic.Int32
	flaky := func(context.Context, supervisor.Emitter, any) (supervisor.Source, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("not yet")
		}
		return supervisor.SourceFunc(func() error {
			closes.Add(1)
			return nil
		}), nil
	}
	c := newCollector()
	src, err := Retry(flaky, BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 5})(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("expected retry wrapper to absorb first failure, got %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for attempts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if got := closes.Load(); got != 1 {
		t.Fatalf("expected inner source closed once, got %d", got)
	}
}

func TestRetryEndsStreamWhenExhausted(t *testing.T) {
	testlog.Start(t)
	failing := func(context.Context, supervisor.Emitter, any) (supervisor.Source, error) {
		return nil, errors.New("refused")
	}
	c := newCollector()
	src, err := Retry(failing, BackoffConfig{InitialDelay: time.Millisecond, MaxAttempts: 3})(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	select {
	case <-c.ended:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream was not ended")
	}
	if !errors.Is(c.endErr, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", c.endErr)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Retry(failing, BackoffConfig{MaxAttempts: 1})(context.Background(), c, nil); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected inline exhaustion, got %v", err)
	}
}

func TestRetryCloseStopsPendingAttempts(t *testing.T) {
	testlog.Start(t)
	var attempts atomic.Int32
	failing := func(context.Context, supervisor.Emitter, any) (supervisor.Source, error) {
		attempts.Add(1)
		return nil, errors.New("refused")
	}
	src, err := Retry(failing, BackoffConfig{InitialDelay: time.Hour})(context.Background(), newCollector(), nil)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected only the inline attempt, got %d", got)
	}
}

func TestTickerUnderSupervisor(t *testing.T) {
	testlog.Start(t)
	s := store.New()
	rec, unsubscribe := storetest.Attach(s)
	defer unsubscribe()
	sup := supervisor.New(context.Background(), s)
	defer sup.Close()

	ch := supervisor.NewChannel(supervisor.Pair("WATCH_START", "WATCH_STOP"), Ticker(2*time.Millisecond, nil), supervisor.ForwardAs("TICK"))
	if err := sup.Start(ch, intent.New("WATCH_START", nil)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !rec.WaitForKind("TICK", 2, 2*time.Second) {
		t.Fatalf("ticks not forwarded: %v", rec.Kinds())
	}
	if !sup.Stop(ch.Key) {
		t.Fatalf("expected live stream")
	}
}
