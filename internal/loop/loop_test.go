package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoop_TicksImmediatelyAndOnTrigger(t *testing.T) {
	var ticks atomic.Int32
	l := New(Config{
		Name:     "test",
		Interval: time.Hour,
		Tick: func(ctx context.Context) error {
			ticks.Add(1)
			return nil
		},
	})

	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool { return ticks.Load() >= 1 })

	l.Trigger()
	waitFor(t, func() bool { return ticks.Load() >= 2 })
}

func TestLoop_ErrorsAndPanicsDoNotStopLoop(t *testing.T) {
	var ticks atomic.Int32
	l := New(Config{
		Name:     "faulty",
		Interval: 5 * time.Millisecond,
		Tick: func(ctx context.Context) error {
			n := ticks.Add(1)
			if n == 1 {
				panic("boom")
			}
			return errors.New("tick error")
		},
	})

	l.Start(context.Background())
	waitFor(t, func() bool { return ticks.Load() >= 3 })
	l.Stop()

	// После Stop тиков больше нет.
	n := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	if ticks.Load() != n {
		t.Error("loop kept ticking after Stop")
	}
}

func TestLoop_RunOnceReportsToObserver(t *testing.T) {
	var observed string
	var observedErr error
	wantErr := errors.New("x")

	l := New(Config{
		Name: "observed",
		Tick: func(ctx context.Context) error { return wantErr },
		Observer: func(name string, d time.Duration, err error) {
			observed = name
			observedErr = err
		},
	})

	if err := l.RunOnce(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected tick error, got %v", err)
	}
	if observed != "observed" || !errors.Is(observedErr, wantErr) {
		t.Errorf("observer got name=%q err=%v", observed, observedErr)
	}
}

func TestLoop_StopWithoutStart(t *testing.T) {
	l := New(Config{Name: "idle", Tick: func(ctx context.Context) error { return nil }})
	// Не должно паниковать или блокироваться.
	l.Stop()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
