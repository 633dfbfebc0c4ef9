package sched

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTickClock(t *testing.T) {
	c := NewTickClock(1)
	c.Start(time.Millisecond)

	for i := 0; i < 3; i++ {
		select {
		case <-c.Ch:
		case <-time.After(5 * time.Second):
			t.Fatal("no tick")
		}
	}
	c.Stop()
	c.Stop()

	// drain until the clock closes its channel
	for range c.Ch {
	}
	if got := c.Count(); got < 3 {
		t.Errorf("Count() = %d, want at least 3", got)
	}
}

func TestRunPaced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cores = 1
	cfg.PaceMS = 1
	s := New(cfg)
	spawn(t, s, NewTask(1, "a", 0, DefaultPriority, burn(2*cfg.TickNS)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := s.Ticks(); got < 2 {
		t.Errorf("Ticks() = %d, want at least 2", got)
	}
}

func TestRunCanceled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cores = 1
	s := New(cfg)
	spawn(t, s, NewTask(1, "forever", 0, DefaultPriority, func(p *Proc) error {
		for {
			p.Run(cfg.TickNS)
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.observers = append(s.observers, func(ev StatusEvent) {
		if ev.Kind == StatusTick && ev.Tick == 9 {
			cancel()
		}
	})
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got := s.Ticks(); got != 10 {
		t.Errorf("Ticks() = %d, want 10", got)
	}
}
