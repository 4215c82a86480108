package visualizer

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

type fixedReader struct {
	value float64
}

func (f *fixedReader) Get() float64 { return f.value }

func TestAnimatorTicksIndependently(t *testing.T) {
	reader := &fixedReader{value: 0.8}
	a := New(reader, 5*time.Millisecond, 16, slog.Default())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	// The animator has no other input than the cell; it must keep ticking
	// regardless of what produces the amplitude.
	deadline := time.Now().Add(time.Second)
	for a.Frames() < 10 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d ticks after 1s", a.Frames())
		}
		time.Sleep(2 * time.Millisecond)
	}

	if a.Level() <= 0 {
		t.Fatalf("level did not rise toward amplitude: %v", a.Level())
	}
	for i, h := range a.Snapshot() {
		if h < 0 || h > 1 {
			t.Fatalf("bar %d out of range: %v", i, h)
		}
	}
}

func TestAnimatorDecaysToZero(t *testing.T) {
	reader := &fixedReader{value: 0}
	a := New(reader, time.Millisecond, 8, slog.Default())

	// Seed a high level, then tick silence through directly.
	a.tick(1)
	for i := 0; i < 200; i++ {
		a.tick(0)
	}
	if a.Level() > 0.01 {
		t.Fatalf("level did not decay: %v", a.Level())
	}
}

func TestAnimatorAttackFasterThanDecay(t *testing.T) {
	a := New(&fixedReader{}, time.Millisecond, 8, slog.Default())

	a.tick(1)
	rise := a.Level()
	a.tick(0)
	fall := rise - a.Level()
	if rise <= fall {
		t.Fatalf("attack %v not faster than decay %v", rise, fall)
	}
}

func TestAnimatorSnapshotIsCopy(t *testing.T) {
	a := New(&fixedReader{value: 0.5}, time.Millisecond, 4, slog.Default())
	a.tick(0.5)

	snap := a.Snapshot()
	snap[0] = 42
	if got := a.Snapshot()[0]; got == 42 {
		t.Fatal("Snapshot returned internal slice")
	}
}

func TestAnimatorStartTwice(t *testing.T) {
	a := New(&fixedReader{}, 5*time.Millisecond, 4, slog.Default())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	a.Stop()
	a.Stop()
}
