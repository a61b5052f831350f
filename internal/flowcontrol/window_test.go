package flowcontrol

import "testing"

func TestConsumeAndGrow(t *testing.T) {
	w := New(100)
	if !w.CanSend(100) || w.CanSend(101) {
		t.Fatalf("CanSend boundary wrong: cur=%d", w.Current())
	}
	if err := w.Consume(40); err != nil {
		t.Fatal(err)
	}
	if w.Current() != 60 {
		t.Fatalf("got %d want 60", w.Current())
	}
	if err := w.Consume(61); err == nil {
		t.Fatal("expected FLOW_CONTROL_ERROR for over-consume")
	}
	if err := w.Grow(40); err != nil {
		t.Fatal(err)
	}
	if w.Current() != 100 {
		t.Fatalf("got %d want 100", w.Current())
	}
}

func TestGrowRejectsZeroAndOverflow(t *testing.T) {
	w := New(MaxWindowSize - 1)
	if err := w.Grow(0); err == nil {
		t.Fatal("expected error for zero increment")
	}
	if err := w.Grow(2); err == nil {
		t.Fatal("expected error for overflow")
	}
	if err := w.Grow(1); err != nil {
		t.Fatal(err)
	}
	if w.Current() != MaxWindowSize {
		t.Fatalf("got %d want %d", w.Current(), MaxWindowSize)
	}
}

func TestApplyInitialWindowChange(t *testing.T) {
	a, b := New(1000), New(2000)
	if err := ApplyInitialWindowChange([]*Window{a, b}, 500); err != nil {
		t.Fatal(err)
	}
	if a.Current() != 1500 || b.Current() != 2500 {
		t.Fatalf("got a=%d b=%d", a.Current(), b.Current())
	}
	// Shrinking below zero is legal transiently.
	if err := ApplyInitialWindowChange([]*Window{a}, -2000); err != nil {
		t.Fatal(err)
	}
	if a.Current() != -500 {
		t.Fatalf("got %d want -500", a.Current())
	}
}

func TestApplyInitialWindowChangeOverflow(t *testing.T) {
	a := New(MaxWindowSize - 10)
	if err := ApplyInitialWindowChange([]*Window{a}, 20); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestInterleavedConsumeGrow(t *testing.T) {
	w := New(0)
	ops := []int32{50, -20, 30, -10, -15, 100, -90}
	for _, d := range ops {
		var err error
		if d >= 0 {
			err = w.Grow(d)
		} else {
			err = w.Consume(-d)
		}
		if err != nil {
			t.Fatalf("op %d on window %d: %v", d, w.Current(), err)
		}
	}
	var want int32
	for _, d := range ops {
		want += d
	}
	if w.Current() != want {
		t.Fatalf("got %d want %d", w.Current(), want)
	}
}
