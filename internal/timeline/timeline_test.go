package timeline

import (
	"context"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestStoreAddIsMonotonic(t *testing.T) {
	s := New(2)
	var last uint64
	for _, d := range []uint64{0, 5, 0, 100, 1, 0, 1_000_000} {
		got := s.Add(0, d)
		if got < last {
			t.Fatalf("Add(0, %d) = %d, went backwards from %d", d, got, last)
		}
		last = got
	}
	if last != 1_000_106 {
		t.Errorf("timeline = %d, want 1000106", last)
	}
	if s.Load(1) != 0 {
		t.Errorf("untouched core = %d, want 0", s.Load(1))
	}
}

func TestStoreAdvanceTo(t *testing.T) {
	s := New(1)
	s.Add(0, 50)

	if s.AdvanceTo(0, 40) {
		t.Error("AdvanceTo(40) moved a timeline at 50")
	}
	if !s.AdvanceTo(0, 70) {
		t.Error("AdvanceTo(70) did not move a timeline at 50")
	}
	if got := s.Load(0); got != 70 {
		t.Errorf("Load() = %d, want 70", got)
	}

	s.Reset(0)
	if got := s.Load(0); got != 0 {
		t.Errorf("Load() after Reset = %d, want 0", got)
	}
}

func TestStoreConcurrentReaders(t *testing.T) {
	s := New(4)
	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		for i := 0; i < 10000; i++ {
			s.Add(2, 3)
		}
		return nil
	})
	for r := 0; r < 3; r++ {
		g.Go(func() error {
			var last uint64
			for i := 0; i < 10000; i++ {
				v := s.Load(2)
				if v < last {
					t.Errorf("reader saw %d after %d", v, last)
					return nil
				}
				last = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := s.Load(2); got != 30000 {
		t.Errorf("Load(2) = %d, want 30000", got)
	}
}

func TestMask(t *testing.T) {
	m := NewMask(130)

	for _, cpu := range []int{129, 0, 64, 3} {
		if !m.Set(cpu) {
			t.Errorf("Set(%d) reported already set", cpu)
		}
	}
	if m.Set(64) {
		t.Error("second Set(64) reported newly set")
	}
	if got := m.Count(); got != 4 {
		t.Errorf("Count() = %d, want 4", got)
	}

	var order []int
	m.ForEach(func(cpu int) bool {
		order = append(order, cpu)
		return true
	})
	want := []int{0, 3, 64, 129}
	if len(order) != len(want) {
		t.Fatalf("ForEach visited %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("ForEach visited %v, want %v", order, want)
		}
	}

	if !m.Clear(3) || m.Clear(3) {
		t.Error("Clear(3) did not report set-then-clear")
	}
	if m.Test(3) || !m.Test(129) {
		t.Error("Test() disagrees with Set/Clear")
	}

	var first int = -1
	m.ForEach(func(cpu int) bool {
		first = cpu
		return false
	})
	if first != 0 {
		t.Errorf("ForEach stopped at %d, want 0", first)
	}
}
