package hwtimer

import (
	"sync"
	"testing"
	"time"
)

func TestMask(t *testing.T) {
	tests := []struct {
		bits uint
		want uint32
	}{
		{16, 0xffff},
		{24, 0xffffff},
		{32, 0xffffffff},
		{40, 0xffffffff},
	}
	for _, tt := range tests {
		if got := Mask(tt.bits); got != tt.want {
			t.Errorf("Mask(%d): expected %#x, got %#x", tt.bits, tt.want, got)
		}
	}
}

func TestFakeAdvanceFires(t *testing.T) {
	f := NewFake(32)
	var at []uint32
	f.SetHandler(func() { at = append(at, f.Now()) })

	f.SetCompare(100)
	f.Advance(99)
	if len(at) != 0 {
		t.Fatalf("fired early at %v", at)
	}
	f.Advance(1)
	if len(at) != 1 || at[0] != 100 {
		t.Fatalf("expected one fire at 100, got %v", at)
	}
	f.Advance(1000)
	if len(at) != 1 {
		t.Errorf("compare should be one-shot, got %v", at)
	}
	if f.Now() != 1100 {
		t.Errorf("expected counter 1100, got %d", f.Now())
	}
}

func TestFakeHandlerRearms(t *testing.T) {
	f := NewFake(32)
	var at []uint32
	f.SetHandler(func() {
		now := f.Now()
		at = append(at, now)
		if len(at) < 3 {
			f.SetCompare(now + 10)
		}
	})

	f.SetCompare(10)
	f.Advance(100)
	want := []uint32{10, 20, 30}
	if len(at) != len(want) {
		t.Fatalf("expected %v, got %v", want, at)
	}
	for i := range want {
		if at[i] != want[i] {
			t.Errorf("fire %d: expected %d, got %d", i, want[i], at[i])
		}
	}
	if f.Fires() != 3 {
		t.Errorf("expected 3 fires, got %d", f.Fires())
	}
}

func TestFakeNarrowCounter(t *testing.T) {
	f := NewFake(16)
	fired := 0
	f.SetHandler(func() { fired++ })
	f.Set(0x1fff0)

	// Only the low 16 bits are compared.
	f.SetCompare(0x20010)
	if at, ok := f.Armed(); !ok || at != 0x0010 {
		t.Fatalf("expected compare 0x0010 armed, got %#x %v", at, ok)
	}
	f.Advance(0x20)
	if fired != 1 {
		t.Errorf("expected fire across the 16-bit wrap, got %d", fired)
	}
	if f.Now() != 0x20010 {
		t.Errorf("expected counter 0x20010, got %#x", f.Now())
	}
}

func TestFakeCompareAtNowWaitsForWrap(t *testing.T) {
	f := NewFake(16)
	fired := 0
	f.SetHandler(func() { fired++ })
	f.Set(500)
	f.SetCompare(500)

	f.Advance(0xffff)
	if fired != 0 {
		t.Fatal("compare at the current count fired before the wrap")
	}
	f.Advance(1)
	if fired != 1 {
		t.Errorf("expected fire after a full period, got %d", fired)
	}
}

func TestFakeClearCompare(t *testing.T) {
	f := NewFake(32)
	fired := 0
	f.SetHandler(func() { fired++ })
	f.SetCompare(10)
	f.ClearCompare()
	f.Advance(100)
	if fired != 0 {
		t.Errorf("expected no fire after clear, got %d", fired)
	}
}

func TestRealFires(t *testing.T) {
	r := NewReal()
	var wg sync.WaitGroup
	wg.Add(1)
	r.SetHandler(func() { wg.Done() })

	r.SetCompare(r.Now() + 1000)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("compare did not fire")
	}
}

func TestRealClearCompare(t *testing.T) {
	r := NewReal()
	fired := make(chan struct{}, 1)
	r.SetHandler(func() { fired <- struct{}{} })

	r.SetCompare(r.Now() + 20_000)
	r.ClearCompare()

	select {
	case <-fired:
		t.Fatal("cleared compare fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRealNowAdvances(t *testing.T) {
	r := NewReal()
	start := r.Now()
	time.Sleep(5 * time.Millisecond)
	if d := r.Now() - start; d < 4000 {
		t.Errorf("expected at least 4000µs elapsed, got %d", d)
	}
}
