package pins

import (
	"testing"
	"time"
)

func TestMemLineTransitions(t *testing.T) {
	line := NewMemLine()

	if err := line.SetHigh(); err != nil {
		t.Fatalf("SetHigh failed: %v", err)
	}
	if err := line.SetLow(); err != nil {
		t.Fatalf("SetLow failed: %v", err)
	}
	if err := line.SetHigh(); err != nil {
		t.Fatalf("SetHigh failed: %v", err)
	}
	if err := line.SetLow(); err != nil {
		t.Fatalf("SetLow failed: %v", err)
	}

	got := line.Transitions()
	want := []bool{true, false, true, false}
	if len(got) != len(want) {
		t.Fatalf("got %d transitions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}

	if line.Pulses() != 2 {
		t.Errorf("Pulses() = %d, want 2", line.Pulses())
	}
}

func TestMemLineFeedAndWait(t *testing.T) {
	line := NewMemLine()
	line.Feed(true)
	line.Feed(false)

	if !line.WaitForEdge(time.Second) {
		t.Fatal("expected first edge")
	}
	level, err := line.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !level {
		t.Error("level after rising edge = low, want high")
	}

	if !line.WaitForEdge(time.Second) {
		t.Fatal("expected second edge")
	}
	level, _ = line.Read()
	if level {
		t.Error("level after falling edge = high, want low")
	}
}

func TestMemLineWaitTimeout(t *testing.T) {
	line := NewMemLine()
	if line.WaitForEdge(10 * time.Millisecond) {
		t.Error("WaitForEdge with no queued edges should time out")
	}
}

func TestMemLineOnEdge(t *testing.T) {
	line := NewMemLine()
	var seen []bool
	line.OnEdge = func(level bool) {
		seen = append(seen, level)
	}

	line.Feed(true)
	line.Feed(false)
	line.WaitForEdge(time.Second)
	line.WaitForEdge(time.Second)

	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Errorf("OnEdge saw %v, want [true false]", seen)
	}
}

func TestMemLineClose(t *testing.T) {
	line := NewMemLine()
	if line.Closed() {
		t.Error("new line reports closed")
	}
	if err := line.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !line.Closed() {
		t.Error("line should report closed")
	}
}
