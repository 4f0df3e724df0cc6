package timeutil

import (
	"testing"
	"time"
)

func TestDaySpanIgnoresTimeOfDay(t *testing.T) {
	start := time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)
	end := time.Date(2024, 5, 4, 0, 15, 0, 0, time.UTC)
	if got := DaySpan(start, end); got != 3 {
		t.Fatalf("expected 3 days, got %d", got)
	}
	if got := DaySpan(end, start); got != -3 {
		t.Fatalf("expected -3 days, got %d", got)
	}
	if got := DaySpan(start, start); got != 0 {
		t.Fatalf("expected 0 days, got %d", got)
	}
}

func TestClockOrDefault(t *testing.T) {
	pinned := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := Fixed(pinned).OrDefault()(); !got.Equal(pinned) {
		t.Fatalf("fixed clock moved: %v", got)
	}
	var c Clock
	if c.OrDefault()().Location() != time.UTC {
		t.Fatal("default clock must report UTC")
	}
}
