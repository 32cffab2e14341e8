package metacache

import (
	"testing"
	"time"
)

func TestLinearBackoffGrowsThenCaps(t *testing.T) {
	initial := 50 * time.Millisecond
	max := 200 * time.Millisecond

	if got := linearBackoff(0, initial, max); got != initial {
		t.Errorf("attempt 0 = %v, want %v", got, initial)
	}
	if got := linearBackoff(1, initial, max); got != 2*initial {
		t.Errorf("attempt 1 = %v, want %v", got, 2*initial)
	}
	if got := linearBackoff(10, initial, max); got != max {
		t.Errorf("attempt 10 = %v, want capped at %v", got, max)
	}
}

func TestDeadlineRemaining(t *testing.T) {
	if got := deadlineRemaining(time.Time{}); got <= 0 {
		t.Error("zero deadline should mean effectively unbounded remaining time")
	}
	past := time.Now().Add(-time.Second)
	if got := deadlineRemaining(past); got != 0 {
		t.Errorf("deadlineRemaining(past) = %v, want 0", got)
	}
}
