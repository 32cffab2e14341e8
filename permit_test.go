package metacache

import (
	"context"
	"testing"
)

func TestPermitPoolCapacity(t *testing.T) {
	p := newPermitPool(2)
	if !p.TryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if !p.TryAcquire() {
		t.Fatal("expected second acquire to succeed")
	}
	if p.TryAcquire() {
		t.Fatal("expected third acquire to fail: pool capacity is 2")
	}
	p.Release()
	if !p.TryAcquire() {
		t.Fatal("expected acquire to succeed after a release")
	}
}

func TestPermitPoolAcquireBlocksUntilContextDone(t *testing.T) {
	p := newPermitPool(1)
	if !p.TryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Acquire(ctx); err == nil {
		t.Fatal("expected Acquire to fail on an already-cancelled context")
	}
}

func TestPermitPoolInFlightTracksAcquireAndRelease(t *testing.T) {
	p := newPermitPool(2)
	if got := p.InFlight(); got != 0 {
		t.Fatalf("InFlight() = %d, want 0", got)
	}
	if !p.TryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if got := p.InFlight(); got != 1 {
		t.Fatalf("InFlight() = %d, want 1", got)
	}
	if !p.TryAcquire() {
		t.Fatal("expected second acquire to succeed")
	}
	if got := p.InFlight(); got != 2 {
		t.Fatalf("InFlight() = %d, want 2", got)
	}
	p.Release()
	if got := p.InFlight(); got != 1 {
		t.Fatalf("InFlight() = %d, want 1 after release", got)
	}
}
