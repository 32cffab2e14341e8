package discovery

import "testing"

func TestMasterLeaderWatcherSetLeaderNotifiesOnChange(t *testing.T) {
	w := NewMasterLeaderWatcher(nil, "/master/leader", nil)

	if _, ok := w.CurrentMasterLeader(); ok {
		t.Fatal("expected no known leader before the first observation")
	}

	var seen []string
	w.OnLeaderChange(func(addr string) { seen = append(seen, addr) })

	w.setLeader("host-a:7051")
	if addr, ok := w.CurrentMasterLeader(); !ok || addr != "host-a:7051" {
		t.Fatalf("CurrentMasterLeader() = (%q, %v), want (host-a:7051, true)", addr, ok)
	}

	// Re-observing the same address must not fire the callback again.
	w.setLeader("host-a:7051")
	w.setLeader("host-b:7051")

	if len(seen) != 2 || seen[0] != "host-a:7051" || seen[1] != "host-b:7051" {
		t.Fatalf("onLeaderChange callbacks = %v, want [host-a:7051 host-b:7051]", seen)
	}
}

func TestMasterLeaderWatcherStopWithoutStartIsSafe(t *testing.T) {
	w := NewMasterLeaderWatcher(nil, "/master/leader", nil)
	w.Stop()
	w.Stop()
}
