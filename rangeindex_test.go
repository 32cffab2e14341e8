package metacache

import (
	"testing"
	"time"
)

func newTestTablet(id, lower, upper string) *TabletView {
	return NewTabletView(id, Partition{Lower: KeyString(lower), Upper: KeyString(upper)})
}

func TestRangeIndexFloorMiss(t *testing.T) {
	idx := NewRangeIndex()
	if _, ok := idx.Floor("t1", KeyString("a")); ok {
		t.Fatal("expected miss on empty index")
	}
}

func TestRangeIndexFloorAndContains(t *testing.T) {
	idx := NewRangeIndex()
	tv := newTestTablet("tablet-1", "c", "g")
	future := time.Now().Add(time.Hour)

	idx.InsertNonCoveredEntry("t1", KeyString(""), KeyString("c"), future)
	idx.InsertTabletEntry("t1", tv, future)

	e, ok := idx.Floor("t1", KeyString("d"))
	if !ok {
		t.Fatal("expected floor hit for \"d\"")
	}
	if e.tablet != tv {
		t.Fatalf("floor(\"d\") resolved to wrong entry: got tablet %v", e.tablet)
	}
	if !e.containsKey(KeyString("d")) {
		t.Error("expected entry to contain \"d\"")
	}

	gapEntry, ok := idx.Floor("t1", KeyString("a"))
	if !ok {
		t.Fatal("expected floor hit for \"a\" (non-covered gap)")
	}
	if gapEntry.tablet != nil {
		t.Error("expected non-covered entry for \"a\"")
	}
}

func TestRangeIndexEraseRangeUnboundedAbove(t *testing.T) {
	idx := NewRangeIndex()
	future := time.Now().Add(time.Hour)
	tv1 := newTestTablet("tablet-1", "a", "b")
	tv2 := newTestTablet("tablet-2", "b", "c")
	idx.InsertTabletEntry("t1", tv1, future)
	idx.InsertTabletEntry("t1", tv2, future)

	idx.EraseRange("t1", KeyString("a"), PartitionKey{})

	if _, ok := idx.Floor("t1", KeyString("a")); ok {
		t.Error("expected both entries erased by unbounded EraseRange")
	}
	if _, ok := idx.ByIDEntry("tablet-1"); ok {
		t.Error("expected by-id entry for tablet-1 removed")
	}
	if _, ok := idx.ByIDEntry("tablet-2"); ok {
		t.Error("expected by-id entry for tablet-2 removed")
	}
}

func TestRangeIndexClearNonCoveredKeepsTablets(t *testing.T) {
	idx := NewRangeIndex()
	future := time.Now().Add(time.Hour)
	tv := newTestTablet("tablet-1", "c", "g")
	idx.InsertNonCoveredEntry("t1", KeyString(""), KeyString("c"), future)
	idx.InsertTabletEntry("t1", tv, future)

	idx.ClearNonCoveredRangeEntries("t1")

	if _, ok := idx.Floor("t1", KeyString("a")); ok {
		t.Error("expected non-covered entry removed")
	}
	e, ok := idx.Floor("t1", KeyString("d"))
	if !ok || e.tablet != tv {
		t.Error("expected tablet entry to survive ClearNonCoveredRangeEntries")
	}
}

func TestRangeEntryStaleness(t *testing.T) {
	past := time.Now().Add(-time.Second)
	e := &rangeEntry{lower: KeyString("a"), upper: KeyString("b"), expiresAt: past}
	if !e.isStale(time.Now()) {
		t.Error("expected expired entry to be stale")
	}

	future := time.Now().Add(time.Hour)
	tv := newTestTablet("tablet-1", "a", "b")
	tv.MarkStale()
	e2 := &rangeEntry{lower: KeyString("a"), upper: KeyString("b"), tablet: tv, expiresAt: future}
	if !e2.isStale(time.Now()) {
		t.Error("expected entry backed by a stale TabletView to be stale")
	}
}
