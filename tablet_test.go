package metacache

import (
	"testing"

	"github.com/tabletdb/metacache/metacachepb"
)

func newTestRegistry(t *testing.T) *ServerRegistry {
	t.Helper()
	return NewServerRegistry(DefaultConfig(), nil)
}

func TestTabletViewRefreshDeprecatedReplicas(t *testing.T) {
	reg := newTestRegistry(t)
	tv := NewTabletView("tablet-1", Partition{Lower: KeyString("a"), Upper: KeyString("z")})

	loc := metacachepb.TabletLocationsPB{
		TabletID: "tablet-1",
		DeprecatedReplicas: []metacachepb.ReplicaPB{
			{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "s1"}, Role: metacachepb.RoleLeader},
			{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "s2"}, Role: metacachepb.RoleFollower},
		},
	}
	if err := tv.Refresh(reg, loc, nil); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !tv.HasLeader() {
		t.Error("expected a leader after refresh")
	}
	if got := tv.Leader().UUID(); got != "s1" {
		t.Errorf("Leader() = %q, want s1", got)
	}
	if n := len(tv.LiveServers()); n != 2 {
		t.Errorf("LiveServers() len = %d, want 2", n)
	}
}

func TestTabletViewRefreshInternedIndexOutOfRange(t *testing.T) {
	reg := newTestRegistry(t)
	tv := NewTabletView("tablet-1", Partition{Lower: KeyString("a"), Upper: KeyString("z")})

	loc := metacachepb.TabletLocationsPB{
		TabletID: "tablet-1",
		InternedReplicas: []metacachepb.InternedReplicaPB{
			{TSInfoIdx: 7, Role: metacachepb.RoleLeader},
		},
	}
	err := tv.Refresh(reg, loc, []metacachepb.TSInfoPB{{PermanentUUID: "s1"}})
	if err == nil {
		t.Fatal("expected corruption error for out-of-range interned index")
	}
	if tv.HasLeader() || len(tv.LiveServers()) != 0 {
		t.Error("expected tablet untouched after rejected refresh")
	}
}

func TestTabletViewMarkAsLeaderDemotesPrior(t *testing.T) {
	reg := newTestRegistry(t)
	tv := NewTabletView("tablet-1", Partition{Lower: KeyString(""), Upper: KeyString("")})
	loc := metacachepb.TabletLocationsPB{
		TabletID: "tablet-1",
		DeprecatedReplicas: []metacachepb.ReplicaPB{
			{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "s1"}, Role: metacachepb.RoleLeader},
			{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "s2"}, Role: metacachepb.RoleFollower},
		},
	}
	if err := tv.Refresh(reg, loc, nil); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	s2 := reg.Get("s2")
	tv.MarkAsLeader(s2)

	if got := tv.Leader().UUID(); got != "s2" {
		t.Errorf("Leader() = %q, want s2", got)
	}
	s1 := reg.Get("s1")
	tv.MarkAsFollower(s1)
	if tv.FailedReplicaCount() != 0 {
		t.Error("MarkAsFollower should not mark anything failed")
	}
}

func TestTabletViewMarkReplicaFailed(t *testing.T) {
	reg := newTestRegistry(t)
	tv := NewTabletView("tablet-1", Partition{Lower: KeyString(""), Upper: KeyString("")})
	loc := metacachepb.TabletLocationsPB{
		TabletID: "tablet-1",
		DeprecatedReplicas: []metacachepb.ReplicaPB{
			{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "s1"}, Role: metacachepb.RoleLeader},
		},
	}
	if err := tv.Refresh(reg, loc, nil); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	s1 := reg.Get("s1")
	tv.MarkReplicaFailed(s1, nil, 0, nil)

	if tv.HasLeader() {
		t.Error("expected failed leader to no longer be returned by Leader()")
	}
	if tv.FailedReplicaCount() != 1 {
		t.Errorf("FailedReplicaCount() = %d, want 1", tv.FailedReplicaCount())
	}
}
