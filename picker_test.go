package metacache

import (
	"context"
	"testing"
	"time"

	"github.com/tabletdb/metacache/metacachepb"
)

// installFakeProxy marks s as already having a usable proxy, so
// picker tests exercise pick_leader's selection logic without needing
// a real transport.
func installFakeProxy(s *Server) {
	s.mu.Lock()
	s.proxies = &ProxyPair{Regular: "fake", Admin: "fake"}
	s.mu.Unlock()
}

func pickSync(t *testing.T, picker *ServerPicker) (*Server, error) {
	t.Helper()
	var server *Server
	var err error
	done := make(chan struct{})
	picker.PickLeader(context.Background(), time.Now().Add(5*time.Second), func(s *Server, e error) {
		server, err = s, e
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pick did not complete")
	}
	return server, err
}

// scenario 3: leader failover via picker.
func TestServerPickerFailover(t *testing.T) {
	reg := NewServerRegistry(DefaultConfig(), nil)
	tv := NewTabletView("tablet-1", Partition{Lower: KeyString(""), Upper: KeyString("")})
	loc := metacachepb.TabletLocationsPB{
		TabletID: "tablet-1",
		DeprecatedReplicas: []metacachepb.ReplicaPB{
			{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "S1"}, Role: metacachepb.RoleLeader},
			{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "S2"}, Role: metacachepb.RoleFollower},
			{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "S3"}, Role: metacachepb.RoleFollower},
		},
	}
	if err := tv.Refresh(reg, loc, nil); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	installFakeProxy(reg.Get("S1"))
	installFakeProxy(reg.Get("S2"))
	installFakeProxy(reg.Get("S3"))

	cache := newTestCache(&scriptedMaster{})
	picker := NewServerPicker(cache, tv, "")

	s, err := pickSync(t, picker)
	if err != nil || s == nil || s.UUID() != "S1" {
		t.Fatalf("first pick = (%v, %v), want S1", s, err)
	}

	picker.MarkServerFailed(reg.Get("S1"), nil)
	s, err = pickSync(t, picker)
	if err != nil || s == nil || s.UUID() != "S2" {
		t.Fatalf("pick after S1 failed = (%v, %v), want S2", s, err)
	}
	if !tv.HasLeader() || tv.Leader().UUID() != "S2" {
		t.Error("expected S2 preemptively promoted to leader")
	}

	picker.MarkReplicaNotLeader(reg.Get("S2"))
	s, err = pickSync(t, picker)
	if err != nil || s == nil || s.UUID() != "S3" {
		t.Fatalf("pick after S2 rejected not-leader = (%v, %v), want S3", s, err)
	}
}

// scenario 4: resource-not-found marks the tablet stale, forcing a
// refresh on the next pick that clears followers_.
func TestServerPickerStalenessTriggersRefresh(t *testing.T) {
	reg := NewServerRegistry(DefaultConfig(), nil)
	tv := NewTabletView("tablet-1", Partition{Lower: KeyString(""), Upper: KeyString("")})
	loc := metacachepb.TabletLocationsPB{
		TabletID: "tablet-1",
		DeprecatedReplicas: []metacachepb.ReplicaPB{
			{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "S1"}, Role: metacachepb.RoleLeader},
			{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "S2"}, Role: metacachepb.RoleFollower},
		},
	}
	if err := tv.Refresh(reg, loc, nil); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	master := &scriptedMaster{tabletResp: []scriptedTabletResponse{{resp: metacachepb.TabletLocationsResponsePB{
		TabletLocations: []metacachepb.TabletLocationsPB{
			{
				TabletID: "tablet-1",
				DeprecatedReplicas: []metacachepb.ReplicaPB{
					{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "S2"}, Role: metacachepb.RoleLeader},
					{TSInfo: metacachepb.TSInfoPB{PermanentUUID: "S3"}, Role: metacachepb.RoleFollower},
				},
			},
		},
	}}}}
	cache := newTestCache(master)
	cache.rangeIdx.UpsertByIDEntry(tv, time.Now().Add(time.Hour))
	installFakeProxy(cache.registry.Upsert(ServerInfo{UUID: "S2"}))
	installFakeProxy(cache.registry.Upsert(ServerInfo{UUID: "S3"}))

	picker := NewServerPicker(cache, tv, "")
	picker.MarkReplicaNotLeader(reg.Get("S1"))
	picker.MarkResourceNotFound()

	s, err := pickSync(t, picker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || s.UUID() != "S2" {
		t.Fatalf("pick after staleness-triggered refresh = %v, want S2", s)
	}
	if tv.IsStale() {
		t.Error("expected refresh to clear staleness")
	}
}
