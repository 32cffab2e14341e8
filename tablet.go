package metacache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tabletdb/metacache/metacachepb"
)

// ReplicaRole mirrors metacachepb.ReplicaRole for the in-memory view.
type ReplicaRole = metacachepb.ReplicaRole

const (
	RoleUnknown  = metacachepb.RoleUnknown
	RoleLeader   = metacachepb.RoleLeader
	RoleFollower = metacachepb.RoleFollower
	RoleLearner  = metacachepb.RoleLearner
	RoleNonVoter = metacachepb.RoleNonVoter
)

// Replica is one tablet server's role within a tablet's consensus
// group, plus whether operations against it have recently failed.
type Replica struct {
	Server *Server
	Role   ReplicaRole
	failed bool
}

// TabletView is the mutable, per-tablet state: the current replica
// list and a staleness flag, guarded by one mutex. Identity is the
// TabletID plus its immutable Partition. A TabletView is created once
// on first observation and refreshed in place for the rest of its
// life; it is never replaced while referenced from the by-id index or
// from a RangeIndex entry, so live handles held outside the cache
// never observe a torn or stale-swapped object.
type TabletView struct {
	id        string
	partition Partition

	mu       sync.Mutex
	replicas []Replica
	stale    bool

	lastFailedWarn time.Time
}

// NewTabletView constructs an empty TabletView for id/partition. The
// caller must call Refresh before it carries any useful replica info.
func NewTabletView(id string, partition Partition) *TabletView {
	return &TabletView{id: id, partition: partition}
}

// ID returns the tablet's stable identity.
func (t *TabletView) ID() string { return t.id }

// Partition returns the tablet's immutable bounds.
func (t *TabletView) Partition() Partition { return t.partition }

// Refresh replaces the replica list atomically from a wire location
// record, accepting both inline (deprecated) and interned replica
// forms. An interned index out of range of tsInfos is corruption: the
// check happens before any lock is taken or any field mutated, so a
// rejected refresh leaves the TabletView completely untouched.
func (t *TabletView) Refresh(registry *ServerRegistry, loc metacachepb.TabletLocationsPB, tsInfos []metacachepb.TSInfoPB) error {
	replicas := make([]Replica, 0, len(loc.DeprecatedReplicas)+len(loc.InternedReplicas))

	for _, r := range loc.DeprecatedReplicas {
		server := registry.Upsert(serverInfoFromTSInfo(r.TSInfo))
		replicas = append(replicas, Replica{Server: server, Role: r.Role})
	}
	for _, r := range loc.InternedReplicas {
		if r.TSInfoIdx < 0 || int(r.TSInfoIdx) >= len(tsInfos) {
			return corruptionInternedIndexOutOfRange(t.id, r.TSInfoIdx, len(tsInfos))
		}
		server := registry.Upsert(serverInfoFromTSInfo(tsInfos[r.TSInfoIdx]))
		replicas = append(replicas, Replica{Server: server, Role: r.Role})
	}

	t.mu.Lock()
	t.replicas = replicas
	t.stale = false
	t.mu.Unlock()
	return nil
}

func serverInfoFromTSInfo(ts metacachepb.TSInfoPB) ServerInfo {
	eps := make([]HostPort, 0, len(ts.RPCAddresses))
	for _, a := range ts.RPCAddresses {
		eps = append(eps, HostPort{Host: a.Host, Port: int(a.Port)})
	}
	return ServerInfo{
		UUID:                 ts.PermanentUUID,
		RPCEndpoints:         eps,
		Location:             ts.Location,
		UnixDomainSocketPath: ts.UnixDomainSocketPath,
	}
}

// MarkStale flags the tablet so the fast path treats it as a miss and
// the picker forces a refresh on next pick.
func (t *TabletView) MarkStale() {
	t.mu.Lock()
	t.stale = true
	t.mu.Unlock()
}

// IsStale reports the staleness flag.
func (t *TabletView) IsStale() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stale
}

// MarkReplicaFailed sets failed=true on every replica whose server
// matches, logging at most once per ReplicaFailedWarnInterval.
func (t *TabletView) MarkReplicaFailed(server *Server, cause error, warnInterval time.Duration, log *logrus.Logger) {
	t.mu.Lock()
	matched := false
	for i := range t.replicas {
		if t.replicas[i].Server == server {
			t.replicas[i].failed = true
			matched = true
		}
	}
	shouldWarn := false
	if matched {
		now := time.Now()
		if now.Sub(t.lastFailedWarn) >= warnInterval {
			t.lastFailedWarn = now
			shouldWarn = true
		}
	}
	t.mu.Unlock()

	if shouldWarn && log != nil {
		log.WithFields(logrus.Fields{
			"tablet_id":   t.id,
			"server_uuid": server.UUID(),
			"cause":       cause,
		}).Warn("metacache: replica marked failed")
	}
}

// Leader returns the first non-failed replica with role=LEADER, or nil.
func (t *TabletView) Leader() *Server {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.replicas {
		if !r.failed && r.Role == RoleLeader {
			return r.Server
		}
	}
	return nil
}

// HasLeader reports whether Leader() would return non-nil.
func (t *TabletView) HasLeader() bool { return t.Leader() != nil }

// LiveServers returns the servers of non-failed replicas, preserving
// the order the master returned them in.
func (t *TabletView) LiveServers() []*Server {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Server, 0, len(t.replicas))
	for _, r := range t.replicas {
		if !r.failed {
			out = append(out, r.Server)
		}
	}
	return out
}

// MarkAsLeader sets server's role to LEADER and demotes whichever
// replica currently holds LEADER to FOLLOWER. Idempotent.
func (t *TabletView) MarkAsLeader(server *Server) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.replicas {
		switch {
		case t.replicas[i].Server == server:
			t.replicas[i].Role = RoleLeader
		case t.replicas[i].Role == RoleLeader:
			t.replicas[i].Role = RoleFollower
		}
	}
}

// MarkAsFollower sets the matching replica's role to FOLLOWER, making
// a picker's local demotion visible to every concurrent picker sharing
// this TabletView.
func (t *TabletView) MarkAsFollower(server *Server) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.replicas {
		if t.replicas[i].Server == server {
			t.replicas[i].Role = RoleFollower
		}
	}
}

// FailedReplicaCount reports how many replicas are currently marked
// failed.
func (t *TabletView) FailedReplicaCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.replicas {
		if r.failed {
			n++
		}
	}
	return n
}
