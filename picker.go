package metacache

import (
	"context"
	"sync"
	"time"
)

// ServerPicker is a per-tablet-per-operation state machine that
// selects a replica to target, demoting rejected leaders and
// triggering a MetaCache refresh when no usable candidate remains. It
// is cheap to construct and meant to live for the duration of a single
// write or read attempt; its per-operation follower memory must not be
// confused with the persistent failed/role state on the TabletView
// itself.
type ServerPicker struct {
	cache    *MetaCache
	registry *ServerRegistry
	tablet   *TabletView
	tableID  string // "" when constructed over a bare tablet-id context

	mu        sync.Mutex
	followers map[string]bool
}

// NewServerPicker constructs a picker over tablet. tableID should be
// the table the tablet belongs to when known; passing "" makes a
// forced refresh go through LookupByID instead of LookupByKey.
func NewServerPicker(cache *MetaCache, tablet *TabletView, tableID string) *ServerPicker {
	return &ServerPicker{
		cache:     cache,
		registry:  cache.Registry(),
		tablet:    tablet,
		tableID:   tableID,
		followers: make(map[string]bool),
	}
}

// PickLeader runs the algorithm of §4.E and invokes cb exactly once
// with the chosen server (valid even on a proxy-init failure, so the
// caller can still mark it failed) or a terminal error from a forced
// refresh.
func (p *ServerPicker) PickLeader(ctx context.Context, deadline time.Time, cb func(*Server, error)) {
	p.pickLeader(ctx, deadline, cb)
}

func (p *ServerPicker) pickLeader(ctx context.Context, deadline time.Time, cb func(*Server, error)) {
	if p.tablet.IsStale() {
		p.forceRefresh(ctx, deadline, cb)
		return
	}

	leader := p.tablet.Leader()

	p.mu.Lock()
	inFollowers := leader != nil && p.followers[leader.UUID()]
	p.mu.Unlock()

	if leader != nil && !inFollowers {
		p.initAndReturn(ctx, leader, cb)
		return
	}

	if inFollowers {
		p.tablet.MarkAsFollower(leader)
	}

	liveServers := p.tablet.LiveServers()
	var chosen *Server
	p.mu.Lock()
	for _, s := range liveServers {
		if !p.followers[s.UUID()] {
			chosen = s
			break
		}
	}
	p.mu.Unlock()

	if chosen == nil {
		p.forceRefresh(ctx, deadline, cb)
		return
	}

	p.tablet.MarkAsLeader(chosen)
	p.initAndReturn(ctx, chosen, cb)
}

// forceRefresh re-resolves the tablet through the owning MetaCache,
// clears the per-operation follower memory (fresh metadata supersedes
// it), and recurses into pickLeader.
func (p *ServerPicker) forceRefresh(ctx context.Context, deadline time.Time, cb func(*Server, error)) {
	onRefresh := func(_ *TabletView, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		p.mu.Lock()
		p.followers = make(map[string]bool)
		p.mu.Unlock()
		p.pickLeader(ctx, deadline, cb)
	}
	if p.tableID != "" {
		p.cache.LookupByKey(ctx, p.tableID, p.tablet.Partition().Lower, deadline, Point, onRefresh)
	} else {
		p.cache.LookupByID(ctx, p.tablet.ID(), deadline, onRefresh)
	}
}

// initAndReturn initializes server's proxy (§4.A) and invokes cb with
// the server regardless of outcome, per step 8.
func (p *ServerPicker) initAndReturn(ctx context.Context, server *Server, cb func(*Server, error)) {
	if server.HasProxy() {
		cb(server, nil)
		return
	}
	p.registry.InitProxy(ctx, server, func(err error) {
		cb(server, err)
	})
}

// MarkReplicaNotLeader records that server rejected an operation as
// not-leader, for the duration of this picker.
func (p *ServerPicker) MarkReplicaNotLeader(server *Server) {
	p.mu.Lock()
	p.followers[server.UUID()] = true
	p.mu.Unlock()
}

// MarkServerFailed records a transport-level failure against server on
// the underlying TabletView, visible to every picker sharing it.
func (p *ServerPicker) MarkServerFailed(server *Server, cause error) {
	p.cache.markReplicaFailed(p.tablet, server, cause)
}

// MarkResourceNotFound marks the tablet stale, forcing the next pick
// to refresh before selecting a server.
func (p *ServerPicker) MarkResourceNotFound() {
	p.tablet.MarkStale()
}
