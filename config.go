package metacache

import (
	"fmt"
	"time"
)

// LookupKind selects between a point lookup and a lower-bound (range)
// lookup; the two differ in how a non-covered-range result is handled
// on the fast path and in the max_returned_locations sent upstream.
type LookupKind int

const (
	// Point looks up the tablet that contains exactly key.
	Point LookupKind = iota
	// LowerBound looks up the tablet covering key or, if key falls in
	// a non-covered range with a known upper bound, the tablet
	// adjacent to that gap.
	LowerBound
)

func (k LookupKind) String() string {
	if k == Point {
		return "point"
	}
	return "lower_bound"
}

// Config collects the cache's tunables. The zero value is not valid;
// use DefaultConfig and override individual fields.
type Config struct {
	// UseUnixDomainSockets enables attempting a local-domain-socket
	// proxy when a server advertises one and its first endpoint's host
	// is "localhost" or a loopback IP literal (no DNS lookup is made for
	// this check). Wire name: client_use_unix_domain_sockets.
	UseUnixDomainSockets bool

	// TabletLocationsByIDTTL is the TTL applied to by-id cache entries
	// populated by GetTabletLocations. By-key TTL instead comes from
	// each response's own TTL field. Wire name:
	// client_tablet_locations_by_id_ttl_ms.
	TabletLocationsByIDTTL time.Duration

	// MaxMasterRPCsInFlight bounds the cache-global permit semaphore
	// gating slow-path master lookups.
	MaxMasterRPCsInFlight int64

	// MaxReturnedLocationsPoint/LowerBound are the max_returned_locations
	// values sent with Point and LowerBound requests respectively. They
	// must stay constant per kind: the merge step trusts that whichever
	// value was requested is the same one passed back into it.
	MaxReturnedLocationsPoint      int32
	MaxReturnedLocationsLowerBound int32

	// RetryBackoffInitial/Max bound the linear backoff used between
	// slow-path retries of transient RPC errors.
	RetryBackoffInitial time.Duration
	RetryBackoffMax     time.Duration

	// AnyReplicaFilter, when true, requests ANY_REPLICA (including
	// non-voters) rather than the default voters-only filter.
	AnyReplicaFilter bool

	// SocketPathWarnInterval throttles the "malformed socket path" log
	// to at most once per this interval, per server.
	SocketPathWarnInterval time.Duration

	// ReplicaFailedWarnInterval throttles "replica marked failed" logs
	// to at most once per this interval, per tablet.
	ReplicaFailedWarnInterval time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		UseUnixDomainSockets:           false,
		TabletLocationsByIDTTL:         time.Duration(3_600_000) * time.Millisecond,
		MaxMasterRPCsInFlight:          50,
		MaxReturnedLocationsPoint:      10,
		MaxReturnedLocationsLowerBound: 20,
		AnyReplicaFilter:               false,
		RetryBackoffInitial:            50 * time.Millisecond,
		RetryBackoffMax:                2 * time.Second,
		SocketPathWarnInterval:         60 * time.Second,
		ReplicaFailedWarnInterval:      time.Second,
	}
}

// Validate rejects configurations that would make the cache's
// invariants unenforceable.
func (c Config) Validate() error {
	if c.TabletLocationsByIDTTL <= 0 {
		return fmt.Errorf("metacache: TabletLocationsByIDTTL must be positive")
	}
	if c.MaxMasterRPCsInFlight <= 0 {
		return fmt.Errorf("metacache: MaxMasterRPCsInFlight must be positive")
	}
	if c.MaxReturnedLocationsPoint <= 0 || c.MaxReturnedLocationsLowerBound <= 0 {
		return fmt.Errorf("metacache: MaxReturnedLocations* must be positive")
	}
	if c.RetryBackoffInitial <= 0 || c.RetryBackoffMax < c.RetryBackoffInitial {
		return fmt.Errorf("metacache: invalid retry backoff configuration")
	}
	return nil
}

// maxReturnedLocations returns the configured cap for kind.
func (c Config) maxReturnedLocations(kind LookupKind) int32 {
	if kind == Point {
		return c.MaxReturnedLocationsPoint
	}
	return c.MaxReturnedLocationsLowerBound
}
