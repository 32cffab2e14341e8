// Package metacachepb holds the wire messages exchanged with the master
// and tablet servers, per the schemas consumed by MetaCache's slow path.
//
// These are the shapes a generated `*.pb.go` file would produce for the
// master's GetTableLocations / GetTabletLocations RPCs; the response
// TTL is represented with the protobuf well-known duration type
// rather than a bare int64, since that is the wire convention these
// messages were modeled on.
package metacachepb

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// HostPortPB is an advertised RPC endpoint.
type HostPortPB struct {
	Host string
	Port int32
}

// TSInfoPB describes a tablet server, interned once per response and
// referenced by index from InternedReplicaPB entries.
type TSInfoPB struct {
	PermanentUUID      string
	RPCAddresses       []HostPortPB
	Location           string
	UnixDomainSocketPath string // empty if not advertised
}

// ReplicaRole mirrors the roles a replica can hold in a consensus group.
type ReplicaRole int32

const (
	RoleUnknown ReplicaRole = iota
	RoleLeader
	RoleFollower
	RoleLearner
	RoleNonVoter
)

// ReplicaPB is the legacy, non-interned replica record: the full
// TSInfoPB is inlined.
type ReplicaPB struct {
	TSInfo TSInfoPB
	Role   ReplicaRole
}

// InternedReplicaPB is the interned replica record: ts_info_idx indexes
// into the response's top-level TSInfos slice.
type InternedReplicaPB struct {
	TSInfoIdx int32
	Role      ReplicaRole
}

// PartitionPB is a tablet's partition bounds. Empty Start/End are the
// unbounded sentinels.
type PartitionPB struct {
	Start []byte
	End   []byte
}

// TabletLocationsPB is one tablet's location record. A response uses
// either DeprecatedReplicas or InternedReplicas, never both populated.
type TabletLocationsPB struct {
	TabletID           string
	Partition          PartitionPB
	DeprecatedReplicas []ReplicaPB
	InternedReplicas   []InternedReplicaPB
}

// MasterErrorPB is the top-level error a master response can carry
// instead of (or alongside) a partial result.
type MasterErrorPB struct {
	Code    MasterErrorCode
	Message string
}

// MasterErrorCode classifies a master-reported failure.
type MasterErrorCode int32

const (
	ErrorUnknown MasterErrorCode = iota
	ErrorServiceUnavailable
	ErrorNotTheLeader
)

// TableLocationsResponsePB is the GetTableLocations response.
type TableLocationsResponsePB struct {
	TTL              *durationpb.Duration
	TabletLocations  []TabletLocationsPB
	TSInfos          []TSInfoPB // populated when the request interns
	Error            *MasterErrorPB
}

// TabletLocationsResponsePB is the GetTabletLocations response: exactly
// one TabletLocationsPB when the request named a single tablet id.
type TabletLocationsResponsePB struct {
	TabletLocations []TabletLocationsPB
	TSInfos         []TSInfoPB
	Error           *MasterErrorPB
}

// TableLocationsRequestPB is the request for a key-based lookup.
type TableLocationsRequestPB struct {
	TableID               string
	PartitionKeyStart     []byte
	MaxReturnedLocations  int32
	InternTSInfosInResponse bool
	ReplicaTypeFilterAny  bool // ANY_REPLICA vs voters-only
}

// TabletLocationsRequestPB is the request for an id-based lookup.
type TabletLocationsRequestPB struct {
	TabletID string
}
