package metacache

import "bytes"

// PartitionKey is an opaque, lexicographically-ordered partition key.
// The empty key is the minimum value and doubles as the sentinel for
// "unbounded" wherever a key is used as an upper bound.
//
// Modeled on the teacher's ByteView: an immutable view over a byte
// string, safe to share across goroutines once constructed.
type PartitionKey struct {
	b []byte
}

// Key constructs a PartitionKey from raw bytes. The caller must not
// mutate b afterwards.
func Key(b []byte) PartitionKey {
	if len(b) == 0 {
		return PartitionKey{}
	}
	return PartitionKey{b: b}
}

// KeyString constructs a PartitionKey from a string.
func KeyString(s string) PartitionKey {
	if s == "" {
		return PartitionKey{}
	}
	return PartitionKey{b: []byte(s)}
}

// Empty reports whether this is the "" sentinel.
func (k PartitionKey) Empty() bool { return len(k.b) == 0 }

// Bytes returns the underlying byte slice. Callers must treat it as
// read-only.
func (k PartitionKey) Bytes() []byte { return k.b }

// String renders the key for logging.
func (k PartitionKey) String() string { return string(k.b) }

// Compare orders k against other: <0, 0, >0.
func (k PartitionKey) Compare(other PartitionKey) int {
	return bytes.Compare(k.b, other.b)
}

// Less reports whether k sorts strictly before other.
func (k PartitionKey) Less(other PartitionKey) bool {
	return k.Compare(other) < 0
}

// Equal reports key equality.
func (k PartitionKey) Equal(other PartitionKey) bool {
	return k.Compare(other) == 0
}

// Partition is a tablet's [Lower, Upper) key range. An empty Upper
// means unbounded above.
type Partition struct {
	Lower PartitionKey
	Upper PartitionKey
}

// ContainsKey reports whether k falls within [Lower, Upper).
func (p Partition) ContainsKey(k PartitionKey) bool {
	if k.Less(p.Lower) {
		return false
	}
	if !p.Upper.Empty() && !k.Less(p.Upper) {
		return false
	}
	return true
}
