package metacache

import (
	"time"

	"github.com/google/btree"
)

// btreeDegree matches the degree used by the TiKV-Go client's
// RegionCache (other_examples' region_cache.go), the closest
// production analogue of this ordered-by-lower-bound index.
const btreeDegree = 32

// rangeEntry is a RangeIndex entry: either a tablet entry (tablet !=
// nil) or a non-covered-range entry (tablet == nil) with no backing
// TabletView. Entries are keyed by their lower bound.
type rangeEntry struct {
	lower PartitionKey
	upper PartitionKey
	tablet    *TabletView
	expiresAt time.Time
}

func (e *rangeEntry) containsKey(k PartitionKey) bool {
	return Partition{Lower: e.lower, Upper: e.upper}.ContainsKey(k)
}

// isStale reports whether e should be treated as a fast-path miss: its
// TTL has elapsed, or (for a tablet entry) the underlying TabletView
// has been marked stale.
func (e *rangeEntry) isStale(now time.Time) bool {
	if !now.Before(e.expiresAt) {
		return true
	}
	return e.tablet != nil && e.tablet.IsStale()
}

func entryLess(a, b *rangeEntry) bool { return a.lower.Less(b.lower) }

// RangeIndex is a per-table ordered index of tablet and non-covered-
// range entries, plus the by-tablet-id index that survives removal
// from the ordered index. None of RangeIndex's methods take any lock
// of their own: per §5 of the design, a single cache-level RWMutex
// (owned by MetaCache) governs all access to a RangeIndex, so every
// method here assumes the caller already holds the appropriate side of
// that lock.
type RangeIndex struct {
	byTable     map[string]*btree.BTreeG[*rangeEntry]
	byTabletID  map[string]*rangeEntry
	tabletsByID map[string]*TabletView
}

// NewRangeIndex constructs an empty index.
func NewRangeIndex() *RangeIndex {
	return &RangeIndex{
		byTable:     make(map[string]*btree.BTreeG[*rangeEntry]),
		byTabletID:  make(map[string]*rangeEntry),
		tabletsByID: make(map[string]*TabletView),
	}
}

func (idx *RangeIndex) tree(tableID string) *btree.BTreeG[*rangeEntry] {
	return idx.byTable[tableID]
}

func (idx *RangeIndex) treeOrCreate(tableID string) *btree.BTreeG[*rangeEntry] {
	t, ok := idx.byTable[tableID]
	if !ok {
		t = btree.NewG(btreeDegree, entryLess)
		idx.byTable[tableID] = t
	}
	return t
}

// Floor returns the entry with the greatest lower bound <= key, for
// the given table. ok is false if the table is unseen or key precedes
// every known entry.
func (idx *RangeIndex) Floor(tableID string, key PartitionKey) (*rangeEntry, bool) {
	t := idx.tree(tableID)
	if t == nil {
		return nil, false
	}
	var found *rangeEntry
	t.DescendLessOrEqual(&rangeEntry{lower: key}, func(e *rangeEntry) bool {
		found = e
		return false
	})
	return found, found != nil
}

// EraseRange removes every entry of tableID whose lower bound falls in
// [begin, end). end.Empty() means unbounded above.
func (idx *RangeIndex) EraseRange(tableID string, begin, end PartitionKey) {
	t := idx.tree(tableID)
	if t == nil {
		return
	}
	var toDelete []*rangeEntry
	visit := func(e *rangeEntry) bool {
		toDelete = append(toDelete, e)
		return true
	}
	if end.Empty() {
		t.AscendGreaterOrEqual(&rangeEntry{lower: begin}, visit)
	} else {
		t.AscendRange(&rangeEntry{lower: begin}, &rangeEntry{lower: end}, visit)
	}
	for _, e := range toDelete {
		t.Delete(e)
		if e.tablet != nil {
			delete(idx.byTabletID, e.tablet.ID())
		}
	}
}

// InsertTabletEntry inserts or refreshes the range-index entry for
// tablet, keyed at its lower bound, and keeps the by-id index pointed
// at the same entry. It does not erase overlaps; callers do that via
// EraseRange first, per the merge algorithm's explicit ordering.
func (idx *RangeIndex) InsertTabletEntry(tableID string, tablet *TabletView, expiresAt time.Time) {
	t := idx.treeOrCreate(tableID)
	p := tablet.Partition()
	e := &rangeEntry{lower: p.Lower, upper: p.Upper, tablet: tablet, expiresAt: expiresAt}
	t.ReplaceOrInsert(e)
	idx.tabletsByID[tablet.ID()] = tablet
	idx.byTabletID[tablet.ID()] = e
}

// RefreshTabletEntryExpiration bumps the expiration of the existing
// range-index entry for tablet without touching its position, used
// when a merge re-observes a tablet whose TabletView is reused in
// place.
func (idx *RangeIndex) RefreshTabletEntryExpiration(tableID string, tablet *TabletView, expiresAt time.Time) bool {
	t := idx.tree(tableID)
	if t == nil {
		return false
	}
	p := tablet.Partition()
	if e, ok := t.Get(&rangeEntry{lower: p.Lower}); ok && e.tablet == tablet {
		e.expiresAt = expiresAt
		idx.byTabletID[tablet.ID()] = e
		return true
	}
	return false
}

// InsertNonCoveredEntry inserts a non-covered-range entry [lower,
// upper) for tableID.
func (idx *RangeIndex) InsertNonCoveredEntry(tableID string, lower, upper PartitionKey, expiresAt time.Time) {
	t := idx.treeOrCreate(tableID)
	t.ReplaceOrInsert(&rangeEntry{lower: lower, upper: upper, expiresAt: expiresAt})
}

// ClearTable drops every entry for tableID (both kinds) and any by-id
// entries pointing at tablets in it.
func (idx *RangeIndex) ClearTable(tableID string) {
	t := idx.tree(tableID)
	if t == nil {
		return
	}
	t.Ascend(func(e *rangeEntry) bool {
		if e.tablet != nil {
			delete(idx.byTabletID, e.tablet.ID())
		}
		return true
	})
	delete(idx.byTable, tableID)
}

// ClearNonCoveredRangeEntries removes only the non-covered-range
// entries for tableID, leaving tablet entries (and the tablets they
// reference) untouched.
func (idx *RangeIndex) ClearNonCoveredRangeEntries(tableID string) {
	t := idx.tree(tableID)
	if t == nil {
		return
	}
	var toDelete []*rangeEntry
	t.Ascend(func(e *rangeEntry) bool {
		if e.tablet == nil {
			toDelete = append(toDelete, e)
		}
		return true
	})
	for _, e := range toDelete {
		t.Delete(e)
	}
}

// ClearAll drops every table's index and the by-id indices, the
// RangeIndex half of ClearCache.
func (idx *RangeIndex) ClearAll() {
	idx.byTable = make(map[string]*btree.BTreeG[*rangeEntry])
	idx.byTabletID = make(map[string]*rangeEntry)
	idx.tabletsByID = make(map[string]*TabletView)
}

// TabletByID returns the cached TabletView for tabletID regardless of
// whether it is currently indexed in any RangeIndex tree (it may have
// been evicted from range indexing but still serve stale scan tokens).
func (idx *RangeIndex) TabletByID(tabletID string) (*TabletView, bool) {
	t, ok := idx.tabletsByID[tabletID]
	return t, ok
}

// ByIDEntry returns the by-tablet-id index entry, used by the id-based
// fast path.
func (idx *RangeIndex) ByIDEntry(tabletID string) (*rangeEntry, bool) {
	e, ok := idx.byTabletID[tabletID]
	return e, ok
}

// UpsertByIDEntry records/refreshes a by-id entry independent of range
// indexing, used by GetTabletLocations responses which don't touch the
// ordered range index at all.
func (idx *RangeIndex) UpsertByIDEntry(tablet *TabletView, expiresAt time.Time) {
	p := tablet.Partition()
	e := &rangeEntry{lower: p.Lower, upper: p.Upper, tablet: tablet, expiresAt: expiresAt}
	idx.tabletsByID[tablet.ID()] = tablet
	idx.byTabletID[tablet.ID()] = e
}
