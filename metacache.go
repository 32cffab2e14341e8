package metacache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tabletdb/metacache/metacachepb"
	"github.com/tabletdb/metacache/rpcstatus"
)

// MasterClient is the cache's sole collaborator with the master RPC
// transport. The transport itself — connection management, leader
// discovery, credentials — is out of scope; MasterClient is called
// already pointed at the current master leader, and an error carrying
// a Redirect/Transient status (per rpcstatus) tells the slow path to
// retry.
type MasterClient interface {
	GetTableLocations(ctx context.Context, req metacachepb.TableLocationsRequestPB) (metacachepb.TableLocationsResponsePB, error)
	GetTabletLocations(ctx context.Context, req metacachepb.TabletLocationsRequestPB) (metacachepb.TabletLocationsResponsePB, error)
}

const (
	rpcDescGetTableLocations  = "GetTableLocations"
	rpcDescGetTabletLocations = "GetTabletLocations"
)

// masterError classifies a response-level MasterErrorPB per §7:
// service-unavailable and not-the-leader are retryable the same way a
// transport-level Unavailable/FailedPrecondition status is (through
// rpcstatus.Transient/Redirect); anything else is a terminal failure.
func masterError(e *metacachepb.MasterErrorPB) error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case metacachepb.ErrorServiceUnavailable:
		return rpcstatus.NewUnavailable("metacache: master reports service unavailable: %s", e.Message)
	case metacachepb.ErrorNotTheLeader:
		return rpcstatus.NewRedirect("metacache: master reports it is not the leader: %s", e.Message)
	default:
		return fmt.Errorf("metacache: master error: %s", e.Message)
	}
}

// MetaCache owns the ServerRegistry, the range index, and the
// by-tablet-id index, and exposes the two lookup entry points. A
// single RWMutex is the cache-level lock described in the concurrency
// model: fast-path reads take it shared, merges and clears take it
// exclusive.
type MetaCache struct {
	cfg      Config
	log      *logrus.Logger
	registry *ServerRegistry
	client   MasterClient
	permits  *permitPool

	mu       sync.RWMutex
	rangeIdx *RangeIndex
}

// NewMetaCache constructs an empty cache. cfg is validated; an invalid
// config panics, since it can only come from programmer error.
func NewMetaCache(cfg Config, log *logrus.Logger, registry *ServerRegistry, client MasterClient) *MetaCache {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MetaCache{
		cfg:      cfg,
		log:      log,
		registry: registry,
		client:   client,
		permits:  newPermitPool(cfg.MaxMasterRPCsInFlight),
		rangeIdx: NewRangeIndex(),
	}
}

// Registry returns the cache's ServerRegistry, mainly for ServerPicker
// to reach proxy initialization.
func (mc *MetaCache) Registry() *ServerRegistry { return mc.registry }

// LookupByKey resolves the tablet covering (or, for a LowerBound
// lookup, adjacent to) partition_key in table tableID. cb is invoked
// exactly once, possibly on a different goroutine, with the resolved
// tablet or an error.
func (mc *MetaCache) LookupByKey(ctx context.Context, tableID string, key PartitionKey, deadline time.Time, kind LookupKind, cb func(*TabletView, error)) {
	if tablet, err, miss := mc.fastPathByKey(tableID, key, kind); !miss {
		mc.log.WithField("table_id", tableID).Trace("metacache: fast-path hit")
		cb(tablet, err)
		return
	}
	requestID := uuid.NewString()
	go mc.slowPathByKey(ctx, requestID, tableID, key, deadline, kind, cb, 0)
}

// LookupByID resolves the tablet named tabletID directly.
func (mc *MetaCache) LookupByID(ctx context.Context, tabletID string, deadline time.Time, cb func(*TabletView, error)) {
	if tablet, miss := mc.fastPathByID(tabletID); !miss {
		mc.log.WithField("tablet_id", tabletID).Trace("metacache: fast-path hit")
		cb(tablet, nil)
		return
	}
	requestID := uuid.NewString()
	go mc.slowPathByID(ctx, requestID, tabletID, deadline, cb, 0)
}

// fastPathByKey implements §4.D's fast path: a loop under the shared
// cache lock, because a non-covered-range result for a LowerBound
// lookup may point past the gap to the next tablet.
func (mc *MetaCache) fastPathByKey(tableID string, key PartitionKey, kind LookupKind) (tablet *TabletView, err error, miss bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	now := time.Now()
	for {
		e, ok := mc.rangeIdx.Floor(tableID, key)
		if !ok || e.isStale(now) || !e.containsKey(key) {
			return nil, nil, true
		}
		if e.tablet != nil {
			if !e.tablet.HasLeader() {
				return nil, nil, true
			}
			return e.tablet, nil, false
		}
		if kind == Point || e.upper.Empty() {
			return nil, rpcstatus.NewNotFound("metacache: key %q in table %s falls in a non-covered range", key.String(), tableID), false
		}
		key = e.upper
	}
}

func (mc *MetaCache) fastPathByID(tabletID string) (tablet *TabletView, miss bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	e, ok := mc.rangeIdx.ByIDEntry(tabletID)
	if !ok || e.isStale(time.Now()) || e.tablet == nil || !e.tablet.HasLeader() {
		return nil, true
	}
	return e.tablet, false
}

// slowPathByKey acquires a permit, issues GetTableLocations with
// linear backoff across transient/redirect errors, and merges the
// result. It runs on its own goroutine; cb fires exactly once.
func (mc *MetaCache) slowPathByKey(ctx context.Context, requestID string, tableID string, key PartitionKey, deadline time.Time, kind LookupKind, cb func(*TabletView, error), attempt int) {
	log := mc.log.WithFields(logrus.Fields{"request_id": requestID, "table_id": tableID, "attempt": attempt})
	if !mc.permits.TryAcquire() {
		log.WithField("permits_in_flight", mc.permits.InFlight()).Debug("metacache: master RPC permits exhausted, deferring GetTableLocations")
		mc.delayedRetry(ctx, rpcDescGetTableLocations, deadline, func() {
			mc.slowPathByKey(ctx, requestID, tableID, key, deadline, kind, cb, attempt)
		}, cb)
		return
	}
	defer mc.permits.Release()

	req := metacachepb.TableLocationsRequestPB{
		TableID:                 tableID,
		PartitionKeyStart:       key.Bytes(),
		MaxReturnedLocations:    mc.cfg.maxReturnedLocations(kind),
		InternTSInfosInResponse: true,
		ReplicaTypeFilterAny:    mc.cfg.AnyReplicaFilter,
	}
	log.Debug("metacache: sending GetTableLocations")
	resp, err := mc.client.GetTableLocations(ctx, req)
	if err != nil {
		log.WithError(err).Debug("metacache: GetTableLocations failed")
		mc.handleSlowPathError(ctx, requestID, rpcDescGetTableLocations, deadline, err, attempt, func(nextAttempt int) {
			mc.slowPathByKey(ctx, requestID, tableID, key, deadline, kind, cb, nextAttempt)
		}, cb)
		return
	}
	if merr := masterError(resp.Error); merr != nil {
		log.WithError(merr).Debug("metacache: GetTableLocations reported a master error")
		mc.handleSlowPathError(ctx, requestID, rpcDescGetTableLocations, deadline, merr, attempt, func(nextAttempt int) {
			mc.slowPathByKey(ctx, requestID, tableID, key, deadline, kind, cb, nextAttempt)
		}, cb)
		return
	}
	tablet, mergeErr := mc.mergeTableLocations(tableID, key, kind, resp)
	if mergeErr != nil {
		mergeErr = rpcstatus.Wrap(rpcDescGetTableLocations, mergeErr)
	}
	cb(tablet, mergeErr)
}

func (mc *MetaCache) slowPathByID(ctx context.Context, requestID string, tabletID string, deadline time.Time, cb func(*TabletView, error), attempt int) {
	log := mc.log.WithFields(logrus.Fields{"request_id": requestID, "tablet_id": tabletID, "attempt": attempt})
	if !mc.permits.TryAcquire() {
		log.WithField("permits_in_flight", mc.permits.InFlight()).Debug("metacache: master RPC permits exhausted, deferring GetTabletLocations")
		mc.delayedRetry(ctx, rpcDescGetTabletLocations, deadline, func() {
			mc.slowPathByID(ctx, requestID, tabletID, deadline, cb, attempt)
		}, cb)
		return
	}
	defer mc.permits.Release()

	log.Debug("metacache: sending GetTabletLocations")
	resp, err := mc.client.GetTabletLocations(ctx, metacachepb.TabletLocationsRequestPB{TabletID: tabletID})
	if err != nil {
		log.WithError(err).Debug("metacache: GetTabletLocations failed")
		mc.handleSlowPathError(ctx, requestID, rpcDescGetTabletLocations, deadline, err, attempt, func(nextAttempt int) {
			mc.slowPathByID(ctx, requestID, tabletID, deadline, cb, nextAttempt)
		}, cb)
		return
	}
	if merr := masterError(resp.Error); merr != nil {
		log.WithError(merr).Debug("metacache: GetTabletLocations reported a master error")
		mc.handleSlowPathError(ctx, requestID, rpcDescGetTabletLocations, deadline, merr, attempt, func(nextAttempt int) {
			mc.slowPathByID(ctx, requestID, tabletID, deadline, cb, nextAttempt)
		}, cb)
		return
	}
	tablet, mergeErr := mc.mergeTabletLocations(tabletID, resp)
	if mergeErr != nil {
		mergeErr = rpcstatus.Wrap(rpcDescGetTabletLocations, mergeErr)
	}
	cb(tablet, mergeErr)
}

// handleSlowPathError classifies err per §7 and either retries (via
// retry, with the incremented attempt count) or terminates with cb,
// wrapping a terminal failure with desc for diagnostics.
func (mc *MetaCache) handleSlowPathError(ctx context.Context, requestID string, desc string, deadline time.Time, err error, attempt int, retry func(nextAttempt int), cb func(*TabletView, error)) {
	if !rpcstatus.Transient(err) && !rpcstatus.Redirect(err) {
		cb(nil, rpcstatus.Wrap(desc, err))
		return
	}
	if deadlineRemaining(deadline) <= 0 {
		cb(nil, rpcstatus.Wrap(desc, rpcstatus.NewTimedOut("metacache: deadline exceeded retrying master lookup: %v", err)))
		return
	}
	wait := linearBackoff(attempt, mc.cfg.RetryBackoffInitial, mc.cfg.RetryBackoffMax)
	mc.log.WithFields(logrus.Fields{"request_id": requestID, "attempt": attempt}).Debugf("metacache: retrying master lookup in %v", wait)
	time.AfterFunc(wait, func() { retry(attempt + 1) })
}

// delayedRetry is used for permit exhaustion: a TimedOut status,
// wrapped with desc, fires immediately if the deadline has already
// passed, otherwise retry is scheduled after one backoff interval.
func (mc *MetaCache) delayedRetry(ctx context.Context, desc string, deadline time.Time, retry func(), cb func(*TabletView, error)) {
	if deadlineRemaining(deadline) <= 0 {
		cb(nil, rpcstatus.Wrap(desc, rpcstatus.NewTimedOut("metacache: too many outstanding master requests")))
		return
	}
	time.AfterFunc(mc.cfg.RetryBackoffInitial, retry)
}

func ttlFromPB(d *durationpb.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return d.AsDuration()
}

// validateTableLocations checks every interned replica index against
// ts_infos before any mutation happens, so a corrupt response never
// leaves the cache partially merged. A response whose tablets carry
// interned replicas but which has zero ts_infos gets its own corruption
// error; tablets carrying only inline (deprecated) replicas need no
// ts_infos.
func validateTableLocations(id string, locs []metacachepb.TabletLocationsPB, tsInfos []metacachepb.TSInfoPB) error {
	if len(tsInfos) == 0 {
		for _, loc := range locs {
			if len(loc.InternedReplicas) > 0 {
				return corruptionEmptyTSInfos(id)
			}
		}
	}
	for _, loc := range locs {
		for _, r := range loc.InternedReplicas {
			if r.TSInfoIdx < 0 || int(r.TSInfoIdx) >= len(tsInfos) {
				return corruptionInternedIndexOutOfRange(loc.TabletID, r.TSInfoIdx, len(tsInfos))
			}
		}
	}
	return nil
}

// mergeTableLocations implements §4.C: pre-update the registry,
// infer non-covered ranges around and between the returned tablets,
// refresh or create each TabletView in place, and return floor(key)
// (skipping a non-covered gap for LowerBound lookups).
func (mc *MetaCache) mergeTableLocations(tableID string, lookupKey PartitionKey, kind LookupKind, resp metacachepb.TableLocationsResponsePB) (*TabletView, error) {
	if err := validateTableLocations(tableID, resp.TabletLocations, resp.TSInfos); err != nil {
		return nil, err
	}

	ttl := ttlFromPB(resp.TTL)
	expires := time.Now().Add(ttl)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if len(resp.TabletLocations) == 0 {
		mc.rangeIdx.ClearTable(tableID)
		mc.rangeIdx.InsertNonCoveredEntry(tableID, PartitionKey{}, PartitionKey{}, expires)
		return mc.resultAfterMerge(tableID, lookupKey, kind)
	}

	for _, loc := range resp.TabletLocations {
		for _, r := range loc.DeprecatedReplicas {
			mc.registry.Upsert(serverInfoFromTSInfo(r.TSInfo))
		}
	}
	for _, ts := range resp.TSInfos {
		mc.registry.Upsert(serverInfoFromTSInfo(ts))
	}

	firstLower := Key(resp.TabletLocations[0].Partition.Start)
	lastUpper := PartitionKey{}
	if lookupKey.Less(firstLower) {
		mc.rangeIdx.EraseRange(tableID, PartitionKey{}, firstLower)
		mc.rangeIdx.InsertNonCoveredEntry(tableID, PartitionKey{}, firstLower, expires)
	} else {
		lastUpper = firstLower
	}

	for _, loc := range resp.TabletLocations {
		lower := Key(loc.Partition.Start)
		upper := Key(loc.Partition.End)

		if lastUpper.Less(lower) {
			mc.rangeIdx.EraseRange(tableID, lastUpper, lower)
			mc.rangeIdx.InsertNonCoveredEntry(tableID, lastUpper, lower, expires)
		}

		if existing, ok := mc.rangeIdx.TabletByID(loc.TabletID); ok {
			if err := existing.Refresh(mc.registry, loc, resp.TSInfos); err != nil {
				return nil, err
			}
			if !mc.rangeIdx.RefreshTabletEntryExpiration(tableID, existing, expires) {
				mc.rangeIdx.InsertTabletEntry(tableID, existing, expires)
			}
		} else {
			mc.rangeIdx.EraseRange(tableID, lower, upper)
			tv := NewTabletView(loc.TabletID, Partition{Lower: lower, Upper: upper})
			if err := tv.Refresh(mc.registry, loc, resp.TSInfos); err != nil {
				return nil, err
			}
			mc.rangeIdx.InsertTabletEntry(tableID, tv, expires)
		}
		lastUpper = upper
	}

	if !lastUpper.Empty() && len(resp.TabletLocations) < int(mc.cfg.maxReturnedLocations(kind)) {
		mc.rangeIdx.InsertNonCoveredEntry(tableID, lastUpper, PartitionKey{}, expires)
	}

	return mc.resultAfterMerge(tableID, lookupKey, kind)
}

// resultAfterMerge returns floor(key), skipping one non-covered gap
// for a LowerBound lookup per §4.C step 6. Must be called with mc.mu
// already held.
func (mc *MetaCache) resultAfterMerge(tableID string, key PartitionKey, kind LookupKind) (*TabletView, error) {
	e, ok := mc.rangeIdx.Floor(tableID, key)
	if !ok {
		return nil, rpcstatus.NewNotFound("metacache: no entry for key %q in table %s after merge", key.String(), tableID)
	}
	if e.tablet == nil {
		if kind == LowerBound && !e.upper.Empty() {
			if next, ok := mc.rangeIdx.Floor(tableID, e.upper); ok && next.tablet != nil {
				return next.tablet, nil
			}
		}
		return nil, rpcstatus.NewNotFound("metacache: key %q in table %s falls in a non-covered range", key.String(), tableID)
	}
	return e.tablet, nil
}

// mergeTabletLocations implements the GetTabletLocations merge: a
// single TabletView refreshed or created in place, with a by-id entry
// expiring after TabletLocationsByIDTTL.
func (mc *MetaCache) mergeTabletLocations(tabletID string, resp metacachepb.TabletLocationsResponsePB) (*TabletView, error) {
	if len(resp.TabletLocations) == 0 {
		return nil, rpcstatus.NewNotFound("metacache: master reports no location for tablet %s", tabletID)
	}
	if err := validateTableLocations(tabletID, resp.TabletLocations, resp.TSInfos); err != nil {
		return nil, err
	}

	loc := resp.TabletLocations[0]
	expires := time.Now().Add(mc.cfg.TabletLocationsByIDTTL)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	for _, r := range loc.DeprecatedReplicas {
		mc.registry.Upsert(serverInfoFromTSInfo(r.TSInfo))
	}
	for _, ts := range resp.TSInfos {
		mc.registry.Upsert(serverInfoFromTSInfo(ts))
	}

	tv, ok := mc.rangeIdx.TabletByID(tabletID)
	if !ok {
		tv = NewTabletView(loc.TabletID, Partition{Lower: Key(loc.Partition.Start), Upper: Key(loc.Partition.End)})
	}
	if err := tv.Refresh(mc.registry, loc, resp.TSInfos); err != nil {
		return nil, err
	}
	mc.rangeIdx.UpsertByIDEntry(tv, expires)
	return tv, nil
}

// MarkTSFailed marks every known replica served by server as failed,
// across every tracked tablet. Called when an RPC to server fails
// independently of which tablet's picker was using it.
func (mc *MetaCache) MarkTSFailed(server *Server, cause error) {
	mc.mu.RLock()
	tablets := make([]*TabletView, 0, len(mc.rangeIdx.tabletsByID))
	for _, tv := range mc.rangeIdx.tabletsByID {
		tablets = append(tablets, tv)
	}
	mc.mu.RUnlock()

	for _, tv := range tablets {
		tv.MarkReplicaFailed(server, cause, mc.cfg.ReplicaFailedWarnInterval, mc.log)
	}
}

func (mc *MetaCache) markReplicaFailed(tablet *TabletView, server *Server, cause error) {
	tablet.MarkReplicaFailed(server, cause, mc.cfg.ReplicaFailedWarnInterval, mc.log)
}

// ClearCache discards every cached tablet, non-covered-range entry,
// and interned server.
func (mc *MetaCache) ClearCache() {
	mc.mu.Lock()
	mc.rangeIdx.ClearAll()
	mc.mu.Unlock()
	mc.registry.Clear()
}

// ClearNonCoveredRanges discards only the non-covered-range entries
// for tableID, leaving its tablet entries intact.
func (mc *MetaCache) ClearNonCoveredRanges(tableID string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.rangeIdx.ClearNonCoveredRangeEntries(tableID)
}
