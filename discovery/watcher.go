// Package discovery resolves the current master leader's RPC address
// by watching etcd, the out-of-scope collaborator named in the "callback
// for master-leader changes" interface. MetaCache does not use this
// package: it never talks to etcd, and nothing in the root package
// reads MasterLeaderWatcher.CurrentMasterLeader.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// initialReadTimeout bounds the initial read of the leader key so
// Start fails fast against an unreachable etcd cluster instead of
// hanging the caller; the subsequent watch is not bounded by it.
const initialReadTimeout = 5 * time.Second

// MasterLeaderWatcher watches a key prefix in etcd for the master
// leader's advertised RPC address and keeps the most recently observed
// value available without blocking callers on etcd round-trips.
type MasterLeaderWatcher struct {
	client *clientv3.Client
	prefix string
	log    *logrus.Logger

	mu             sync.RWMutex
	leader         string
	known          bool
	onLeaderChange func(addr string)

	cancel context.CancelFunc
}

// NewMasterLeaderWatcher constructs a watcher over keyPrefix. Call
// Start to begin watching; Stop to release the etcd watch.
func NewMasterLeaderWatcher(client *clientv3.Client, keyPrefix string, log *logrus.Logger) *MasterLeaderWatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MasterLeaderWatcher{client: client, prefix: keyPrefix, log: log}
}

// OnLeaderChange registers a callback invoked whenever the observed
// leader address changes: on the goroutine calling Start for a value
// found by its initial read, and on the watcher's own goroutine for
// later changes. At most one callback is held; registering again
// replaces it.
func (w *MasterLeaderWatcher) OnLeaderChange(cb func(addr string)) {
	w.mu.Lock()
	w.onLeaderChange = cb
	w.mu.Unlock()
}

// CurrentMasterLeader returns the most recently observed leader
// address. ok is false until a leader address has been observed, by
// Start's initial read or by the watch.
func (w *MasterLeaderWatcher) CurrentMasterLeader() (addr string, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.leader, w.known
}

// Start performs an initial read of keyPrefix and launches a goroutine
// that watches for subsequent changes until ctx is done or Stop is
// called.
func (w *MasterLeaderWatcher) Start(ctx context.Context) error {
	getCtx, cancel := context.WithTimeout(ctx, initialReadTimeout)
	defer cancel()
	getResp, err := w.client.Get(getCtx, w.prefix, clientv3.WithFirstCreate()...)
	if err != nil {
		return err
	}
	if len(getResp.Kvs) > 0 {
		w.setLeader(string(getResp.Kvs[0].Value))
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	watchCh := w.client.Watch(watchCtx, w.prefix, clientv3.WithPrefix())
	go w.run(watchCh)
	return nil
}

func (w *MasterLeaderWatcher) run(watchCh clientv3.WatchChan) {
	for resp := range watchCh {
		if resp.Err() != nil {
			w.log.WithError(resp.Err()).Warn("discovery: master leader watch error")
			continue
		}
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			w.setLeader(string(ev.Kv.Value))
		}
	}
}

func (w *MasterLeaderWatcher) setLeader(addr string) {
	w.mu.Lock()
	changed := !w.known || w.leader != addr
	w.leader = addr
	w.known = true
	cb := w.onLeaderChange
	w.mu.Unlock()

	if changed {
		w.log.WithField("leader_addr", addr).Info("discovery: master leader changed")
		if cb != nil {
			cb(addr)
		}
	}
}

// Stop releases the etcd watch. Safe to call more than once.
func (w *MasterLeaderWatcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
