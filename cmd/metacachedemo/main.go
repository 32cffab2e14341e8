// Command metacachedemo drives one lookup and one leader pick against
// an in-memory fake master, mirroring the teacher's
// own example/main.go as a runnable sanity check of the wiring.
package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tabletdb/metacache"
	"github.com/tabletdb/metacache/discovery"
	"github.com/tabletdb/metacache/metacachepb"
)

// fakeMaster is a scripted MasterClient: it always reports the same
// single tablet with two replicas, enough to exercise a lookup and a
// picker pick without a real master or RPC transport.
type fakeMaster struct{}

func (fakeMaster) GetTableLocations(ctx context.Context, req metacachepb.TableLocationsRequestPB) (metacachepb.TableLocationsResponsePB, error) {
	return metacachepb.TableLocationsResponsePB{
		TTL: durationpb.New(time.Minute),
		TabletLocations: []metacachepb.TabletLocationsPB{
			{
				TabletID:  "tablet-0001",
				Partition: metacachepb.PartitionPB{Start: nil, End: nil},
				InternedReplicas: []metacachepb.InternedReplicaPB{
					{TSInfoIdx: 0, Role: metacachepb.RoleLeader},
					{TSInfoIdx: 1, Role: metacachepb.RoleFollower},
				},
			},
		},
		TSInfos: []metacachepb.TSInfoPB{
			{PermanentUUID: "ts-1", RPCAddresses: []metacachepb.HostPortPB{{Host: "127.0.0.1", Port: 7150}}},
			{PermanentUUID: "ts-2", RPCAddresses: []metacachepb.HostPortPB{{Host: "127.0.0.1", Port: 7151}}},
		},
	}, nil
}

func (fakeMaster) GetTabletLocations(ctx context.Context, req metacachepb.TabletLocationsRequestPB) (metacachepb.TabletLocationsResponsePB, error) {
	resp, err := fakeMaster{}.GetTableLocations(ctx, metacachepb.TableLocationsRequestPB{})
	return metacachepb.TabletLocationsResponsePB{TabletLocations: resp.TabletLocations, TSInfos: resp.TSInfos}, err
}

// watchMasterLeader starts an etcd-backed MasterLeaderWatcher against
// METACACHE_ETCD_ENDPOINTS (comma-separated, default 127.0.0.1:2379).
// A real master deployment would feed the watcher's resolved address
// into MasterClient's dial target; this demo only logs changes, since
// fakeMaster needs no address to resolve. Unreachable etcd degrades to
// a warning, not a fatal error: MetaCache never talks to etcd itself.
func watchMasterLeader(log *logrus.Logger) *discovery.MasterLeaderWatcher {
	endpoints := []string{"127.0.0.1:2379"}
	if v := os.Getenv("METACACHE_ETCD_ENDPOINTS"); v != "" {
		endpoints = strings.Split(v, ",")
	}

	client, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: 2 * time.Second})
	if err != nil {
		log.WithError(err).Warn("discovery: failed to construct etcd client, continuing without a master leader watch")
		return nil
	}

	watcher := discovery.NewMasterLeaderWatcher(client, "/master/leader", log)
	watcher.OnLeaderChange(func(addr string) {
		log.WithField("leader_addr", addr).Info("demo: observed master leader change")
	})
	if err := watcher.Start(context.Background()); err != nil {
		log.WithError(err).Warn("discovery: master leader watch unavailable, continuing without one")
		client.Close()
		return nil
	}
	if addr, ok := watcher.CurrentMasterLeader(); ok {
		log.WithField("leader_addr", addr).Info("demo: resolved master leader via etcd")
	}
	return watcher
}

func main() {
	log := logrus.StandardLogger()
	log.SetLevel(logrus.DebugLevel)

	if watcher := watchMasterLeader(log); watcher != nil {
		defer watcher.Stop()
	}

	cfg := metacache.DefaultConfig()
	registry := metacache.NewServerRegistry(cfg, log)
	cache := metacache.NewMetaCache(cfg, log, registry, fakeMaster{})

	deadline := time.Now().Add(5 * time.Second)
	done := make(chan struct{})

	cache.LookupByKey(context.Background(), "table-1", metacache.KeyString("d"), deadline, metacache.Point, func(tablet *metacache.TabletView, err error) {
		defer close(done)
		if err != nil {
			log.WithError(err).Error("lookup failed")
			return
		}
		log.WithField("tablet_id", tablet.ID()).Info("resolved tablet")

		picker := metacache.NewServerPicker(cache, tablet, "table-1")
		picker.PickLeader(context.Background(), deadline, func(server *metacache.Server, err error) {
			if err != nil {
				log.WithError(err).Error("pick failed")
				return
			}
			log.WithField("server_uuid", server.UUID()).Info("picked leader")
		})
	})

	<-done
}
