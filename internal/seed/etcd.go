// Package seed loads server seed values and peer addresses from etcd.
package seed

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix holds configuration values; nodes register under
// DefaultPrefix + "nodes/".
const DefaultPrefix = "/gossipconf/"

const nodesDir = "nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Load returns every key under prefix with the prefix stripped. Node
// registrations are skipped.
func Load(ctx context.Context, kv clientv3.KV, prefix string) (map[string]string, error) {
	prefix = normalize(prefix)
	resp, err := kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("seed: get %q: %w", prefix, err)
	}
	values := make(map[string]string, len(resp.Kvs))
	for _, item := range resp.Kvs {
		key := strings.TrimPrefix(string(item.Key), prefix)
		if key == "" || strings.HasPrefix(key, nodesDir) {
			continue
		}
		values[key] = string(item.Value)
	}
	return values, nil
}

// Peers returns the overlay addresses registered under prefix.
func Peers(ctx context.Context, kv clientv3.KV, prefix string) ([]string, error) {
	dir := nodeKey(prefix, "")
	resp, err := kv.Get(ctx, dir, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("seed: get %q: %w", dir, err)
	}
	peers := make([]string, 0, len(resp.Kvs))
	for _, item := range resp.Kvs {
		peers = append(peers, string(item.Value))
	}
	return peers, nil
}

// Register publishes addr for node id under a lease of ttl seconds and
// keeps the lease alive until ctx ends.
func Register(ctx context.Context, kv clientv3.KV, lease clientv3.Lease, prefix, id, addr string, ttl int64) (clientv3.LeaseID, error) {
	grant, err := lease.Grant(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("seed: grant lease: %w", err)
	}
	if _, err := kv.Put(ctx, nodeKey(prefix, id), addr, clientv3.WithLease(grant.ID)); err != nil {
		return 0, fmt.Errorf("seed: register %s: %w", id, err)
	}
	alive, err := lease.KeepAlive(ctx, grant.ID)
	if err != nil {
		return 0, fmt.Errorf("seed: keep alive: %w", err)
	}
	go func() {
		for range alive {
		}
	}()
	return grant.ID, nil
}

func nodeKey(prefix, id string) string {
	return normalize(prefix) + nodesDir + id
}

func normalize(prefix string) string {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
