package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DobryySoul/gossipconf"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	doc := `
listen: 127.0.0.1:7946
peers: [127.0.0.1:7947]
discovery: false
min_peers: 1
ask_interval: 250ms
wants: [a, b]
seed:
  a: "1"
etcd:
  endpoints: [http://127.0.0.1:2379]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7946" || cfg.Discovery || cfg.MinPeers != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.AskInterval != 250*time.Millisecond {
		t.Fatalf("AskInterval = %v, want 250ms", cfg.AskInterval)
	}
	if cfg.Topic != gossipconf.DefaultTopic || cfg.RequestTTL != gossipconf.DefaultRequestTTL {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.Wants) != 2 || cfg.Seed["a"] != "1" || len(cfg.Seed) != 1 {
		t.Fatalf("wants = %v seed = %v", cfg.Wants, cfg.Seed)
	}
	if cfg.Etcd.Prefix != "/gossipconf/" || len(cfg.Etcd.Endpoints) != 1 {
		t.Fatalf("etcd = %+v", cfg.Etcd)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	cfg := Default()
	if err := Decode(strings.NewReader("lissen: :1\n"), &cfg); err == nil {
		t.Fatalf("expected an unknown field to be rejected")
	}
}

func TestDecodeEmptyDocument(t *testing.T) {
	cfg := Default()
	if err := Decode(strings.NewReader(""), &cfg); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if cfg.Topic != gossipconf.DefaultTopic {
		t.Fatalf("Topic = %q", cfg.Topic)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{EnvNodeID: "node-7", EnvListen: "127.0.0.1:9000", EnvTopic: ""}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.NodeID != "node-7" || cfg.Listen != "127.0.0.1:9000" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Topic != gossipconf.DefaultTopic {
		t.Fatalf("empty variable overrode topic: %q", cfg.Topic)
	}
}

func TestOptionsBuildAServer(t *testing.T) {
	cfg := Default()
	cfg.Discovery = false
	hub := gossipconf.NewHub()
	opts := []gossipconf.Option{gossipconf.WithOverlay(hub.Join("server", 8))}
	cfg.Listen = "127.0.0.1:0"
	// An injected overlay replaces the bind address but keeps the rest.
	opts = append(cfg.Options(), opts...)
	n, err := gossipconf.NewServer(cfg.Seed, opts...)
	if err != nil {
		t.Fatalf("new server failed: %v", err)
	}
	defer n.Close(t.Context())
	if n.Addr() != "" {
		t.Fatalf("Addr = %q, want empty for an injected overlay", n.Addr())
	}
}
