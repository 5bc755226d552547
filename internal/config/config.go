// Package config reads the gossipconf command configuration from a YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DobryySoul/gossipconf"
)

// Environment variables that override the file.
const (
	EnvNodeID = "GOSSIPCONF_NODE_ID"
	EnvListen = "GOSSIPCONF_LISTEN"
	EnvTopic  = "GOSSIPCONF_TOPIC"
)

type Etcd struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// File is the on-disk configuration of one node.
type File struct {
	NodeID            string            `yaml:"node_id"`
	Listen            string            `yaml:"listen"`
	Peers             []string          `yaml:"peers"`
	Discovery         bool              `yaml:"discovery"`
	Topic             string            `yaml:"topic"`
	MinPeers          int               `yaml:"min_peers"`
	AskInterval       time.Duration     `yaml:"ask_interval"`
	RequestTTL        time.Duration     `yaml:"request_ttl"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	Wants             []string          `yaml:"wants"`
	Seed              map[string]string `yaml:"seed"`
	Probe             string            `yaml:"probe"`
	Metrics           string            `yaml:"metrics"`
	Etcd              Etcd              `yaml:"etcd"`
	Log               Log               `yaml:"log"`
}

// Default mirrors the library defaults. Wants and Seed stay nil so that a
// file replaces them rather than merging into them.
func Default() File {
	return File{
		Listen:            "0.0.0.0:0",
		Discovery:         true,
		Topic:             gossipconf.DefaultTopic,
		MinPeers:          gossipconf.DefaultMinPeers,
		AskInterval:       gossipconf.DefaultAskInterval,
		RequestTTL:        gossipconf.DefaultRequestTTL,
		HeartbeatInterval: gossipconf.DefaultHeartbeatInterval,
		Etcd:              Etcd{Prefix: "/gossipconf/"},
		Log:               Log{Level: "info"},
	}
}

// DefaultWants is the want-list used when the file names none.
func DefaultWants() []string {
	return []string{"configservice.address", "configservice.port", "configservice.user"}
}

// DefaultSeed is the server store used when the file holds no seed map.
func DefaultSeed() map[string]string {
	return map[string]string{
		"configservice.address": "localhost",
		"configservice.port":    "61250",
		"configservice.user":    "public",
	}
}

// Load reads path over the defaults. Unknown fields are rejected. An empty
// path returns the defaults.
func Load(path string) (File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	if err := Decode(f, &cfg); err != nil {
		return File{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Decode merges the YAML document in r into cfg.
func Decode(r io.Reader, cfg *File) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from GOSSIPCONF_* variables found by lookup.
func (c *File) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvNodeID); ok && v != "" {
		c.NodeID = v
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup(EnvTopic); ok && v != "" {
		c.Topic = v
	}
}

// Options converts the file into node options.
func (c File) Options() []gossipconf.Option {
	opts := []gossipconf.Option{
		gossipconf.WithBindAddr(c.Listen),
		gossipconf.WithSeeds(c.Peers),
		gossipconf.WithDiscovery(c.Discovery),
		gossipconf.WithTopic(c.Topic),
		gossipconf.WithMinPeers(c.MinPeers),
		gossipconf.WithAskInterval(c.AskInterval),
		gossipconf.WithRequestTTL(c.RequestTTL),
		gossipconf.WithHeartbeatInterval(c.HeartbeatInterval),
	}
	if c.NodeID != "" {
		opts = append(opts, gossipconf.WithNodeID(c.NodeID))
	}
	return opts
}
