package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const serviceName = "_gossipconf._udp"

// Config describes the node announced on the local network.
type Config struct {
	NodeID   string
	BindAddr string
	// Topic restricts discovery to nodes announcing the same topic.
	Topic  string
	Logger *zap.Logger
}

// MDNS announces the local overlay endpoint and reports peers found on
// the LAN.
type MDNS struct {
	cfg     Config
	logger  *zap.Logger
	server  *zeroconf.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	entries chan *zeroconf.ServiceEntry
}

// NewMDNS registers the node and starts browsing. onPeer receives the
// host:port addresses of each discovered node.
func NewMDNS(cfg Config, onPeer func([]string)) (*MDNS, error) {
	_, portStr, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid bind addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid port: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server, err := zeroconf.Register(cfg.NodeID, serviceName, "local.", port, txtRecords(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	m := &MDNS{
		cfg:     cfg,
		logger:  logger.Named("discovery"),
		server:  server,
		cancel:  cancel,
		entries: entries,
	}

	m.wg.Add(1)
	go m.browseLoop(entries, onPeer)

	if err := resolver.Browse(ctx, serviceName, "local.", entries); err != nil {
		cancel()
		server.Shutdown()
		m.wg.Wait()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	m.logger.Info("announced", zap.String("service", serviceName), zap.Int("port", port))
	return m, nil
}

func (m *MDNS) browseLoop(entries <-chan *zeroconf.ServiceEntry, onPeer func([]string)) {
	defer m.wg.Done()
	for entry := range entries {
		if !m.accept(entry.Text) {
			continue
		}
		addrs := entryAddrs(entry)
		if len(addrs) == 0 {
			continue
		}
		m.logger.Debug("peer found", zap.String("instance", entry.Instance), zap.Strings("addrs", addrs))
		onPeer(addrs)
	}
}

// accept reports whether a TXT record set belongs to another node on the
// same topic.
func (m *MDNS) accept(text []string) bool {
	if slices.Contains(text, "node="+m.cfg.NodeID) {
		return false
	}
	if m.cfg.Topic == "" {
		return true
	}
	return slices.Contains(text, "topic="+m.cfg.Topic)
}

// Stop shuts down the discovery service.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.server.Shutdown()
}

func txtRecords(cfg Config) []string {
	text := []string{"node=" + cfg.NodeID}
	if cfg.Topic != "" {
		text = append(text, "topic="+cfg.Topic)
	}
	return text
}

func entryAddrs(entry *zeroconf.ServiceEntry) []string {
	port := strconv.Itoa(entry.Port)
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, net.JoinHostPort(ip.String(), port))
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, net.JoinHostPort(ip.String(), port))
	}
	return addrs
}
