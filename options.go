package gossipconf

import (
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/DobryySoul/gossipconf/internal/loop"
	"github.com/DobryySoul/gossipconf/internal/overlay"
)

// Defaults applied by New* when the matching option is omitted.
const (
	DefaultTopic             = "general"
	DefaultMinPeers          = loop.DefaultMinPeers
	DefaultAskInterval       = time.Second
	DefaultRequestTTL        = 10 * time.Second
	DefaultHeartbeatInterval = time.Second
)

// Option configures a node on creation.
// Return an error to reject an invalid option value.
type Option func(*Config) error

// Config holds runtime configuration for a gossipconf node.
// Users typically set it via Option helpers.
type Config struct {
	NodeID            string
	BindAddr          string
	Seeds             []string
	Discovery         bool
	Topic             string
	MinPeers          int
	AskInterval       time.Duration
	RequestTTL        time.Duration
	HeartbeatInterval time.Duration
	FirstRequestID    uint64
	ProbeAddr         string

	firstIDSet   bool
	logger       *zap.Logger
	registry     *prometheus.Registry
	version      string
	gitSHA       string
	overlay      overlay.Overlay
	errorHandler func(error)
}

func defaultConfig() Config {
	return Config{
		Discovery:         true,
		Topic:             DefaultTopic,
		MinPeers:          DefaultMinPeers,
		AskInterval:       DefaultAskInterval,
		RequestTTL:        DefaultRequestTTL,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

func (c *Config) finalize() error {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if !c.firstIDSet {
		// Replies are broadcast, so clients sharing a topic must not mint
		// the same ids.
		c.FirstRequestID = rand.Uint64()
	}
	if c.BindAddr != "" {
		if err := validateAddr(c.BindAddr); err != nil {
			return err
		}
	}
	if c.overlay == nil && c.BindAddr == "" {
		c.BindAddr = "0.0.0.0:0"
	}
	if c.overlay != nil && len(c.Seeds) > 0 {
		return fmt.Errorf("gossipconf: seeds cannot be combined with an injected overlay")
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return nil
}

// WithNodeID sets a stable node identifier used in overlay frames and mDNS.
// If omitted, a random UUID is generated.
func WithNodeID(nodeID string) Option {
	return func(c *Config) error {
		if nodeID == "" {
			return fmt.Errorf("gossipconf: node id cannot be empty")
		}
		c.NodeID = nodeID
		return nil
	}
}

// WithBindAddr sets the local UDP bind address in host:port form.
// It is validated with net.SplitHostPort.
func WithBindAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("gossipconf: bind addr cannot be empty")
		}
		if err := validateAddr(addr); err != nil {
			return err
		}
		c.BindAddr = addr
		return nil
	}
}

// WithSeeds sets peer addresses that are dialed when the node starts.
func WithSeeds(seeds []string) Option {
	return func(c *Config) error {
		for _, seed := range seeds {
			if err := validateAddr(seed); err != nil {
				return err
			}
		}
		c.Seeds = append([]string(nil), seeds...)
		return nil
	}
}

// WithDiscovery enables or disables mDNS peer discovery.
func WithDiscovery(enabled bool) Option {
	return func(c *Config) error {
		c.Discovery = enabled
		return nil
	}
}

// WithTopic sets the topic the node subscribes and publishes on.
func WithTopic(topic string) Option {
	return func(c *Config) error {
		if topic == "" {
			return fmt.Errorf("gossipconf: topic cannot be empty")
		}
		c.Topic = topic
		return nil
	}
}

// WithMinPeers sets how many mesh peers a client needs before it asks.
func WithMinPeers(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("gossipconf: min peers must not be negative")
		}
		c.MinPeers = n
		return nil
	}
}

// WithAskInterval sets the minimum spacing between two rounds of requests.
func WithAskInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("gossipconf: ask interval must be positive")
		}
		c.AskInterval = interval
		return nil
	}
}

// WithRequestTTL sets how long an unanswered request is remembered.
// Zero keeps requests until their key resolves.
func WithRequestTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl < 0 {
			return fmt.Errorf("gossipconf: request ttl must not be negative")
		}
		c.RequestTTL = ttl
		return nil
	}
}

// WithHeartbeatInterval sets how often the UDP overlay heartbeats peers.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("gossipconf: heartbeat interval must be positive")
		}
		c.HeartbeatInterval = interval
		return nil
	}
}

// WithFirstRequestID sets the first correlation id a client hands out.
// If omitted, a random base is chosen. Clients sharing a topic must start
// from distinct bases.
func WithFirstRequestID(id uint64) Option {
	return func(c *Config) error {
		c.FirstRequestID = id
		c.firstIDSet = true
		return nil
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("gossipconf: logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithRegistry registers the node metrics on reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Config) error {
		if reg == nil {
			return fmt.Errorf("gossipconf: registry cannot be nil")
		}
		c.registry = reg
		return nil
	}
}

// WithBuildInfo labels the build_info metric.
func WithBuildInfo(version, gitSHA string) Option {
	return func(c *Config) error {
		c.version = version
		c.gitSHA = gitSHA
		return nil
	}
}

// WithOverlay runs the node on ov instead of a UDP overlay. The node takes
// ownership of ov and closes it on Close.
func WithOverlay(ov Overlay) Option {
	return func(c *Config) error {
		if ov == nil {
			return fmt.Errorf("gossipconf: overlay cannot be nil")
		}
		c.overlay = ov
		return nil
	}
}

// WithProbeAddr makes a server node answer point-to-point probes on addr.
func WithProbeAddr(addr string) Option {
	return func(c *Config) error {
		if err := validateAddr(addr); err != nil {
			return err
		}
		c.ProbeAddr = addr
		return nil
	}
}

// WithErrorHandler sets a callback for locally recovered errors (decode,
// unknown correlation, publish, network).
// It is best-effort and must be fast and non-blocking.
func WithErrorHandler(handler func(error)) Option {
	return func(c *Config) error {
		if handler == nil {
			return fmt.Errorf("gossipconf: error handler cannot be nil")
		}
		c.errorHandler = handler
		return nil
	}
}

func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("gossipconf: invalid address %q: %w", addr, err)
	}
	return nil
}
