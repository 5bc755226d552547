package gossipconf

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DobryySoul/gossipconf/internal/client"
	"github.com/DobryySoul/gossipconf/internal/discovery"
	"github.com/DobryySoul/gossipconf/internal/loop"
	"github.com/DobryySoul/gossipconf/internal/overlay"
	"github.com/DobryySoul/gossipconf/internal/probe"
	"github.com/DobryySoul/gossipconf/internal/protocol"
	"github.com/DobryySoul/gossipconf/internal/server"
	"github.com/DobryySoul/gossipconf/internal/storage"
	"github.com/DobryySoul/gossipconf/internal/telemetry"
)

const ackPollInterval = 10 * time.Millisecond

// Node is a running gossipconf participant: either a client resolving a
// want-list or a server answering from its store.
// It is safe for concurrent use by multiple goroutines.
type Node struct {
	cfg     Config
	logger  *zap.Logger
	metrics *telemetry.Metrics

	overlay   overlay.Overlay
	udp       *overlay.UDP
	discovery *discovery.MDNS
	probe     *probe.Server
	loop      *loop.Loop

	client *client.Client
	server *server.Handler
	store  storage.Store[string, string]

	converged chan struct{}
	values    map[string]string
	closing   chan struct{}

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
}

// NewClient creates a node that resolves keys from the servers on its
// topic. Call Run to start it.
func NewClient(keys []string, opts ...Option) (*Node, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.ProbeAddr != "" {
		return nil, fmt.Errorf("%w: probes are answered by servers", ErrNotServer)
	}
	n := newNode(cfg)
	n.client = client.New(keys, client.Config{
		Topic:       cfg.Topic,
		RequestTTL:  cfg.RequestTTL,
		FirstID:     cfg.FirstRequestID,
		Logger:      n.logger,
		Metrics:     n.metrics,
		OnConverged: n.onConverged,
	})
	if err := n.start(n.client); err != nil {
		return nil, err
	}
	return n, nil
}

// NewServer creates a node that answers requests from an in-memory store
// seeded with seed. Call Run to start it.
func NewServer(seed map[string]string, opts ...Option) (*Node, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	n := newNode(cfg)
	n.store = storage.NewMemoryStore[string, string](cfg.NodeID, nil)
	if err := storage.Seed(context.Background(), n.store, seed); err != nil {
		return nil, err
	}
	n.server = server.New(n.store, server.Config{
		Topic:   cfg.Topic,
		Logger:  n.logger,
		Metrics: n.metrics,
	})
	if err := n.start(n.server); err != nil {
		return nil, err
	}
	if cfg.ProbeAddr != "" {
		srv, err := probe.Listen(cfg.ProbeAddr, n.answerProbe, n.logger)
		if err != nil {
			n.shutdown()
			return nil, err
		}
		n.probe = srv
	}
	return n, nil
}

func buildConfig(opts []Option) (Config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newNode(cfg Config) *Node {
	metrics := telemetry.New(cfg.registry)
	if cfg.version != "" || cfg.gitSHA != "" {
		metrics.SetBuildInfo(cfg.version, cfg.gitSHA)
	}
	return &Node{
		cfg:       cfg,
		logger:    cfg.logger.With(zap.String("node", cfg.NodeID)),
		metrics:   metrics,
		converged: make(chan struct{}),
		closing:   make(chan struct{}),
	}
}

// start opens the overlay, joins the topic and builds the loop for role.
func (n *Node) start(role loop.Role) error {
	if n.cfg.overlay != nil {
		n.overlay = n.cfg.overlay
	} else {
		udp, err := overlay.NewUDP(overlay.UDPConfig{
			NodeID:            n.cfg.NodeID,
			BindAddr:          n.cfg.BindAddr,
			Peers:             n.cfg.Seeds,
			HeartbeatInterval: n.cfg.HeartbeatInterval,
			Logger:            n.logger,
			OnError:           n.overlayErr,
		})
		if err != nil {
			return err
		}
		if err := udp.Start(); err != nil {
			return fmt.Errorf("gossipconf: start overlay: %w", err)
		}
		n.udp = udp
		n.overlay = udp
	}
	if err := n.overlay.Subscribe(n.cfg.Topic); err != nil {
		_ = n.overlay.Close()
		return fmt.Errorf("gossipconf: subscribe %q: %w", n.cfg.Topic, err)
	}
	if n.udp != nil && n.cfg.Discovery {
		mdns, err := discovery.NewMDNS(discovery.Config{
			NodeID:   n.cfg.NodeID,
			BindAddr: n.udp.LocalAddr(),
			Topic:    n.cfg.Topic,
			Logger:   n.logger,
		}, n.udp.AddPeers)
		if err != nil {
			_ = n.overlay.Close()
			return err
		}
		n.discovery = mdns
	}
	n.loop = loop.New(n.overlay, role, loop.Config{
		Topic:       n.cfg.Topic,
		Gate:        loop.Gate{MinPeers: n.cfg.MinPeers},
		AskInterval: n.cfg.AskInterval,
		Logger:      n.logger,
		Metrics:     n.metrics,
		OnError:     n.cfg.errorHandler,
	})
	return nil
}

// Run drives the node until ctx ends or Close is called. Seeds are dialed
// in the background. Run returns nil after Close.
func (n *Node) Run(ctx context.Context) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	n.started.Store(true)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if n.udp != nil {
		for _, seed := range n.cfg.Seeds {
			go n.dial(runCtx, seed)
		}
	}
	err := n.loop.Run(runCtx)
	if errors.Is(err, overlay.ErrClosed) && n.isClosed() {
		return nil
	}
	if ctxErr := mapContextErr(ctx); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (n *Node) dial(ctx context.Context, addr string) {
	if err := n.udp.Dial(ctx, addr); err != nil {
		if ctx.Err() == nil {
			n.logger.Warn("dial failed", zap.String("peer", addr), zap.Error(err))
		}
	}
}

// ID returns the node identifier.
func (n *Node) ID() string {
	return n.cfg.NodeID
}

// Addr returns the bound overlay address, or "" for an injected overlay.
func (n *Node) Addr() string {
	if n.udp == nil {
		return ""
	}
	return n.udp.LocalAddr()
}

// ProbeAddr returns the bound probe address, or "" when probes are off.
func (n *Node) ProbeAddr() string {
	if n.probe == nil {
		return ""
	}
	return n.probe.Addr()
}

// MeshPeers returns how many live peers share the node topic.
func (n *Node) MeshPeers() int {
	return n.overlay.MeshPeerCount(n.cfg.Topic)
}

// MetricsHandler serves the node metrics in the Prometheus text format.
func (n *Node) MetricsHandler() http.Handler {
	return n.metrics.Handler()
}

// Converged is closed once every wanted key holds a value. It is never
// closed on a server.
func (n *Node) Converged() <-chan struct{} {
	return n.converged
}

// Wait blocks until a client converges and returns the resolved values.
func (n *Node) Wait(ctx context.Context) (map[string]string, error) {
	if n.client == nil {
		return nil, ErrNotClient
	}
	select {
	case <-n.converged:
		n.mu.RLock()
		defer n.mu.RUnlock()
		return maps.Clone(n.values), nil
	case <-n.closing:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, mapContextErr(ctx)
	}
}

// Values returns the keys known so far: the resolved part of a client's
// want-list, or a server's whole store. On a client that has not converged
// the snapshot is taken by the running loop, so it returns ErrNotRunning
// before Run.
func (n *Node) Values(ctx context.Context) (map[string]string, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	if n.server != nil {
		values, err := n.server.Values(ctx)
		return values, mapStoreErr(err)
	}
	select {
	case <-n.converged:
		n.mu.RLock()
		defer n.mu.RUnlock()
		return maps.Clone(n.values), nil
	default:
	}
	var values map[string]string
	err := n.loop.Do(ctx, func() { values = n.client.Values() })
	if err != nil {
		return nil, mapLoopErr(ctx, err)
	}
	return values, nil
}

// Lookup returns the value a server holds for key.
func (n *Node) Lookup(ctx context.Context, key string) (string, error) {
	if err := n.check(ctx); err != nil {
		return "", err
	}
	if n.server == nil {
		return "", ErrNotServer
	}
	value, err := n.server.Lookup(ctx, key)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if value == protocol.NoneValue {
		return "", ErrNotFound
	}
	return value, nil
}

// Set writes key. A server updates its store directly; a client broadcasts
// a Set request whose acknowledgement is logged when it arrives. A client
// returns ErrNotRunning before Run.
func (n *Node) Set(ctx context.Context, key, value string) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	if n.server != nil {
		if _, err := protocol.EncodeSet(key, value); err != nil {
			return err
		}
		return mapStoreErr(n.server.Put(ctx, key, value))
	}
	var setErr error
	err := n.loop.Do(ctx, func() {
		_, setErr = n.client.Set(n.overlay.Publish, key, value)
	})
	if err != nil {
		return mapLoopErr(ctx, err)
	}
	return setErr
}

// WaitAcks blocks until every Set this client broadcast has been
// acknowledged or has expired.
func (n *Node) WaitAcks(ctx context.Context) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	if n.client == nil {
		return ErrNotClient
	}
	ticker := time.NewTicker(ackPollInterval)
	defer ticker.Stop()
	for {
		var unacked int
		if err := n.loop.Do(ctx, func() { unacked = n.client.UnackedSets() }); err != nil {
			return mapLoopErr(ctx, err)
		}
		if unacked == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return mapContextErr(ctx)
		}
	}
}

// Close stops discovery and probes, closes the overlay and waits for Run
// to return. Further operations will return ErrClosed.
func (n *Node) Close(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.closed = true
	n.mu.Unlock()

	n.shutdown()
	if n.started.Load() {
		select {
		case <-n.loop.Done():
		case <-ctx.Done():
			return mapContextErr(ctx)
		}
	}
	if n.store != nil {
		return mapStoreErr(n.store.Close())
	}
	return nil
}

func (n *Node) shutdown() {
	close(n.closing)
	if n.probe != nil {
		_ = n.probe.Close()
	}
	n.discovery.Stop()
	if err := n.overlay.Close(); err != nil && !errors.Is(err, overlay.ErrClosed) {
		n.logger.Warn("close overlay", zap.Error(err))
	}
}

func (n *Node) overlayErr(err error) {
	if errors.Is(err, overlay.ErrQueueFull) {
		n.metrics.Dropped(telemetry.ReasonOverflow)
	}
	if n.cfg.errorHandler != nil {
		n.cfg.errorHandler(err)
	}
}

func (n *Node) onConverged(values map[string]string) {
	n.mu.Lock()
	n.values = maps.Clone(values)
	n.mu.Unlock()
	close(n.converged)
}

func (n *Node) answerProbe(ctx context.Context, query []byte) ([]byte, error) {
	key, err := (protocol.Envelope{Payload: query}).Text()
	if err != nil {
		return nil, err
	}
	value, err := n.server.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	n.logger.Debug("probe", zap.String("key", key))
	return []byte(value), nil
}

func (n *Node) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

func (n *Node) check(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	if n.isClosed() {
		return ErrClosed
	}
	return nil
}

func mapContextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return ErrCanceled
		}
		return err
	}
	return nil
}

func mapLoopErr(ctx context.Context, err error) error {
	if errors.Is(err, loop.ErrStopped) {
		return ErrClosed
	}
	if errors.Is(err, loop.ErrNotRunning) {
		return ErrNotRunning
	}
	if ctxErr := mapContextErr(ctx); ctxErr != nil {
		return ctxErr
	}
	return err
}

func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCanceled
	}
	return err
}
