package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const maxDatagram = 64 * 1024

// UDPConfig configures a UDP overlay node.
type UDPConfig struct {
	NodeID   string
	BindAddr string
	// Peers are contacted from the first heartbeat on.
	Peers             []string
	HeartbeatInterval time.Duration
	// PeerTTL is how long a peer counts as part of the mesh after its last
	// heartbeat.
	PeerTTL time.Duration
	// MaxHops bounds how far a data frame is re-forwarded.
	MaxHops int
	// SeenTTL is how long message ids are remembered for deduplication.
	SeenTTL time.Duration
	Buffer  int
	Logger  *zap.Logger
	OnError func(error)
}

func (c *UDPConfig) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.PeerTTL <= 0 {
		c.PeerTTL = 3 * c.HeartbeatInterval
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 6
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = 2 * time.Minute
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type peerState struct {
	id       string
	lastSeen time.Time
	topics   []string
	learned  bool
}

// UDP is a flooding gossip overlay. Every node heartbeats its known peers;
// published messages are sent to live peers sharing the topic and
// re-forwarded once per node until MaxHops.
type UDP struct {
	cfg    UDPConfig
	logger *zap.Logger

	conn *net.UDPConn
	stop chan struct{}
	wg   sync.WaitGroup
	seq  atomic.Uint64

	mu     sync.RWMutex
	peers  map[string]*peerState
	self   map[string]struct{}
	topics map[string]struct{}
	seen   map[string]time.Time
	closed bool

	deliveries chan Delivery
}

// NewUDP validates cfg. Call Start to bind the socket.
func NewUDP(cfg UDPConfig) (*UDP, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("overlay: node id required")
	}
	if cfg.BindAddr == "" {
		return nil, errors.New("overlay: bind addr required")
	}
	cfg.setDefaults()
	u := &UDP{
		cfg:        cfg,
		logger:     cfg.Logger.Named("overlay").With(zap.String("node", cfg.NodeID)),
		stop:       make(chan struct{}),
		peers:      make(map[string]*peerState),
		self:       make(map[string]struct{}),
		topics:     make(map[string]struct{}),
		seen:       make(map[string]time.Time),
		deliveries: make(chan Delivery, cfg.Buffer),
	}
	u.addPeers(cfg.Peers, false)
	return u, nil
}

func (u *UDP) Start() error {
	addr, err := net.ResolveUDPAddr("udp", u.cfg.BindAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	u.conn = conn
	u.mu.Lock()
	u.self[conn.LocalAddr().String()] = struct{}{}
	delete(u.peers, conn.LocalAddr().String())
	u.mu.Unlock()
	u.logger.Info("listening", zap.String("addr", conn.LocalAddr().String()))

	u.wg.Add(2)
	go u.readLoop()
	go u.heartbeatLoop()
	return nil
}

// LocalAddr returns the bound address, useful when binding to port 0.
func (u *UDP) LocalAddr() string {
	if u.conn == nil {
		return u.cfg.BindAddr
	}
	return u.conn.LocalAddr().String()
}

func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	u.mu.Unlock()

	close(u.stop)
	if u.conn != nil {
		_ = u.conn.Close()
	}
	u.wg.Wait()
	close(u.deliveries)
	return nil
}

func (u *UDP) Subscribe(topic string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	u.topics[topic] = struct{}{}
	return nil
}

func (u *UDP) Deliveries() <-chan Delivery {
	return u.deliveries
}

func (u *UDP) MeshPeerCount(topic string) int {
	return len(u.meshPeers(topic, "", time.Now()))
}

func (u *UDP) Publish(topic string, data []byte) error {
	u.mu.RLock()
	closed := u.closed
	u.mu.RUnlock()
	if closed || u.conn == nil {
		return &PublishError{Topic: topic, Err: ErrClosed}
	}

	targets := u.meshPeers(topic, "", time.Now())
	if len(targets) == 0 {
		return &PublishError{Topic: topic, Err: ErrNoPeers}
	}
	f := frame{
		Kind:   frameData,
		Origin: u.cfg.NodeID,
		Seq:    u.seq.Add(1),
		Topic:  topic,
		Data:   data,
	}
	u.markSeen(f.messageID(), time.Now())

	payload, err := encodeFrame(f)
	if err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	if len(payload) > maxDatagram {
		return &PublishError{Topic: topic, Err: fmt.Errorf("frame of %d bytes exceeds datagram limit", len(payload))}
	}
	var lastErr error
	delivered := 0
	for _, addr := range targets {
		if err := u.send(addr, payload); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return &PublishError{Topic: topic, Err: lastErr}
	}
	return nil
}

// AddPeers registers addresses to heartbeat. Unresolvable addresses and
// the node's own address are skipped.
func (u *UDP) AddPeers(peers []string) {
	u.addPeers(peers, true)
}

// Dial adds addr and heartbeats it with exponential backoff until it
// answers or ctx ends.
func (u *UDP) Dial(ctx context.Context, addr string) error {
	resolved, err := resolve(addr)
	if err != nil {
		return fmt.Errorf("overlay: dial %s: %w", addr, err)
	}
	u.addPeers([]string{resolved}, false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		if u.alive(resolved, time.Now()) {
			return nil
		}
		if err := u.sendHeartbeat(resolved, false); err != nil {
			return err
		}
		return fmt.Errorf("overlay: %s has not answered", resolved)
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("overlay: dial %s: %w", addr, err)
	}
	u.logger.Info("dialed", zap.String("peer", resolved))
	return nil
}

func (u *UDP) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, maxDatagram)

	for {
		_ = u.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-u.stop:
				return
			default:
				continue
			}
		}

		f, err := decodeFrame(buf[:n])
		if err != nil {
			u.reportErr(fmt.Errorf("overlay: decode frame from %s: %w", addr, err))
			continue
		}
		switch f.Kind {
		case frameHeartbeat:
			u.handleHeartbeat(addr.String(), f)
		case frameData:
			u.handleData(addr.String(), f)
		}
	}
}

func (u *UDP) heartbeatLoop() {
	defer u.wg.Done()
	ticker := time.NewTicker(u.cfg.HeartbeatInterval)
	defer ticker.Stop()

	u.heartbeatAll()
	for {
		select {
		case <-u.stop:
			return
		case now := <-ticker.C:
			u.heartbeatAll()
			u.prune(now)
		}
	}
}

func (u *UDP) heartbeatAll() {
	u.mu.RLock()
	addrs := make([]string, 0, len(u.peers))
	for addr := range u.peers {
		addrs = append(addrs, addr)
	}
	u.mu.RUnlock()
	for _, addr := range addrs {
		if err := u.sendHeartbeat(addr, false); err != nil {
			u.reportErr(err)
		}
	}
}

func (u *UDP) sendHeartbeat(addr string, reply bool) error {
	now := time.Now()
	u.mu.RLock()
	topics := make([]string, 0, len(u.topics))
	for topic := range u.topics {
		topics = append(topics, topic)
	}
	known := make([]string, 0, len(u.peers))
	for peer, state := range u.peers {
		if peer != addr && now.Sub(state.lastSeen) <= u.cfg.PeerTTL {
			known = append(known, peer)
		}
	}
	u.mu.RUnlock()

	payload, err := encodeFrame(frame{
		Kind:   frameHeartbeat,
		Origin: u.cfg.NodeID,
		Reply:  reply,
		Topics: topics,
		Peers:  known,
	})
	if err != nil {
		return fmt.Errorf("overlay: encode heartbeat: %w", err)
	}
	return u.send(addr, payload)
}

func (u *UDP) handleHeartbeat(addr string, f frame) {
	if f.Origin == u.cfg.NodeID {
		u.mu.Lock()
		u.self[addr] = struct{}{}
		delete(u.peers, addr)
		u.mu.Unlock()
		return
	}

	u.mu.Lock()
	state, ok := u.peers[addr]
	if !ok {
		state = &peerState{learned: true}
		u.peers[addr] = state
	}
	wasAlive := time.Since(state.lastSeen) <= u.cfg.PeerTTL
	state.id = f.Origin
	state.lastSeen = time.Now()
	state.topics = f.Topics
	u.mu.Unlock()

	if !wasAlive {
		u.logger.Debug("peer up", zap.String("peer", addr), zap.String("id", f.Origin))
	}
	u.addPeers(f.Peers, true)
	if !f.Reply {
		if err := u.sendHeartbeat(addr, true); err != nil {
			u.reportErr(err)
		}
	}
}

func (u *UDP) handleData(addr string, f frame) {
	now := time.Now()
	if f.Origin == u.cfg.NodeID {
		return
	}
	u.mu.Lock()
	if state, ok := u.peers[addr]; ok {
		state.lastSeen = now
	}
	id := f.messageID()
	if _, dup := u.seen[id]; dup {
		u.mu.Unlock()
		return
	}
	u.seen[id] = now
	_, subscribed := u.topics[f.Topic]
	u.mu.Unlock()

	if subscribed {
		select {
		case u.deliveries <- Delivery{Topic: f.Topic, Source: f.Origin, Data: f.Data}:
		default:
			u.reportErr(fmt.Errorf("%w: dropped %s", ErrQueueFull, id))
		}
	}

	if f.Hops+1 >= u.cfg.MaxHops {
		return
	}
	f.Hops++
	payload, err := encodeFrame(f)
	if err != nil {
		u.reportErr(fmt.Errorf("overlay: encode forward: %w", err))
		return
	}
	for _, target := range u.meshPeers(f.Topic, addr, now) {
		if err := u.send(target, payload); err != nil {
			u.reportErr(err)
		}
	}
}

func (u *UDP) meshPeers(topic, except string, now time.Time) []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var out []string
	for addr, state := range u.peers {
		if addr == except || now.Sub(state.lastSeen) > u.cfg.PeerTTL {
			continue
		}
		if slices.Contains(state.topics, topic) {
			out = append(out, addr)
		}
	}
	return out
}

func (u *UDP) alive(addr string, now time.Time) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	state, ok := u.peers[addr]
	return ok && now.Sub(state.lastSeen) <= u.cfg.PeerTTL
}

func (u *UDP) markSeen(id string, now time.Time) {
	u.mu.Lock()
	u.seen[id] = now
	u.mu.Unlock()
}

// prune forgets expired message ids and learned peers that went silent.
func (u *UDP) prune(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for id, at := range u.seen {
		if now.Sub(at) > u.cfg.SeenTTL {
			delete(u.seen, id)
		}
	}
	for addr, state := range u.peers {
		if state.learned && now.Sub(state.lastSeen) > 5*u.cfg.PeerTTL {
			delete(u.peers, addr)
		}
	}
}

func (u *UDP) addPeers(peers []string, learned bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, peer := range peers {
		if peer == "" {
			continue
		}
		addr, err := resolve(peer)
		if err != nil {
			u.reportErr(fmt.Errorf("overlay: resolve peer %q: %w", peer, err))
			continue
		}
		if _, ok := u.self[addr]; ok {
			continue
		}
		if _, ok := u.peers[addr]; ok {
			continue
		}
		u.peers[addr] = &peerState{learned: learned}
	}
}

func (u *UDP) send(addr string, payload []byte) error {
	if u.conn == nil {
		return errors.New("overlay: not started")
	}
	peerAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("overlay: resolve addr: %w", err)
	}
	if _, err := u.conn.WriteToUDP(payload, peerAddr); err != nil {
		return fmt.Errorf("overlay: send to %s: %w", addr, err)
	}
	return nil
}

func resolve(addr string) (string, error) {
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return "", err
	}
	return resolved.String(), nil
}

// reportErr may run with u.mu held; OnError must not call back into the
// overlay.
func (u *UDP) reportErr(err error) {
	if err == nil {
		return
	}
	u.logger.Debug("overlay error", zap.Error(err))
	if u.cfg.OnError != nil {
		u.cfg.OnError(err)
	}
}
