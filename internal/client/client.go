package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/DobryySoul/gossipconf/internal/protocol"
	"github.com/DobryySoul/gossipconf/internal/telemetry"
)

// ErrUnknownCorrelation marks a Notification whose id has no outstanding
// request. Such notifications are discarded.
var ErrUnknownCorrelation = errors.New("client: unknown correlation id")

// State is the convergence state of a want-list.
type State uint8

const (
	Resolving State = iota
	Converged
)

func (s State) String() string {
	if s == Converged {
		return "converged"
	}
	return "resolving"
}

// Config configures a Client.
type Config struct {
	// Topic receives every request the client publishes.
	Topic string
	// RequestTTL bounds how long a request stays in the correlation table.
	RequestTTL time.Duration
	// FirstID is the first correlation id handed out.
	FirstID uint64
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	// OnConverged runs once, on the loop goroutine, with the final values.
	OnConverged func(values map[string]string)
}

type slot struct {
	value    string
	resolved bool
}

// Client drives a fixed want-list to convergence by asking for unresolved
// keys and matching Notifications back through the correlation table.
//
// Client is not safe for concurrent use; it is owned by one event loop.
type Client struct {
	topic       string
	wanted      map[string]slot
	order       []string
	table       *Table
	nextID      uint64
	unacked     int
	state       State
	clock       func() time.Time
	logger      *zap.Logger
	metrics     *telemetry.Metrics
	onConverged func(map[string]string)
}

// New creates a client wanting keys. Duplicate keys collapse into one entry.
func New(keys []string, cfg Config) *Client {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wanted := make(map[string]slot, len(keys))
	for _, key := range keys {
		wanted[key] = slot{}
	}
	return &Client{
		topic:       cfg.Topic,
		wanted:      wanted,
		order:       slices.Sorted(maps.Keys(wanted)),
		table:       NewTable(cfg.RequestTTL),
		nextID:      cfg.FirstID,
		clock:       clock,
		logger:      logger.Named("client"),
		metrics:     cfg.Metrics,
		onConverged: cfg.OnConverged,
	}
}

// Evaluate scans the want-list and reports Converged once every key holds a
// value. Converged is terminal.
func (c *Client) Evaluate() State {
	if c.state == Converged {
		return Converged
	}
	for _, s := range c.wanted {
		if !s.resolved {
			return Resolving
		}
	}
	c.converge()
	return Converged
}

// Pending reports whether the client still has keys to ask for.
func (c *Client) Pending() bool {
	return c.Evaluate() == Resolving
}

// AskAll publishes one Get per unresolved key, each under a fresh id, and
// returns how many were handed to the overlay. A failed publish is skipped;
// the key is asked again on the next cycle.
func (c *Client) AskAll(publish protocol.PublishFunc) int {
	sent := 0
	asked := false
	for _, key := range c.order {
		if c.wanted[key].resolved {
			continue
		}
		asked = true
		id := c.mintID()
		data, err := protocol.Encode(protocol.Envelope{ID: id, Type: protocol.Get, Payload: []byte(key)})
		if err != nil {
			c.logger.Warn("encode get", zap.String("key", key), zap.Error(err))
			continue
		}
		c.table.Put(id, Pending{Key: key, Kind: KindGet, Issued: c.clock()})
		if err := publish(c.topic, data); err != nil {
			c.table.Take(id)
			c.metrics.PublishFailed()
			c.logger.Debug("publish get", zap.Uint64("id", id), zap.String("key", key), zap.Error(err))
			continue
		}
		c.metrics.Published(protocol.Get.String())
		sent++
	}
	if asked {
		c.metrics.AskCycle()
	}
	c.metrics.SetOutstanding(c.table.Len())
	return sent
}

// Set broadcasts a Set for key and returns the id the acknowledgement will
// carry.
func (c *Client) Set(publish protocol.PublishFunc, key, value string) (uint64, error) {
	payload, err := protocol.EncodeSet(key, value)
	if err != nil {
		return 0, err
	}
	id := c.mintID()
	data, err := protocol.Encode(protocol.Envelope{ID: id, Type: protocol.Set, Payload: payload})
	if err != nil {
		return 0, err
	}
	c.table.Put(id, Pending{Key: key, Kind: KindSet, Issued: c.clock()})
	if err := publish(c.topic, data); err != nil {
		c.table.Take(id)
		c.metrics.PublishFailed()
		return 0, fmt.Errorf("client: publish set %q: %w", key, err)
	}
	c.unacked++
	c.metrics.Published(protocol.Set.String())
	c.metrics.SetOutstanding(c.table.Len())
	return id, nil
}

// Handle dispatches a decoded envelope. Clients only consume Notifications;
// Get, Set and Control are ignored.
func (c *Client) Handle(_ context.Context, env protocol.Envelope, _ protocol.PublishFunc) error {
	switch env.Type {
	case protocol.Notification:
		return c.OnNotification(env.ID, env.Payload)
	case protocol.Control, protocol.Get, protocol.Set:
		return nil
	default:
		return fmt.Errorf("client: unexpected message type %s", env.Type)
	}
}

// OnNotification consumes the correlation entry for id and stores payload
// against its key. The first value received for a key wins.
func (c *Client) OnNotification(id uint64, payload []byte) error {
	p, ok := c.table.Take(id)
	if !ok {
		c.metrics.Dropped(telemetry.ReasonUnknownID)
		return fmt.Errorf("%w: %d", ErrUnknownCorrelation, id)
	}
	defer func() { c.metrics.SetOutstanding(c.table.Len()) }()

	text, err := (protocol.Envelope{Payload: payload}).Text()
	if err != nil {
		c.metrics.Dropped(telemetry.ReasonPayloadEncoding)
		return fmt.Errorf("client: notification %d for %q: %w", id, p.Key, err)
	}

	if p.Kind == KindSet {
		c.unacked--
		c.logger.Info("set acknowledged", zap.Uint64("id", id), zap.String("key", p.Key), zap.String("reply", text))
		return nil
	}

	s, ok := c.wanted[p.Key]
	if !ok || s.resolved {
		return nil
	}
	c.wanted[p.Key] = slot{value: text, resolved: true}
	c.table.DropKey(p.Key)
	c.metrics.Resolved()
	c.logger.Debug("resolved", zap.Uint64("id", id), zap.String("key", p.Key), zap.String("value", text))
	c.Evaluate()
	return nil
}

// Sweep drops requests older than the configured ttl and returns how many
// expired. Unresolved keys are asked again on the next cycle.
func (c *Client) Sweep(now time.Time) int {
	expired := c.table.Sweep(now)
	for id, p := range expired {
		if p.Kind == KindSet {
			c.unacked--
		}
		c.metrics.Dropped(telemetry.ReasonExpired)
		c.logger.Debug("request expired", zap.Uint64("id", id), zap.String("key", p.Key))
	}
	if len(expired) > 0 {
		c.metrics.SetOutstanding(c.table.Len())
	}
	return len(expired)
}

// Values returns a copy of the resolved keys.
func (c *Client) Values() map[string]string {
	out := make(map[string]string, len(c.wanted))
	for key, s := range c.wanted {
		if s.resolved {
			out[key] = s.value
		}
	}
	return out
}

// Unresolved lists the keys still lacking a value, sorted.
func (c *Client) Unresolved() []string {
	var out []string
	for _, key := range c.order {
		if !c.wanted[key].resolved {
			out = append(out, key)
		}
	}
	return out
}

// UnackedSets counts Set requests neither acknowledged nor expired.
func (c *Client) UnackedSets() int {
	return c.unacked
}

func (c *Client) Outstanding() int {
	return c.table.Len()
}

func (c *Client) mintID() uint64 {
	id := c.nextID
	c.nextID++
	return id
}

func (c *Client) converge() {
	c.state = Converged
	values := c.Values()
	c.logger.Info("converged", zap.Int("keys", len(values)))
	if c.onConverged != nil {
		c.onConverged(values)
	}
}
