// Package loop runs a node: one goroutine that asks for unresolved keys
// when the mesh is large enough, dispatches overlay deliveries to the
// node's role and sleeps until the next delivery or tick.
package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DobryySoul/gossipconf/internal/client"
	"github.com/DobryySoul/gossipconf/internal/overlay"
	"github.com/DobryySoul/gossipconf/internal/protocol"
	"github.com/DobryySoul/gossipconf/internal/telemetry"
)

var (
	// ErrStopped is returned by Do once Run has returned.
	ErrStopped = errors.New("loop: stopped")
	// ErrNotRunning is returned by Do before Run has been called.
	ErrNotRunning = errors.New("loop: not running")
	// ErrRunning is returned by a second call to Run.
	ErrRunning = errors.New("loop: already running")
)

// Role is the protocol side driven by the loop: a client or a server.
type Role interface {
	// Pending reports whether there is anything left to ask for.
	Pending() bool
	AskAll(publish protocol.PublishFunc) int
	Handle(ctx context.Context, env protocol.Envelope, publish protocol.PublishFunc) error
	// Sweep expires outstanding requests.
	Sweep(now time.Time) int
}

type Config struct {
	Topic string
	Gate  Gate
	// AskInterval is both the tick period and the minimum spacing between
	// ask cycles.
	AskInterval time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
	Metrics     *telemetry.Metrics
	OnError     func(error)
}

type Loop struct {
	overlay  overlay.Overlay
	role     Role
	cfg      Config
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	commands chan func()
	done     chan struct{}
	running  atomic.Bool
}

func New(ov overlay.Overlay, role Role, cfg Config) *Loop {
	if cfg.AskInterval <= 0 {
		cfg.AskInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		overlay:  ov,
		role:     role,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.AskInterval), 1),
		logger:   logger.Named("loop"),
		metrics:  cfg.Metrics,
		commands: make(chan func()),
		done:     make(chan struct{}),
	}
}

// Run iterates until ctx ends or the overlay closes its delivery channel.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.AskInterval)
	defer ticker.Stop()
	deliveries := l.overlay.Deliveries()

	for {
		if err := l.Iterate(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case d, ok := <-deliveries:
			if !ok {
				return overlay.ErrClosed
			}
			l.dispatch(ctx, d)
		case fn := <-l.commands:
			fn()
		}
	}
}

// Iterate performs one wake-up: ask if the gate and the ask interval allow
// it, expire stale requests, then drain every delivery already queued.
func (l *Loop) Iterate(ctx context.Context) error {
	now := l.cfg.Clock()
	peers := l.overlay.MeshPeerCount(l.cfg.Topic)
	l.metrics.SetMeshPeers(peers)

	if l.role.Pending() && l.cfg.Gate.ShouldAsk(peers) && l.limiter.AllowN(now, 1) {
		sent := l.role.AskAll(l.publish)
		l.logger.Debug("asked", zap.Int("requests", sent), zap.Int("mesh_peers", peers))
	}
	l.role.Sweep(now)
	return l.drain(ctx)
}

// Do runs fn on the loop goroutine, which owns all role state.
// It fails with ErrNotRunning until Run has been called.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if !l.running.Load() {
		return ErrNotRunning
	}
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.commands <- cmd:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) drain(ctx context.Context) error {
	deliveries := l.overlay.Deliveries()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return overlay.ErrClosed
			}
			l.dispatch(ctx, d)
		default:
			return nil
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, d overlay.Delivery) {
	env, err := protocol.Decode(d.Data)
	if err != nil {
		l.metrics.Dropped(telemetry.ReasonDecode)
		l.logger.Warn("dropped undecodable message", zap.String("source", d.Source), zap.Int("bytes", len(d.Data)), zap.Error(err))
		l.reportErr(err)
		return
	}
	l.metrics.Delivered(env.Type.String())
	l.logger.Debug("message",
		zap.String("source", d.Source),
		zap.Uint64("id", env.ID),
		zap.Stringer("type", env.Type),
	)

	if err := l.role.Handle(ctx, env, l.publish); err != nil {
		if errors.Is(err, client.ErrUnknownCorrelation) {
			l.logger.Debug("discarded notification", zap.Uint64("id", env.ID))
		} else {
			l.logger.Warn("dropped message", zap.String("source", d.Source), zap.Uint64("id", env.ID), zap.Error(err))
		}
		l.reportErr(err)
	}
}

func (l *Loop) publish(topic string, data []byte) error {
	return l.overlay.Publish(topic, data)
}

func (l *Loop) reportErr(err error) {
	if l.cfg.OnError != nil {
		l.cfg.OnError(err)
	}
}
