// Package server answers configuration requests from an authoritative
// store: Get is replied to with the stored value (or "NONE"), Set overwrites
// a key and is acknowledged with "Ok".
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DobryySoul/gossipconf/internal/protocol"
	"github.com/DobryySoul/gossipconf/internal/storage"
	"github.com/DobryySoul/gossipconf/internal/telemetry"
)

type Config struct {
	// Topic receives every Notification the handler publishes.
	Topic   string
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Handler applies incoming requests to a store. It is driven by a single
// event loop.
type Handler struct {
	store   storage.Store[string, string]
	topic   string
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func New(store storage.Store[string, string], cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		store:   store,
		topic:   cfg.Topic,
		logger:  logger.Named("server"),
		metrics: cfg.Metrics,
	}
	h.reportSize(context.Background())
	return h
}

// Reduce applies env to the store and returns the Notification to send
// back, if any. Control and Notification envelopes produce no reply.
func (h *Handler) Reduce(ctx context.Context, env protocol.Envelope) (protocol.Envelope, bool, error) {
	switch env.Type {
	case protocol.Get:
		key, err := env.Text()
		if err != nil {
			return protocol.Envelope{}, false, fmt.Errorf("server: get %d: %w", env.ID, err)
		}
		value, err := h.Lookup(ctx, key)
		if err != nil {
			return protocol.Envelope{}, false, err
		}
		return notification(env.ID, value), true, nil

	case protocol.Set:
		key, value, err := protocol.DecodeSet(env.Payload)
		if err != nil {
			return protocol.Envelope{}, false, fmt.Errorf("server: set %d: %w", env.ID, err)
		}
		if err := h.store.Set(ctx, key, value); err != nil {
			return protocol.Envelope{}, false, fmt.Errorf("server: set %q: %w", key, err)
		}
		h.logWrite(ctx, key, zap.Uint64("id", env.ID))
		h.reportSize(ctx)
		return notification(env.ID, protocol.OkValue), true, nil

	case protocol.Control:
		// Reserved for heartbeat or health signaling.
		return protocol.Envelope{}, false, nil

	case protocol.Notification:
		return protocol.Envelope{}, false, nil

	default:
		return protocol.Envelope{}, false, fmt.Errorf("server: unexpected message type %s", env.Type)
	}
}

// Handle reduces env and publishes the reply.
func (h *Handler) Handle(ctx context.Context, env protocol.Envelope, publish protocol.PublishFunc) error {
	reply, ok, err := h.Reduce(ctx, env)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrPayloadEncoding):
			h.metrics.Dropped(telemetry.ReasonPayloadEncoding)
		case errors.Is(err, protocol.ErrMalformedSet):
			h.metrics.Dropped(telemetry.ReasonMalformedSet)
		}
		return err
	}
	if !ok {
		return nil
	}
	data, err := protocol.Encode(reply)
	if err != nil {
		return err
	}
	if err := publish(h.topic, data); err != nil {
		h.metrics.PublishFailed()
		return fmt.Errorf("server: publish reply %d: %w", reply.ID, err)
	}
	h.metrics.Published(reply.Type.String())
	return nil
}

// Lookup returns the value stored for key, or protocol.NoneValue.
func (h *Handler) Lookup(ctx context.Context, key string) (string, error) {
	record, err := h.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.NoneValue, nil
	}
	if err != nil {
		return "", fmt.Errorf("server: get %q: %w", key, err)
	}
	return record.Value, nil
}

// Put writes key locally, as an operator would, without a request.
func (h *Handler) Put(ctx context.Context, key, value string) error {
	if err := h.store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("server: set %q: %w", key, err)
	}
	h.logWrite(ctx, key, zap.Bool("local", true))
	h.reportSize(ctx)
	return nil
}

// Pending is always false: a server never asks.
func (h *Handler) Pending() bool { return false }

func (h *Handler) AskAll(protocol.PublishFunc) int { return 0 }

func (h *Handler) Sweep(time.Time) int { return 0 }

// Values returns a copy of the store contents.
func (h *Handler) Values(ctx context.Context) (map[string]string, error) {
	snapshot, err := h.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(snapshot))
	for key, record := range snapshot {
		out[key] = record.Value
	}
	return out, nil
}

// logWrite reads back the record just written so the log carries the
// version and writer the store assigned.
func (h *Handler) logWrite(ctx context.Context, key string, fields ...zap.Field) {
	record, err := h.store.Get(ctx, key)
	if err != nil {
		h.logger.Warn("set record unreadable", zap.String("key", key), zap.Error(err))
		return
	}
	h.logger.Info("set", append(fields,
		zap.String("key", key),
		zap.Uint64("version", record.Version),
		zap.String("writer", record.NodeID),
		zap.Time("updated_at", record.UpdatedAt),
	)...)
}

func (h *Handler) reportSize(ctx context.Context) {
	if size, err := h.store.Len(ctx); err == nil {
		h.metrics.SetStoreKeys(size)
	}
}

func notification(id uint64, value string) protocol.Envelope {
	return protocol.Envelope{ID: id, Type: protocol.Notification, Payload: []byte(value)}
}
