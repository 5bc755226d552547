package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/DobryySoul/gossipconf/internal/protocol"
	"github.com/DobryySoul/gossipconf/internal/storage"
)

func newHandler(t *testing.T, seed map[string]string) *Handler {
	t.Helper()
	store := storage.NewMemoryStore[string, string]("server", time.Now)
	if err := storage.Seed(context.Background(), store, seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return New(store, Config{Topic: "general"})
}

func TestGetKnownAndUnknownKey(t *testing.T) {
	h := newHandler(t, map[string]string{"a": "1"})
	ctx := context.Background()

	reply, ok, err := h.Reduce(ctx, protocol.Envelope{ID: 0, Type: protocol.Get, Payload: []byte("a")})
	if err != nil || !ok {
		t.Fatalf("reduce get failed: %v, %v", ok, err)
	}
	if reply.ID != 0 || reply.Type != protocol.Notification || string(reply.Payload) != "1" {
		t.Fatalf("reply = %+v, want Notification(0, 1)", reply)
	}

	reply, ok, err = h.Reduce(ctx, protocol.Envelope{ID: 1, Type: protocol.Get, Payload: []byte("b")})
	if err != nil || !ok {
		t.Fatalf("reduce get failed: %v, %v", ok, err)
	}
	if reply.ID != 1 || string(reply.Payload) != protocol.NoneValue {
		t.Fatalf("reply = %+v, want Notification(1, NONE)", reply)
	}
}

func TestSetThenGet(t *testing.T) {
	h := newHandler(t, map[string]string{"a": "1"})
	ctx := context.Background()

	payload, err := protocol.EncodeSet("a", "2")
	if err != nil {
		t.Fatalf("encode set failed: %v", err)
	}
	reply, ok, err := h.Reduce(ctx, protocol.Envelope{ID: 9, Type: protocol.Set, Payload: payload})
	if err != nil || !ok {
		t.Fatalf("reduce set failed: %v, %v", ok, err)
	}
	if reply.ID != 9 || string(reply.Payload) != protocol.OkValue {
		t.Fatalf("reply = %+v, want Notification(9, Ok)", reply)
	}

	payload, _ = protocol.EncodeSet("fresh", "x")
	if _, _, err := h.Reduce(ctx, protocol.Envelope{ID: 10, Type: protocol.Set, Payload: payload}); err != nil {
		t.Fatalf("reduce set failed: %v", err)
	}

	for key, want := range map[string]string{"a": "2", "fresh": "x"} {
		got, err := h.Lookup(ctx, key)
		if err != nil || got != want {
			t.Fatalf("Lookup(%s) = %q, %v; want %q", key, got, err, want)
		}
	}
}

func TestMalformedRequestsAreRejected(t *testing.T) {
	h := newHandler(t, nil)
	ctx := context.Background()

	_, ok, err := h.Reduce(ctx, protocol.Envelope{ID: 1, Type: protocol.Set, Payload: []byte("no-separator")})
	if ok || !errors.Is(err, protocol.ErrMalformedSet) {
		t.Fatalf("expected ErrMalformedSet, got ok=%v err=%v", ok, err)
	}
	_, ok, err = h.Reduce(ctx, protocol.Envelope{ID: 2, Type: protocol.Get, Payload: []byte{0xff}})
	if ok || !errors.Is(err, protocol.ErrPayloadEncoding) {
		t.Fatalf("expected ErrPayloadEncoding, got ok=%v err=%v", ok, err)
	}
	values, err := h.Values(ctx)
	if err != nil || len(values) != 0 {
		t.Fatalf("store changed by malformed requests: %v, %v", values, err)
	}
}

func TestControlAndNotificationAreIgnored(t *testing.T) {
	h := newHandler(t, map[string]string{"a": "1"})
	for _, typ := range []protocol.MsgType{protocol.Control, protocol.Notification} {
		_, ok, err := h.Reduce(context.Background(), protocol.Envelope{ID: 1, Type: typ, Payload: []byte("a")})
		if ok || err != nil {
			t.Fatalf("Reduce(%s) = ok=%v err=%v, want no reply", typ, ok, err)
		}
	}
}

func TestHandlePublishesReply(t *testing.T) {
	h := newHandler(t, map[string]string{"configservice.port": "61250"})

	var topic string
	var sent []byte
	publish := func(tp string, data []byte) error {
		topic, sent = tp, data
		return nil
	}
	err := h.Handle(context.Background(), protocol.Envelope{ID: 4, Type: protocol.Get, Payload: []byte("configservice.port")}, publish)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if topic != "general" {
		t.Fatalf("published on %q, want general", topic)
	}
	reply, err := protocol.Decode(sent)
	if err != nil {
		t.Fatalf("decode reply failed: %v", err)
	}
	if reply.ID != 4 || string(reply.Payload) != "61250" {
		t.Fatalf("reply = %+v", reply)
	}

	failing := func(string, []byte) error { return errors.New("overlay down") }
	if err := h.Handle(context.Background(), protocol.Envelope{ID: 5, Type: protocol.Get, Payload: []byte("x")}, failing); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestPutOverwritesLocally(t *testing.T) {
	h := newHandler(t, map[string]string{"a": "1"})
	ctx := context.Background()

	if err := h.Put(ctx, "a", "2"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := h.Lookup(ctx, "a")
	if err != nil || got != "2" {
		t.Fatalf("Lookup(a) = %q, %v; want 2", got, err)
	}
}

func TestSetLogsRecordMetadata(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore[string, string]("server-1", func() time.Time { return at })
	h := New(store, Config{Topic: "general", Logger: zap.New(core)})
	ctx := context.Background()

	if err := h.Put(ctx, "a", "1"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	payload, _ := protocol.EncodeSet("a", "2")
	if _, _, err := h.Reduce(ctx, protocol.Envelope{ID: 3, Type: protocol.Set, Payload: payload}); err != nil {
		t.Fatalf("reduce set failed: %v", err)
	}

	entries := logs.FilterMessage("set").AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("logged %d set entries, want 2", len(entries))
	}
	for i, entry := range entries {
		fields := entry.ContextMap()
		if fields["version"] != uint64(i+1) {
			t.Fatalf("entry %d version = %v, want %d", i, fields["version"], i+1)
		}
		if fields["writer"] != "server-1" {
			t.Fatalf("entry %d writer = %v", i, fields["writer"])
		}
		if got, ok := fields["updated_at"].(time.Time); !ok || !got.Equal(at) {
			t.Fatalf("entry %d updated_at = %v, want %v", i, fields["updated_at"], at)
		}
	}
	if entries[1].ContextMap()["id"] != uint64(3) {
		t.Fatalf("request id not logged: %v", entries[1].ContextMap())
	}
}
