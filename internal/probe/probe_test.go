package probe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, msg := range []string{"query", strings.Repeat("x", MaxFrame)} {
		if err := WriteFrame(&buf, []byte(msg)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	r := bufio.NewReader(&buf)
	got, err := ReadFrame(r, MaxFrame)
	if err != nil || string(got) != "query" {
		t.Fatalf("ReadFrame = %q, %v", got, err)
	}
	got, err = ReadFrame(r, MaxFrame)
	if err != nil || len(got) != MaxFrame {
		t.Fatalf("ReadFrame length = %d, %v", len(got), err)
	}
}

func TestFrameLimits(t *testing.T) {
	if err := WriteFrame(io.Discard, make([]byte, MaxFrame+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte("0123456789"))
	if _, err := ReadFrame(bufio.NewReader(&buf), 4); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0})), MaxFrame)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty frame: ReadFrame = %q, %v", got, err)
	}
	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{5, 'a'})), MaxFrame); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
}

func TestQueryAgainstServer(t *testing.T) {
	values := map[string]string{"configservice.port": "61250"}
	srv, err := Listen("127.0.0.1:0", func(_ context.Context, query []byte) ([]byte, error) {
		if v, ok := values[string(query)]; ok {
			return []byte(v), nil
		}
		return []byte("NONE"), nil
	}, nil)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for query, want := range map[string]string{"configservice.port": "61250", "missing": "NONE"} {
		got, err := Query(ctx, srv.Addr(), []byte(query))
		if err != nil {
			t.Fatalf("query %q failed: %v", query, err)
		}
		if string(got) != want {
			t.Fatalf("Query(%q) = %q, want %q", query, got, want)
		}
	}
}

func TestQueryEmptyResponse(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", func(context.Context, []byte) ([]byte, error) {
		return []byte{}, nil
	}, nil)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := Query(ctx, srv.Addr(), []byte("blank"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Query = %q, want empty", got)
	}
}

func TestQueryEmptyIsRejected(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", func(context.Context, []byte) ([]byte, error) {
		return []byte("unreachable"), nil
	}, nil)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Query(ctx, srv.Addr(), nil); err == nil {
		t.Fatalf("expected an empty query to fail")
	}
}
