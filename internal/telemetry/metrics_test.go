package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := New(nil)

	m.Published("get")
	m.Published("get")
	m.Delivered("notification")
	m.Dropped(ReasonUnknownID)
	m.PublishFailed()
	m.AskCycle()
	m.Resolved()
	m.SetOutstanding(3)
	m.SetMeshPeers(2)
	m.SetStoreKeys(5)

	if got := testutil.ToFloat64(m.published.WithLabelValues("get")); got != 2 {
		t.Fatalf("published{get} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.dropped.WithLabelValues(ReasonUnknownID)); got != 1 {
		t.Fatalf("dropped{unknown_id} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.outstanding); got != 3 {
		t.Fatalf("outstanding = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.meshPeers); got != 2 {
		t.Fatalf("mesh peers = %v, want 2", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Published("get")
	m.Dropped(ReasonDecode)
	m.SetStoreKeys(1)
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New(nil)
	m.SetBuildInfo("v0.1.0", "abc123")
	m.AskCycle()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	for _, want := range []string{"gossipconf_ask_cycles_total 1", "gossipconf_build_info", "gossipconf_uptime_seconds"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
