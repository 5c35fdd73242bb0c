package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCycle(t *testing.T) {
	c := New()

	c.ObserveCycle(2048, 0.01118, 0.477, true)
	c.ObserveCycle(100, 0.0012, 0, false)

	if got := testutil.ToFloat64(c.cycles); got != 2 {
		t.Errorf("cycles = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.outOfRange); got != 1 {
		t.Errorf("out_of_range = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.raw); got != 100 {
		t.Errorf("raw = %v, want 100", got)
	}
	if got := testutil.ToFloat64(c.level); got != 0.477 {
		t.Errorf("level = %v, want 0.477 (kept from last valid cycle)", got)
	}
	if got := testutil.ToFloat64(c.lastCycle); got <= 0 {
		t.Errorf("last_cycle = %v, want a unix timestamp", got)
	}
}

func TestConnectAttempt(t *testing.T) {
	c := New()

	c.ConnectAttempt(false, -2)
	c.ConnectAttempt(false, -2)
	if got := testutil.ToFloat64(c.connected); got != 0 {
		t.Errorf("connected = %v, want 0", got)
	}
	c.ConnectAttempt(true, 0)

	if got := testutil.ToFloat64(c.connectAttempts.WithLabelValues("failure", "-2")); got != 2 {
		t.Errorf("failure{-2} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.connectAttempts.WithLabelValues("success", "0")); got != 1 {
		t.Errorf("success{0} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.connected); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
}

func TestPublishFailed(t *testing.T) {
	c := New()
	c.PublishFailed("/heizung/brunnen/waterlevel")

	if got := testutil.CollectAndCount(c.publishFailures); got != 1 {
		t.Errorf("publish_failures series = %d, want 1", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector

	// None of these may panic.
	c.ObserveCycle(1, 1, 1, true)
	c.PublishFailed("t")
	c.ConnectAttempt(true, 0)
	c.SetConnected(true)
	if c.Registry() != nil {
		t.Error("nil collector returned a registry")
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil Handler() status = %d, want 404", rec.Code)
	}
}

func TestHandler(t *testing.T) {
	c := New()
	c.ObserveCycle(3845, 0.0198, 12.74, true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"brunnen_cycles_total 1",
		"brunnen_water_level_meters 12.74",
		"brunnen_build_info{",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
