package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestSetLagReplacesNotAccumulates(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetLag("src1", "postgres", 5*time.Second)
	if v := getGaugeValue(c.replicationLagSeconds.WithLabelValues("src1", "postgres")); v != 5 {
		t.Errorf("expected lag=5, got %v", v)
	}

	c.SetLag("src1", "postgres", 1*time.Second)
	if v := getGaugeValue(c.replicationLagSeconds.WithLabelValues("src1", "postgres")); v != 1 {
		t.Errorf("expected lag=1 after update, got %v", v)
	}
}

func TestEventEmittedCountsPerOp(t *testing.T) {
	c, _ := newTestCollector(t)

	c.EventEmitted("src1", "mysql", "Insert")
	c.EventEmitted("src1", "mysql", "Insert")
	c.EventEmitted("src1", "mysql", "Delete")

	if v := getCounterValue(c.eventsEmittedTotal.WithLabelValues("src1", "mysql", "Insert")); v != 2 {
		t.Errorf("expected Insert=2, got %v", v)
	}
	if v := getCounterValue(c.eventsEmittedTotal.WithLabelValues("src1", "mysql", "Delete")); v != 1 {
		t.Errorf("expected Delete=1, got %v", v)
	}
}

func TestStreamEndedHistogram(t *testing.T) {
	c, reg := newTestCollector(t)

	c.StreamEnded("src1", "postgres", 50*time.Second)
	c.StreamEnded("src1", "postgres", 90*time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() != "cdc_stream_session_seconds" {
			continue
		}
		found = true
		m := f.GetMetric()
		if len(m) == 0 || m[0].GetHistogram().GetSampleCount() != 2 {
			t.Errorf("expected 2 samples, got %+v", m)
		}
	}
	if !found {
		t.Error("cdc_stream_session_seconds metric not found")
	}
}

func TestDecodeErrorByReason(t *testing.T) {
	c, reg := newTestCollector(t)

	c.DecodeError("src1", "mysql", "decimal_partial")
	c.DecodeError("src1", "mysql", "decimal_partial")
	c.DecodeError("src1", "mysql", "json_partial")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, fam := range families {
		if fam.GetName() != "cdc_decode_errors_total" {
			continue
		}
		found = true
		if len(fam.GetMetric()) != 2 {
			t.Errorf("expected 2 label combinations, got %d", len(fam.GetMetric()))
		}
	}
	if !found {
		t.Fatal("cdc_decode_errors_total metric family not found")
	}
}

func TestRemoveSourceClearsLabels(t *testing.T) {
	c, reg := newTestCollector(t)

	c.SetLag("src1", "postgres", time.Second)
	c.EventEmitted("src1", "postgres", "Insert")
	c.RemoveSource("src1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "source_id" && l.GetValue() == "src1" {
					t.Errorf("expected src1 labels removed from %s", fam.GetName())
				}
			}
		}
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic because each creates
	// its own registry instead of using the global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.EventEmitted("src1", "postgres", "Insert")
	c2.EventEmitted("src1", "postgres", "Insert")
	c2.EventEmitted("src1", "postgres", "Insert")

	v1 := getCounterValue(c1.eventsEmittedTotal.WithLabelValues("src1", "postgres", "Insert"))
	v2 := getCounterValue(c2.eventsEmittedTotal.WithLabelValues("src1", "postgres", "Insert"))
	if v1 != 1 {
		t.Errorf("c1 expected 1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected 2, got %v", v2)
	}
}
