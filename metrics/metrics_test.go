package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCollector_RecordAttempt(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := New(registry)

	c.RecordAttempt("job-1", "success", 120*time.Millisecond)
	c.RecordAttempt("job-1", "failure", 50*time.Millisecond)

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "shepherd_attempts_total" {
			found = true
			var total float64
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			if total != 2 {
				t.Fatalf("want 2 total attempts recorded, got %v", total)
			}
		}
	}
	if !found {
		t.Fatal("shepherd_attempts_total metric not registered")
	}
}

func TestCollector_Disable(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := New(registry)
	c.Disable()

	c.RecordAttempt("job-1", "success", time.Millisecond)
	c.IncrementRetries("job-1")
	c.IncrementTerminalFailures("job-1")

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range metricFamilies {
		for _, m := range mf.GetMetric() {
			if counterNonZero(m) {
				t.Fatalf("metric %s recorded while disabled", mf.GetName())
			}
		}
	}
}

func counterNonZero(m *dto.Metric) bool {
	if c := m.GetCounter(); c != nil {
		return c.GetValue() != 0
	}
	return false
}

func TestCollector_SetFilesystemConcurrency(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := New(registry)

	c.SetFilesystemConcurrency("job-1", "xyzzy", 3)

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var gauge float64
	for _, mf := range metricFamilies {
		if mf.GetName() == "shepherd_filesystem_concurrency" {
			for _, m := range mf.GetMetric() {
				gauge = m.GetGauge().GetValue()
			}
		}
	}
	if gauge != 3 {
		t.Fatalf("want gauge 3, got %v", gauge)
	}
}
