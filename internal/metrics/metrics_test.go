package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorTracksOccupancy(t *testing.T) {
	c := NewCollector(3)
	c.SlotAcquired()
	c.SlotAcquired()
	c.IncrementAdmissions()
	c.IncrementRejections()

	snap := c.Snapshot()
	if snap.SlotsTotal != 3 {
		t.Fatalf("expected SlotsTotal 3, got %d", snap.SlotsTotal)
	}
	if snap.SlotsUsed != 2 {
		t.Fatalf("expected SlotsUsed 2, got %d", snap.SlotsUsed)
	}
	if snap.Admissions != 1 || snap.Rejections != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}

	c.SlotReleased()
	if got := c.GetSlotsUsed(); got != 1 {
		t.Fatalf("expected SlotsUsed 1 after release, got %d", got)
	}
}

func TestCollectorResetKeepsSlotsTotal(t *testing.T) {
	c := NewCollector(5)
	c.SlotAcquired()
	c.IncrementHandshakeFailures()
	c.Reset()

	snap := c.Snapshot()
	if snap.SlotsTotal != 5 {
		t.Fatalf("expected SlotsTotal preserved across Reset, got %d", snap.SlotsTotal)
	}
	if snap.SlotsUsed != 0 || snap.HandshakeFailures != 0 {
		t.Fatalf("expected counters cleared by Reset, got %+v", snap)
	}
}

func TestPrometheusUpdateFromCollector(t *testing.T) {
	c := NewCollector(2)
	c.SlotAcquired()
	c.IncrementAuthDenials()

	pc := InitPrometheus("elproxy_test_metrics")
	pc.UpdateFromCollector(c)

	if got := testutil.ToFloat64(pc.SlotsUsed); got != 1 {
		t.Fatalf("expected prometheus SlotsUsed 1, got %v", got)
	}
}
