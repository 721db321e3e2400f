// Package metrics collects and reports proxy admission and occupancy
// metrics, adapted from the karoo proxy's internal/metrics/metrics.go
// share-oriented Collector into one tracking slot occupancy instead.
package metrics

import "sync/atomic"

// Collector holds all proxy metrics as atomics, safe for concurrent use
// by every worker and the core accept loop.
type Collector struct {
	SlotsTotal        atomic.Int64
	SlotsUsed         atomic.Int64
	Admissions        atomic.Uint64
	Rejections        atomic.Uint64
	HandshakeFailures atomic.Uint64
	AuthDenials       atomic.Uint64
}

// NewCollector creates a new metrics collector with the given fixed
// slot pool size.
func NewCollector(slotsTotal int) *Collector {
	c := &Collector{}
	c.SlotsTotal.Store(int64(slotsTotal))
	return c
}

func (c *Collector) SlotAcquired()               { c.SlotsUsed.Add(1) }
func (c *Collector) SlotReleased()               { c.SlotsUsed.Add(-1) }
func (c *Collector) IncrementAdmissions()        { c.Admissions.Add(1) }
func (c *Collector) IncrementRejections()        { c.Rejections.Add(1) }
func (c *Collector) IncrementHandshakeFailures() { c.HandshakeFailures.Add(1) }
func (c *Collector) IncrementAuthDenials()       { c.AuthDenials.Add(1) }

func (c *Collector) GetSlotsUsed() int64  { return c.SlotsUsed.Load() }
func (c *Collector) GetSlotsTotal() int64 { return c.SlotsTotal.Load() }

// Snapshot is a point-in-time, copyable view of the collector's state.
type Snapshot struct {
	SlotsTotal        int64  `json:"slots_total"`
	SlotsUsed         int64  `json:"slots_used"`
	Admissions        uint64 `json:"admissions"`
	Rejections        uint64 `json:"rejections"`
	HandshakeFailures uint64 `json:"handshake_failures"`
	AuthDenials       uint64 `json:"auth_denials"`
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		SlotsTotal:        c.SlotsTotal.Load(),
		SlotsUsed:         c.SlotsUsed.Load(),
		Admissions:        c.Admissions.Load(),
		Rejections:        c.Rejections.Load(),
		HandshakeFailures: c.HandshakeFailures.Load(),
		AuthDenials:       c.AuthDenials.Load(),
	}
}

// Reset resets all metrics to zero values, keeping SlotsTotal intact
// since it describes fixed pool capacity, not runtime state.
func (c *Collector) Reset() {
	c.SlotsUsed.Store(0)
	c.Admissions.Store(0)
	c.Rejections.Store(0)
	c.HandshakeFailures.Store(0)
	c.AuthDenials.Store(0)
}
