package ledger

import "sync"

// DriftCounters hold a vehicle's lifetime weighing drift: the accumulated
// difference between what the scale read and what was billed under the
// rounding policy. Both counters only ever grow; reconciliation against
// physical shrinkage happens outside this core.
type DriftCounters struct {
	VehicleID       string  `json:"vehicleId"`
	TotalWeightGain float64 `json:"totalWeightGain"`
	TotalWeightLoss float64 `json:"totalWeightLoss"`
}

// DriftBook accumulates gain/loss per vehicle. Fed only by explicit capture
// actions, never by raw scale ticks.
type DriftBook struct {
	mu       sync.Mutex
	counters map[string]*DriftCounters
}

func NewDriftBook() *DriftBook {
	return &DriftBook{counters: make(map[string]*DriftCounters)}
}

// Capture records one captured sample's drift: diff = rounded - raw. A
// positive diff is billed weight the vehicle never carried (gain); a
// negative diff is carried weight never billed (loss). Returns the deltas
// applied to each counter.
func (d *DriftBook) Capture(vehicleID string, raw, rounded float64) (gain, loss float64) {
	diff := rounded - raw
	switch {
	case diff > 0:
		gain = diff
	case diff < 0:
		loss = -diff
	default:
		return 0, 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.counters[vehicleID]
	if !ok {
		c = &DriftCounters{VehicleID: vehicleID}
		d.counters[vehicleID] = c
	}
	c.TotalWeightGain += gain
	c.TotalWeightLoss += loss
	return gain, loss
}

// Counters returns a vehicle's drift totals; zeroes for an unseen vehicle.
func (d *DriftBook) Counters(vehicleID string) DriftCounters {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.counters[vehicleID]; ok {
		return *c
	}
	return DriftCounters{VehicleID: vehicleID}
}
