package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDriftCaptureAccumulates(t *testing.T) {
	d := NewDriftBook()

	// Rounded above raw: billed more than carried — gain.
	gain, loss := d.Capture("V1", 1.7, 2)
	assert.InDelta(t, 0.3, gain, 1e-9)
	assert.Zero(t, loss)

	// Rounded below raw: carried more than billed — loss.
	gain, loss = d.Capture("V1", 2.3, 2)
	assert.Zero(t, gain)
	assert.InDelta(t, 0.3, loss, 1e-9)

	// Exact reading moves nothing.
	gain, loss = d.Capture("V1", 5, 5)
	assert.Zero(t, gain)
	assert.Zero(t, loss)

	c := d.Counters("V1")
	assert.InDelta(t, 0.3, c.TotalWeightGain, 1e-9)
	assert.InDelta(t, 0.3, c.TotalWeightLoss, 1e-9)
}

func TestDriftCountersNeverDecrease(t *testing.T) {
	d := NewDriftBook()
	prevGain, prevLoss := 0.0, 0.0
	samples := []struct{ raw, rounded float64 }{
		{1.799, 1}, {1.8, 2}, {0.95, 1}, {12.5, 12}, {3, 3},
	}
	for _, s := range samples {
		d.Capture("V7", s.raw, s.rounded)
		c := d.Counters("V7")
		assert.GreaterOrEqual(t, c.TotalWeightGain, prevGain)
		assert.GreaterOrEqual(t, c.TotalWeightLoss, prevLoss)
		prevGain, prevLoss = c.TotalWeightGain, c.TotalWeightLoss
	}
}

func TestDriftCountersPerVehicle(t *testing.T) {
	d := NewDriftBook()
	d.Capture("V1", 1.7, 2)
	d.Capture("V2", 2.3, 2)

	assert.InDelta(t, 0.3, d.Counters("V1").TotalWeightGain, 1e-9)
	assert.Zero(t, d.Counters("V1").TotalWeightLoss)
	assert.InDelta(t, 0.3, d.Counters("V2").TotalWeightLoss, 1e-9)

	unknown := d.Counters("V9")
	assert.Equal(t, "V9", unknown.VehicleID)
	assert.Zero(t, unknown.TotalWeightGain)
	assert.Zero(t, unknown.TotalWeightLoss)
}
