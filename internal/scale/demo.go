package scale

import "math/rand"

// demoWalk generates simulated scale readings for development and testing:
// a bounded random walk around a crate-sized weight, with occasional
// returns toward zero as if the pan were emptied.
type demoWalk struct {
	weight float64
}

func newDemoWalk() *demoWalk {
	return &demoWalk{weight: 12 + rand.Float64()*8}
}

func (d *demoWalk) next() float64 {
	d.weight += rand.Float64()*1.6 - 0.8
	if d.weight < 0 {
		d.weight = 0
	}
	if d.weight > 60 {
		d.weight = 60
	}
	// Simulate the pan being emptied now and then
	if rand.Float64() < 0.02 {
		d.weight = rand.Float64() * 2
	}
	return d.weight
}
