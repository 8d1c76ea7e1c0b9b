package arrival

import (
	"fmt"
)

// Vehicle is one segment of the piecewise speed model: from StartMinute
// onwards the traveller is assumed to move at Speed metres per second.
type Vehicle struct {
	Name        string
	StartMinute float64
	Speed       float64

	// reach is the distance covered by the time StartMinute is reached.
	reach float64
}

// DefaultBaseDistance is the distance in metres counted as already arrived.
const DefaultBaseDistance = 100.0

// DefaultVehicles is the reference speed table, slowest first.
func DefaultVehicles() []Vehicle {
	return []Vehicle{
		{Name: "walk", StartMinute: 0, Speed: 1.094344},
		{Name: "car", StartMinute: 5, Speed: 7.660409},
		{Name: "highway", StartMinute: 20, Speed: 15.32082},
		{Name: "plane", StartMinute: 50, Speed: 87.54753},
	}
}

// buildCurve fills in the cumulative reach of every breakpoint so that each
// segment starts where the previous one ended.
func buildCurve(base float64, vehicles []Vehicle) ([]Vehicle, error) {
	if len(vehicles) == 0 {
		return nil, fmt.Errorf("speed table is empty")
	}
	if base < 0 {
		return nil, fmt.Errorf("base distance must not be negative, got %v", base)
	}
	if vehicles[0].StartMinute != 0 {
		return nil, fmt.Errorf("first vehicle must start at minute 0, got %v", vehicles[0].StartMinute)
	}
	curve := make([]Vehicle, len(vehicles))
	copy(curve, vehicles)
	curve[0].reach = base
	for i := range curve {
		if curve[i].Speed <= 0 {
			return nil, fmt.Errorf("vehicle %s has non-positive speed %v", curve[i].Name, curve[i].Speed)
		}
		if i == 0 {
			continue
		}
		prev := curve[i-1]
		if curve[i].StartMinute <= prev.StartMinute {
			return nil, fmt.Errorf("vehicle %s must start after %s", curve[i].Name, prev.Name)
		}
		if curve[i].Speed < prev.Speed {
			return nil, fmt.Errorf("vehicle %s is slower than %s", curve[i].Name, prev.Name)
		}
		curve[i].reach = prev.reach + (curve[i].StartMinute-prev.StartMinute)*60*prev.Speed
	}
	return curve, nil
}
