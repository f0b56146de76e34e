// Package spatial handles room coordinates and the geometry used to
// interpolate calibration samples.
package spatial

import "math"

// Point is a tracked coordinate in camera pixel space.
type Point struct {
	X, Y int
}

// Distance returns the Euclidean distance between p and other.
func (p Point) Distance(other Point) float64 {
	dx := float64(p.X - other.X)
	dy := float64(p.Y - other.Y)
	return math.Sqrt(dx*dx + dy*dy)
}

// Sample is a measured value at a point.
type Sample struct {
	At    Point
	Value float64
}

// InverseDistanceWeighting estimates the value at q from samples with
// Shepard's method: weight_i = 1 / d_i^power. A sample located exactly at q
// is returned as is. ok is false when there are no samples.
func InverseDistanceWeighting(q Point, samples []Sample, power float64) (value float64, ok bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var weighted, weights float64
	for _, s := range samples {
		d := q.Distance(s.At)
		if d == 0 {
			return s.Value, true
		}
		w := 1 / math.Pow(d, power)
		weighted += w * s.Value
		weights += w
	}
	return weighted / weights, true
}
