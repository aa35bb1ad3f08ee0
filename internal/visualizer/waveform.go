package visualizer

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Waveform maps unsigned time-domain samples onto a width x height surface.
// Samples are spread evenly across the width; 128 lands on the centre line.
// The polyline is closed at the right edge's midpoint.
func Waveform(samples []byte, width, height int) []Point {
	if len(samples) == 0 {
		return nil
	}
	w := float64(width)
	h := float64(height)
	sliceWidth := w / float64(len(samples))

	points := make([]Point, 0, len(samples)+1)
	x := 0.0
	for _, s := range samples {
		v := float64(s) / 128.0
		points = append(points, Point{X: x, Y: v * h / 2})
		x += sliceWidth
	}
	return append(points, Point{X: w, Y: h / 2})
}
