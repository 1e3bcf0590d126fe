package uwb

import "math"

// ProcessorConfig controls the signal-conditioning pipeline applied to a raw
// observation sequence before it reaches the mapper or the auto-calibrator.
type ProcessorConfig struct {
	FirstTrim           int  // samples dropped from the head
	EndTrim             int  // samples dropped from the tail
	MovingAverageWindow int  // trailing window size; <=1 disables smoothing
	FilterNLOS          bool // drop samples flagged non-line-of-sight
}

// DefaultProcessorConfig returns the conditioning defaults used for UWB
// ranging streams: the first and last seconds of a collection window are the
// noisiest, and NLOS samples are discarded outright.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		FirstTrim:           5,
		EndTrim:             5,
		MovingAverageWindow: 5,
		FilterNLOS:          true,
	}
}

// ProcessingStats summarizes what the pipeline did to a sequence.
type ProcessingStats struct {
	OriginalCount   int     `json:"originalCount"`
	ProcessedCount  int     `json:"processedCount"`
	TrimmedCount    int     `json:"trimmedCount"`
	TrimRate        float64 `json:"trimRate"`
	OriginalStdDev  float64 `json:"originalStdDev"`  // meters
	ProcessedStdDev float64 `json:"processedStdDev"` // meters
	Improvement     float64 `json:"improvement"`     // original - processed, meters
}

// Process runs the conditioning pipeline, strictly ordered: trim, trailing
// moving average, NLOS filter. It never fails; every degenerate configuration
// degrades to a safe passthrough. The input slice is not modified.
func (c ProcessorConfig) Process(points []ObservationPoint) ([]ObservationPoint, ProcessingStats) {
	stats := ProcessingStats{
		OriginalCount:  len(points),
		OriginalStdDev: positionStdDev(points),
	}

	out := trimEnds(points, c.FirstTrim, c.EndTrim)
	out = smoothPositions(out, c.MovingAverageWindow)
	if c.FilterNLOS {
		out = dropNLOS(out)
	}

	stats.ProcessedCount = len(out)
	stats.TrimmedCount = stats.OriginalCount - stats.ProcessedCount
	if stats.OriginalCount > 0 {
		stats.TrimRate = float64(stats.TrimmedCount) / float64(stats.OriginalCount)
	}
	stats.ProcessedStdDev = positionStdDev(out)
	stats.Improvement = stats.OriginalStdDev - stats.ProcessedStdDev

	return out, stats
}

// trimEnds drops first head samples and end tail samples. No-op when the
// sequence is not longer than first+end.
func trimEnds(points []ObservationPoint, first, end int) []ObservationPoint {
	if first < 0 {
		first = 0
	}
	if end < 0 {
		end = 0
	}
	if len(points) <= first+end {
		return append([]ObservationPoint(nil), points...)
	}
	return append([]ObservationPoint(nil), points[first:len(points)-end]...)
}

// smoothPositions replaces each point's position with the mean of itself and
// the preceding window-1 samples. Points before a full window keep their
// original value. Passthrough when the window is <=1 or exceeds the sequence.
func smoothPositions(points []ObservationPoint, window int) []ObservationPoint {
	out := append([]ObservationPoint(nil), points...)
	if window <= 1 || window > len(points) {
		return out
	}
	positions := make([]Point3D, len(points))
	for i, p := range points {
		positions[i] = p.Position
	}
	smoothed := MovingAveragePositions(positions, window)
	for i := range out {
		out[i].Position = smoothed[i]
	}
	return out
}

// dropNLOS removes points flagged non-line-of-sight, preserving order.
func dropNLOS(points []ObservationPoint) []ObservationPoint {
	out := make([]ObservationPoint, 0, len(points))
	for _, p := range points {
		if p.Quality.IsLineOfSight {
			out = append(out, p)
		}
	}
	return out
}

// MovingAveragePositions applies a trailing moving average of the given
// window to a bare coordinate sequence. Indexes before a full window retain
// their original value; a window <=1 or larger than the sequence is a
// passthrough. Exposed for reuse outside the conditioning pipeline.
func MovingAveragePositions(positions []Point3D, window int) []Point3D {
	out := append([]Point3D(nil), positions...)
	if window <= 1 || window > len(positions) {
		return out
	}
	for i := window - 1; i < len(positions); i++ {
		var sx, sy, sz float64
		for j := i - window + 1; j <= i; j++ {
			sx += positions[j].X
			sy += positions[j].Y
			sz += positions[j].Z
		}
		w := float64(window)
		out[i] = Point3D{X: sx / w, Y: sy / w, Z: sz / w}
	}
	return out
}

// positionStdDev is the RMS planar deviation of the points around their
// centroid.
func positionStdDev(points []ObservationPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	positions := make([]Point3D, len(points))
	for i, p := range points {
		positions[i] = p.Position
	}
	c := CentroidOf(positions)
	var sumSq float64
	for _, p := range positions {
		d := p.PlanarDistanceTo(c)
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(points)))
}
