package uwb

import "math"

// SessionSummary is the condensed outcome of one completed observation
// session after signal conditioning.
type SessionSummary struct {
	SessionID      string
	AntennaID      string
	Centroid       Point3D
	Count          int
	MeanConfidence float64
	Stats          ProcessingStats
}

// SummarizeSession conditions a session's points and reduces them to a
// centroid with a mean confidence. Returns ok=false when no observation
// survives the pipeline; a mapping requires at least one contribution.
func SummarizeSession(session *ObservationSession, cfg ProcessorConfig) (SessionSummary, bool) {
	processed, stats := cfg.Process(session.Points)
	if len(processed) == 0 {
		return SessionSummary{SessionID: session.ID, AntennaID: session.AntennaID, Stats: stats}, false
	}

	positions := make([]Point3D, len(processed))
	var confSum float64
	for i, p := range processed {
		positions[i] = p.Position
		confSum += p.Quality.ConfidenceLevel
	}

	return SessionSummary{
		SessionID:      session.ID,
		AntennaID:      session.AntennaID,
		Centroid:       CentroidOf(positions),
		Count:          len(processed),
		MeanConfidence: confSum / float64(len(processed)),
		Stats:          stats,
	}, true
}

// NearestUnmatchedReference returns the index of the closest reference point
// whose index is not yet in matched, or -1 when all are taken.
func NearestUnmatchedReference(refs []ReferencePoint, matched map[int]bool, p Point3D) int {
	best := -1
	bestDist := math.MaxFloat64
	for i, ref := range refs {
		if matched[i] {
			continue
		}
		if d := ref.Position.PlanarDistanceTo(p); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// MappingQuality combines position error (meters) and mean observation
// confidence into a [0,1] score. The score decreases monotonically with
// positionError and increases with confidence:
//
//	quality = clamp01(confidence) / (1 + positionError)
//
// The hyperbolic falloff halves the score at 1m of error.
func MappingQuality(positionError, meanConfidence float64) float64 {
	if positionError < 0 {
		positionError = 0
	}
	return clamp01(meanConfidence) / (1 + positionError)
}

// BuildMapping pairs a session summary with a reference point, computing the
// position error and mapping quality. The result is immutable.
func BuildMapping(ref ReferencePoint, summary SessionSummary) Mapping {
	positionError := ref.Position.PlanarDistanceTo(summary.Centroid)
	return Mapping{
		Reference:        ref,
		AntennaID:        summary.AntennaID,
		SessionID:        summary.SessionID,
		ObservedCentroid: summary.Centroid,
		ObservationCount: summary.Count,
		MeanConfidence:   summary.MeanConfidence,
		PositionError:    positionError,
		MappingQuality:   MappingQuality(positionError, summary.MeanConfidence),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
