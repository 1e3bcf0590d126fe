package uwb

import "fmt"

// FloorMap converts between normalized map coordinates and real-world
// meters. This is strictly a boundary concern: everything inside the
// calibration core runs in meters and never assumes a pixel canvas.
type FloorMap struct {
	ID          string
	WidthMeters float64
	DepthMeters float64
}

// NewFloorMap builds a FloorMap from configuration.
func NewFloorMap(cfg FloorMapConfig) (*FloorMap, error) {
	if cfg.WidthMeters <= 0 || cfg.DepthMeters <= 0 {
		return nil, &InputError{Reason: fmt.Sprintf("floor map %q dimensions must be positive, got %gx%g",
			cfg.ID, cfg.WidthMeters, cfg.DepthMeters)}
	}
	return &FloorMap{ID: cfg.ID, WidthMeters: cfg.WidthMeters, DepthMeters: cfg.DepthMeters}, nil
}

// NormalizedToMeters converts a normalized map coordinate ([0,1] per axis,
// origin at the map's top-left) to real-world meters.
func (f *FloorMap) NormalizedToMeters(p Point3D) Point3D {
	return Point3D{
		X: p.X * f.WidthMeters,
		Y: p.Y * f.DepthMeters,
		Z: p.Z,
	}
}

// MetersToNormalized converts real-world meters to a normalized map
// coordinate. Values outside the floor land outside [0,1]; clamping is the
// presentation layer's decision.
func (f *FloorMap) MetersToNormalized(p Point3D) Point3D {
	return Point3D{
		X: p.X / f.WidthMeters,
		Y: p.Y / f.DepthMeters,
		Z: p.Z,
	}
}

// FitMapCalibration fits the map→real-world transform from stored map
// calibration pairs, reusing the affine estimator and its error reporting.
func FitMapCalibration(points []MapCalibrationPoint) (*AffineTransform, error) {
	pairs := make([]CalibrationPoint, len(points))
	for i, p := range points {
		pairs[i] = CalibrationPoint{
			AntennaID:         p.FloorMapID,
			Index:             i,
			ReferencePosition: p.RealWorldPosition,
			MeasuredPosition:  p.MapPosition,
		}
	}
	return FitAffineTransform(pairs)
}
