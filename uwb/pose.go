package uwb

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// PoseFit is the fitted pose of one antenna: a transform carrying rotation,
// anisotropic scale and translation, plus the derived summary values.
type PoseFit struct {
	Transform   *AffineTransform
	Position    Point3D // antenna-frame origin mapped to real-world meters
	RotationDeg float64
	ScaleX      float64
	ScaleY      float64
	RMSE        float64 // meters
}

// FitAntennaPose fits a transform (rotation + anisotropic scale +
// translation) mapping measured antenna-frame positions onto true reference
// positions, minimizing the sum-of-squares reprojection error.
//
// Unlike FitAffineTransform this also rejects duplicate reference
// coordinates, which would otherwise silently under-constrain the system.
func FitAntennaPose(points []CalibrationPoint) (*PoseFit, error) {
	n := len(points)
	if n < MinCalibrationPoints {
		return nil, &InsufficientPointsError{Required: MinCalibrationPoints, Provided: n}
	}
	for i, cp := range points {
		if !cp.MeasuredPosition.IsFinite() || !cp.ReferencePosition.IsFinite() {
			return nil, &InputError{Reason: fmt.Sprintf("correspondence %d has non-finite coordinates", i)}
		}
		for j := 0; j < i; j++ {
			if points[j].ReferencePosition.X == cp.ReferencePosition.X &&
				points[j].ReferencePosition.Y == cp.ReferencePosition.Y {
				return nil, &InputError{Reason: fmt.Sprintf("correspondences %d and %d share the reference coordinate (%.3f, %.3f)",
					j, i, cp.ReferencePosition.X, cp.ReferencePosition.Y)}
			}
		}
	}
	if collinear(points) {
		return nil, &GeometryError{Reason: "tag positions are collinear; spread the known positions over the floor"}
	}

	// Least squares via gonum: A is n x 3 rows [mx my 1], solved once per
	// output axis. mat.Dense.Solve handles the over-determined case.
	a := mat.NewDense(n, 3, nil)
	bx := mat.NewDense(n, 1, nil)
	by := mat.NewDense(n, 1, nil)
	for i, cp := range points {
		a.Set(i, 0, cp.MeasuredPosition.X)
		a.Set(i, 1, cp.MeasuredPosition.Y)
		a.Set(i, 2, 1)
		bx.Set(i, 0, cp.ReferencePosition.X)
		by.Set(i, 0, cp.ReferencePosition.Y)
	}

	var solX, solY mat.Dense
	if err := solX.Solve(a, bx); err != nil {
		return nil, &GeometryError{Reason: "correspondence system is singular: " + err.Error()}
	}
	if err := solY.Solve(a, by); err != nil {
		return nil, &GeometryError{Reason: "correspondence system is singular: " + err.Error()}
	}

	tf := &AffineTransform{
		A:  solX.At(0, 0),
		B:  solX.At(1, 0),
		Tx: solX.At(2, 0),
		C:  solY.At(0, 0),
		D:  solY.At(1, 0),
		Ty: solY.At(2, 0),
	}
	tf.Determinant = tf.A*tf.D - tf.B*tf.C
	tf.IsValid = math.Abs(tf.Determinant) >= degenerateEpsilon
	if !tf.IsValid {
		return nil, &GeometryError{Reason: fmt.Sprintf("fitted transform is degenerate (determinant %.3e)", tf.Determinant)}
	}

	var sumSq, maxResidual float64
	for _, cp := range points {
		mapped := tf.MapToRealWorld(cp.MeasuredPosition)
		r := mapped.PlanarDistanceTo(cp.ReferencePosition)
		sumSq += r * r
		if r > maxResidual {
			maxResidual = r
		}
	}
	tf.Accuracy = maxResidual

	sx, sy := tf.ScaleFactors()
	return &PoseFit{
		Transform:   tf,
		Position:    Point3D{X: tf.Tx, Y: tf.Ty},
		RotationDeg: tf.RotationDeg(),
		ScaleX:      sx,
		ScaleY:      sy,
		RMSE:        math.Sqrt(sumSq / float64(n)),
	}, nil
}

// Result converts the fit into a successful CalibrationResult for the
// given antenna.
func (p *PoseFit) Result(antennaID string) *CalibrationResult {
	return &CalibrationResult{
		AntennaID:    antennaID,
		Position:     p.Position,
		RotationDeg:  p.RotationDeg,
		RMSE:         p.RMSE,
		ScaleX:       p.ScaleX,
		ScaleY:       p.ScaleY,
		Success:      true,
		CalibratedAt: time.Now(),
	}
}

// collinear reports whether every reference position lies on one line,
// judged by the largest triangle area over the first point and each pair.
func collinear(points []CalibrationPoint) bool {
	p0 := points[0].ReferencePosition
	for i := 1; i < len(points); i++ {
		for j := i + 1; j < len(points); j++ {
			p1 := points[i].ReferencePosition
			p2 := points[j].ReferencePosition
			area := (p1.X-p0.X)*(p2.Y-p0.Y) - (p2.X-p0.X)*(p1.Y-p0.Y)
			if math.Abs(area) > degenerateEpsilon {
				return false
			}
		}
	}
	return true
}
