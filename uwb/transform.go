package uwb

import (
	"fmt"
	"math"
)

// MinCalibrationPoints is the minimum number of correspondence pairs needed
// to determine a full 2D affine transform.
const MinCalibrationPoints = 3

// degenerateEpsilon is the determinant threshold below which a configuration
// is treated as collinear or a transform as non-invertible.
const degenerateEpsilon = 1e-10

// AffineTransform maps map coordinates into real-world coordinates:
//
//	realX = A*mapX + B*mapY + Tx
//	realY = C*mapX + D*mapY + Ty
//
// Immutable once computed; owned by one antenna's calibration aggregate.
type AffineTransform struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`

	Determinant float64 `json:"determinant"`
	IsValid     bool    `json:"isValid"`
	Accuracy    float64 `json:"accuracy"` // max residual distance, meters
}

// IdentityTransform returns the identity affine transform.
func IdentityTransform() *AffineTransform {
	return &AffineTransform{A: 1, D: 1, Determinant: 1, IsValid: true}
}

// FitAffineTransform fits the 2D affine parameters from correspondence pairs
// (measured → reference) by minimizing squared residuals. The solve is exact
// at exactly 3 points and least squares for more, via the normal equations.
//
// Fails with *InsufficientPointsError for fewer than 3 pairs, *InputError for
// non-finite coordinates, and *GeometryError when the measured points are
// collinear. Duplicate reference coordinates are the caller's concern.
func FitAffineTransform(points []CalibrationPoint) (*AffineTransform, error) {
	n := len(points)
	if n < MinCalibrationPoints {
		return nil, &InsufficientPointsError{Required: MinCalibrationPoints, Provided: n}
	}
	for i, cp := range points {
		if !cp.MeasuredPosition.IsFinite() || !cp.ReferencePosition.IsFinite() {
			return nil, &InputError{Reason: fmt.Sprintf("correspondence %d has non-finite coordinates", i)}
		}
	}

	// Normal equations for [x' y'] = [x y 1] * [[a c] [b d] [tx ty]],
	// solved with Cramer's rule on the shared 3x3 system matrix.
	var sumX, sumY, sumXX, sumXY, sumYY float64
	var sumXXp, sumYXp, sumXp, sumXYp, sumYYp, sumYp float64

	for _, cp := range points {
		x, y := cp.MeasuredPosition.X, cp.MeasuredPosition.Y
		xp, yp := cp.ReferencePosition.X, cp.ReferencePosition.Y

		sumX += x
		sumY += y
		sumXX += x * x
		sumXY += x * y
		sumYY += y * y
		sumXp += xp
		sumYp += yp
		sumXXp += x * xp
		sumXYp += x * yp
		sumYXp += y * xp
		sumYYp += y * yp
	}

	fn := float64(n)
	det := sumXX*(sumYY*fn-sumY*sumY) - sumXY*(sumXY*fn-sumY*sumX) + sumX*(sumXY*sumY-sumYY*sumX)
	if math.Abs(det) < degenerateEpsilon {
		return nil, &GeometryError{Reason: fmt.Sprintf("measured points are collinear (system determinant %.3e)", det)}
	}
	invDet := 1.0 / det

	// Solve for a, b, tx (maps to x').
	detA := sumXXp*(sumYY*fn-sumY*sumY) - sumXY*(sumYXp*fn-sumY*sumXp) + sumX*(sumYXp*sumY-sumYY*sumXp)
	detB := sumXX*(sumYXp*fn-sumY*sumXp) - sumXXp*(sumXY*fn-sumY*sumX) + sumX*(sumXY*sumXp-sumYXp*sumX)
	detTx := sumXX*(sumYY*sumXp-sumYXp*sumY) - sumXY*(sumXY*sumXp-sumYXp*sumX) + sumXXp*(sumXY*sumY-sumYY*sumX)

	// Solve for c, d, ty (maps to y').
	detC := sumXYp*(sumYY*fn-sumY*sumY) - sumXY*(sumYYp*fn-sumY*sumYp) + sumX*(sumYYp*sumY-sumYY*sumYp)
	detD := sumXX*(sumYYp*fn-sumY*sumYp) - sumXYp*(sumXY*fn-sumY*sumX) + sumX*(sumXY*sumYp-sumYYp*sumX)
	detTy := sumXX*(sumYY*sumYp-sumYYp*sumY) - sumXY*(sumXY*sumYp-sumYYp*sumX) + sumXYp*(sumXY*sumY-sumYY*sumX)

	tf := &AffineTransform{
		A:  detA * invDet,
		B:  detB * invDet,
		Tx: detTx * invDet,
		C:  detC * invDet,
		D:  detD * invDet,
		Ty: detTy * invDet,
	}
	tf.Determinant = tf.A*tf.D - tf.B*tf.C
	tf.IsValid = math.Abs(tf.Determinant) >= degenerateEpsilon

	// Accuracy is the worst-case residual over the fitted correspondences.
	var maxResidual float64
	for _, cp := range points {
		mapped := tf.MapToRealWorld(cp.MeasuredPosition)
		if r := mapped.PlanarDistanceTo(cp.ReferencePosition); r > maxResidual {
			maxResidual = r
		}
	}
	tf.Accuracy = maxResidual

	return tf, nil
}

// MapToRealWorld applies the forward transform. Pure; never fails.
// The vertical component passes through unchanged.
func (t *AffineTransform) MapToRealWorld(p Point3D) Point3D {
	return Point3D{
		X: t.A*p.X + t.B*p.Y + t.Tx,
		Y: t.C*p.X + t.D*p.Y + t.Ty,
		Z: p.Z,
	}
}

// RealWorldToMap applies the inverse transform. Fails with *GeometryError
// when the matrix is not invertible.
func (t *AffineTransform) RealWorldToMap(p Point3D) (Point3D, error) {
	det := t.A*t.D - t.B*t.C
	if math.Abs(det) < degenerateEpsilon {
		return Point3D{}, &GeometryError{Reason: fmt.Sprintf("transform is not invertible (determinant %.3e)", det)}
	}
	invDet := 1.0 / det
	dx := p.X - t.Tx
	dy := p.Y - t.Ty
	return Point3D{
		X: (t.D*dx - t.B*dy) * invDet,
		Y: (t.A*dy - t.C*dx) * invDet,
		Z: p.Z,
	}, nil
}

// RotationDeg extracts the rotational component in degrees, normalized
// to [0, 360).
func (t *AffineTransform) RotationDeg() float64 {
	deg := math.Atan2(t.C, t.A) * 180 / math.Pi
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// ScaleFactors returns the anisotropic scale factors derived from the
// column norms of the linear part.
func (t *AffineTransform) ScaleFactors() (sx, sy float64) {
	return math.Hypot(t.A, t.C), math.Hypot(t.B, t.D)
}
