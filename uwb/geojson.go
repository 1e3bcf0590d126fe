package uwb

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// PoseFeatureCollection builds a GeoJSON FeatureCollection from calibrated
// antenna poses and the reference points they were fitted against. Coordinates
// are planar floor coordinates in meters, not geographic degrees.
func PoseFeatureCollection(results map[string]CalibrationResult, refs []ReferencePoint, floorMap *FloorMap) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, id := range sortedKeys(results) {
		r := results[id]
		f := geojson.NewFeature(orb.Point{r.Position.X, r.Position.Y})
		f.Properties["kind"] = "antenna"
		f.Properties["antennaId"] = r.AntennaID
		f.Properties["rotationDeg"] = r.RotationDeg
		f.Properties["rmse"] = r.RMSE
		f.Properties["success"] = r.Success
		if floorMap != nil {
			f.Properties["floorMapId"] = floorMap.ID
		}
		fc.Append(f)
	}

	for _, rp := range refs {
		f := geojson.NewFeature(orb.Point{rp.Position.X, rp.Position.Y})
		f.Properties["kind"] = "reference"
		f.Properties["id"] = rp.ID
		f.Properties["name"] = rp.Name
		f.Properties["tagId"] = rp.TagID
		f.Properties["z"] = rp.Position.Z
		fc.Append(f)
	}

	if floorMap != nil {
		outline := orb.Polygon{orb.Ring{
			{0, 0},
			{floorMap.WidthMeters, 0},
			{floorMap.WidthMeters, floorMap.DepthMeters},
			{0, floorMap.DepthMeters},
			{0, 0},
		}}
		f := geojson.NewFeature(outline)
		f.Properties["kind"] = "floor"
		f.Properties["floorMapId"] = floorMap.ID
		f.Properties["areaM2"] = planar.Area(outline)
		fc.Append(f)
	}

	return fc
}

// MarshalPoseGeoJSON serializes antenna poses and reference points to GeoJSON.
func MarshalPoseGeoJSON(results map[string]CalibrationResult, refs []ReferencePoint, floorMap *FloorMap) ([]byte, error) {
	data, err := PoseFeatureCollection(results, refs, floorMap).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling pose GeoJSON: %w", err)
	}
	return data, nil
}

// CoverageBound returns the planar bounding box spanned by the calibrated
// antenna positions and reference points, padded by margin meters on each side.
func CoverageBound(results map[string]CalibrationResult, refs []ReferencePoint, margin float64) (orb.Bound, bool) {
	var points []orb.Point
	for _, r := range results {
		points = append(points, orb.Point{r.Position.X, r.Position.Y})
	}
	for _, rp := range refs {
		points = append(points, orb.Point{rp.Position.X, rp.Position.Y})
	}
	if len(points) == 0 {
		return orb.Bound{}, false
	}

	bound := points[0].Bound()
	for _, p := range points[1:] {
		bound = bound.Extend(p)
	}
	bound.Min[0] -= margin
	bound.Min[1] -= margin
	bound.Max[0] += margin
	bound.Max[1] += margin
	return bound, true
}
