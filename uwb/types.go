package uwb

import (
	"math"
	"time"
)

// Point3D is an (x, y, z) coordinate. Units are contextual, map pixels or
// real-world meters, and are never embedded in the type itself.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PlanarDistanceTo returns the Euclidean distance to q in the XY plane.
// Calibration operates in plan view; the vertical component is carried
// through the pipeline but never enters a fit.
func (p Point3D) PlanarDistanceTo(q Point3D) float64 {
	dx := q.X - p.X
	dy := q.Y - p.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// DistanceTo returns the full 3D Euclidean distance to q.
func (p Point3D) DistanceTo(q Point3D) float64 {
	dx := q.X - p.X
	dy := q.Y - p.Y
	dz := q.Z - p.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// IsFinite reports whether all components are real numbers (no NaN/Inf).
func (p Point3D) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) &&
		!math.IsNaN(p.Y) && !math.IsInf(p.Y, 0) &&
		!math.IsNaN(p.Z) && !math.IsInf(p.Z, 0)
}

// CentroidOf calculates the center of mass of a set of points.
func CentroidOf(points []Point3D) Point3D {
	if len(points) == 0 {
		return Point3D{}
	}
	var sumX, sumY, sumZ float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
		sumZ += p.Z
	}
	n := float64(len(points))
	return Point3D{X: sumX / n, Y: sumY / n, Z: sumZ / n}
}

// SignalQuality describes the reliability of a single ranging sample.
// It is always attached to an ObservationPoint, never standalone.
type SignalQuality struct {
	Strength        float64 `json:"strength"`        // 0..1
	IsLineOfSight   bool    `json:"isLineOfSight"`   // false = NLOS contaminated
	ConfidenceLevel float64 `json:"confidenceLevel"` // 0..1
	ErrorEstimate   float64 `json:"errorEstimate"`   // meters
}

// ObservationPoint is one raw position sample derived from a ranging frame.
type ObservationPoint struct {
	AntennaID string        `json:"antennaId"`
	SessionID string        `json:"sessionId"`
	Position  Point3D       `json:"position"`
	Timestamp time.Time     `json:"timestamp"`
	Quality   SignalQuality `json:"quality"`
	Distance  float64       `json:"distance"` // raw ranged distance, meters
	RSSI      float64       `json:"rssi"`     // dBm
}

// SessionStatus represents the lifecycle state of an observation session.
type SessionStatus string

const (
	SessionRecording SessionStatus = "recording"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// ObservationSession is a bounded recording of observation points for one
// antenna. Created on collection start, closed on stop.
type ObservationSession struct {
	ID        string             `json:"id"`
	AntennaID string             `json:"antennaId"`
	Status    SessionStatus      `json:"status"`
	StartedAt time.Time          `json:"startedAt"`
	StoppedAt time.Time          `json:"stoppedAt,omitempty"`
	Points    []ObservationPoint `json:"points"`
}

// ReferencePoint is a known real-world tag position used as ground truth.
// IsCollected flips true once matching observation data has been paired.
type ReferencePoint struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	TagID       string  `json:"tagId"`
	Position    Point3D `json:"position"` // meters
	IsCollected bool    `json:"isCollected"`
}

// CalibrationPoint is the minimal correspondence unit fed to the estimator:
// a measured position (antenna frame) paired with its reference position
// (real-world meters), tagged by antenna and ordinal index.
type CalibrationPoint struct {
	AntennaID         string  `json:"antennaId"`
	Index             int     `json:"index"`
	ReferencePosition Point3D `json:"referencePosition"`
	MeasuredPosition  Point3D `json:"measuredPosition"`
}

// MapCalibrationPoint pairs a floor-map coordinate with its real-world
// coordinate for map-space calibration.
type MapCalibrationPoint struct {
	FloorMapID        string  `json:"floorMapId"`
	Index             int     `json:"index"`
	MapPosition       Point3D `json:"mapPosition"`
	RealWorldPosition Point3D `json:"realWorldPosition"`
}

// Mapping is the computed correspondence between one reference point and a
// summarized observation session. Computed once, immutable.
type Mapping struct {
	Reference        ReferencePoint `json:"reference"`
	AntennaID        string         `json:"antennaId"`
	SessionID        string         `json:"sessionId"`
	ObservedCentroid Point3D        `json:"observedCentroid"`
	ObservationCount int            `json:"observationCount"`
	MeanConfidence   float64        `json:"meanConfidence"`
	PositionError    float64        `json:"positionError"`  // meters
	MappingQuality   float64        `json:"mappingQuality"` // 0..1
}

// CalibrationResult is the per-antenna calibration output.
type CalibrationResult struct {
	AntennaID    string    `json:"antennaId"`
	Position     Point3D   `json:"position"` // antenna origin in real-world meters
	RotationDeg  float64   `json:"rotationDeg"`
	RMSE         float64   `json:"rmse"` // meters
	ScaleX       float64   `json:"scaleX"`
	ScaleY       float64   `json:"scaleY"`
	Success      bool      `json:"success"`
	Message      string    `json:"message,omitempty"`
	CalibratedAt time.Time `json:"calibratedAt"`
}

// AntennaPositionData is the committed pose of an antenna on a floor map.
type AntennaPositionData struct {
	AntennaID   string  `json:"antennaId"`
	FloorMapID  string  `json:"floorMapId"`
	Position    Point3D `json:"position"`
	RotationDeg float64 `json:"rotationDeg"`
}

// Connectivity describes the link state of a ranging data source.
type Connectivity string

const (
	Connected    Connectivity = "connected"
	Disconnected Connectivity = "disconnected"
)

// TagPosition is a known tag placement used by the auto-calibration loop.
type TagPosition struct {
	TagID    string  `json:"tagId"`
	Position Point3D `json:"position"` // true real-world position, meters
}

// AntennaConfig defines one antenna from the config file.
type AntennaConfig struct {
	ID    string `yaml:"id" json:"id"`
	Topic string `yaml:"topic" json:"topic"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
}

// MQTTConfig holds MQTT connection settings for the ranging source.
type MQTTConfig struct {
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"clientId" json:"clientId"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// FloorMapConfig describes the floor map used for coordinate conversion at
// the UI boundary. The core operates solely in real-world meters.
type FloorMapConfig struct {
	ID          string  `yaml:"id" json:"id"`
	WidthMeters float64 `yaml:"widthMeters" json:"widthMeters"`
	DepthMeters float64 `yaml:"depthMeters" json:"depthMeters"`
}

// ProcessorSettings mirrors ProcessorConfig for YAML configuration.
type ProcessorSettings struct {
	FirstTrim           int  `yaml:"firstTrim" json:"firstTrim"`
	EndTrim             int  `yaml:"endTrim" json:"endTrim"`
	MovingAverageWindow int  `yaml:"movingAverageWindow" json:"movingAverageWindow"`
	FilterNLOS          bool `yaml:"filterNlos" json:"filterNlos"`
}

// AutoCalSettings holds auto-calibration loop knobs from the config file.
type AutoCalSettings struct {
	MinObservationsPerTag int     `yaml:"minObservationsPerTag" json:"minObservationsPerTag"`
	CollectionSeconds     float64 `yaml:"collectionSeconds" json:"collectionSeconds"`
	SettleSeconds         float64 `yaml:"settleSeconds" json:"settleSeconds"`
}

// Config represents the full configuration file.
type Config struct {
	MQTT      MQTTConfig        `yaml:"mqtt" json:"mqtt"`
	FloorMap  FloorMapConfig    `yaml:"floorMap" json:"floorMap"`
	Antennas  []AntennaConfig   `yaml:"antennas" json:"antennas"`
	Processor ProcessorSettings `yaml:"processor,omitempty" json:"processor,omitempty"`
	AutoCal   AutoCalSettings   `yaml:"autoCal,omitempty" json:"autoCal,omitempty"`
}

// GetAntennaByID returns the antenna config for the given ID, or nil.
func (c *Config) GetAntennaByID(id string) *AntennaConfig {
	for i := range c.Antennas {
		if c.Antennas[i].ID == id {
			return &c.Antennas[i]
		}
	}
	return nil
}

// AntennaIDs returns the configured antenna IDs in declaration order.
func (c *Config) AntennaIDs() []string {
	ids := make([]string, len(c.Antennas))
	for i := range c.Antennas {
		ids[i] = c.Antennas[i].ID
	}
	return ids
}
